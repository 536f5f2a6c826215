package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/dreadew/taskiq-scheduler/internal/analysis"
	"github.com/dreadew/taskiq-scheduler/internal/breaker"
	"github.com/dreadew/taskiq-scheduler/internal/cancel"
	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/retry"
	"github.com/dreadew/taskiq-scheduler/internal/storage"
	"github.com/dreadew/taskiq-scheduler/internal/target"
	"github.com/dreadew/taskiq-scheduler/internal/telemetry"
	"github.com/dreadew/taskiq-scheduler/internal/validate"
)

const (
	ModeApply   = "apply"
	ModeAnalyze = "analyze"
)

// RedeliverError asks the broker to hand the message out again after Delay.
type RedeliverError struct {
	Delay time.Duration
	Err   error
}

func (e *RedeliverError) Error() string {
	return fmt.Sprintf("redeliver in %s: %v", e.Delay, e.Err)
}

func (e *RedeliverError) Unwrap() error { return e.Err }

type ExecutorConfig struct {
	Store     storage.Storage
	Cancels   *cancel.Registry
	Breakers  *breaker.Registry
	Connector target.Connector
	// Reviewer and AnalysisTarget are only used in analyze mode.
	Reviewer       analysis.Reviewer
	AnalysisTarget string
	Mode           string
	Policy         retry.Policy
	TimeLimit      time.Duration
	Logger         *slog.Logger
	Telemetry      *telemetry.Provider
	Metrics        *telemetry.Metrics
	Now            func() time.Time
}

// Executor runs one execution end to end and records its outcome.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Mode == "" {
		cfg.Mode = ModeApply
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cancels == nil {
		cfg.Cancels = cancel.NewRegistry(cfg.Logger)
	}
	if cfg.Breakers == nil {
		cfg.Breakers = breaker.NewRegistry(breaker.Config{Logger: cfg.Logger}, validate.Redact)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Noop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{cfg: cfg, logger: cfg.Logger.With("component", "executor")}
}

// Execute runs the execution. A nil error or any error other than
// *RedeliverError means the message is done with; the outcome is in the store.
func (e *Executor) Execute(ctx context.Context, executionID string) error {
	defer e.cfg.Cancels.Scope(executionID)()
	log := e.logger.With("execution_id", executionID)

	ctx, span := telemetry.StartSpan(ctx, e.cfg.Telemetry.Tracer, "execution.run",
		telemetry.AttrExecutionID.String(executionID))
	defer span.End()

	exec, err := e.cfg.Store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			log.Warn("dropping message for unknown execution")
			return nil
		}
		return &RedeliverError{Delay: e.cfg.Policy.Delay(1), Err: err}
	}
	switch {
	case exec.Status.Terminal():
		log.Info("execution already finished, skipping", "status", exec.Status)
		return nil
	case exec.Status == job.StatusCancelling:
		return e.finishCancelled(ctx, exec)
	}

	started := e.cfg.Now()
	exec, err = e.cfg.Store.UpdateExecution(ctx, executionID, storage.ExecutionUpdate{
		Status:    statusPtr(job.StatusRunning),
		StartedAt: &started,
	})
	if err != nil {
		if errors.Is(err, job.ErrInvalidState) {
			log.Info("execution not startable, skipping", "error", err)
			return nil
		}
		return &RedeliverError{Delay: e.cfg.Policy.Delay(1), Err: err}
	}
	log.Info("execution started", "attempt", exec.Attempt, "mode", e.cfg.Mode, "target", validate.Redact(exec.Params.DSN))

	runCtx := ctx
	if e.cfg.TimeLimit > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(ctx, e.cfg.TimeLimit)
		defer stop()
	}
	payload, runErr := e.run(runCtx, exec)

	// The worker context being done (not the time limit) means shutdown.
	shutdown := runErr != nil && ctx.Err() != nil
	e.cfg.Metrics.ExecutionDuration.Record(ctx, e.cfg.Now().Sub(started).Seconds())
	outcome := e.finish(context.WithoutCancel(ctx), exec, payload, runErr, shutdown)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return outcome
}

// run is the breaker-protected part: statements or the analysis call.
func (e *Executor) run(ctx context.Context, exec *job.Execution) (json.RawMessage, error) {
	if err := e.checkpoint(ctx, exec.ID); err != nil {
		return nil, err
	}
	key := exec.Params.DSN
	if e.cfg.Mode == ModeAnalyze {
		key = e.cfg.AnalysisTarget
	}
	var payload json.RawMessage
	err := e.cfg.Breakers.Do(ctx, key, func(ctx context.Context) error {
		var err error
		if e.cfg.Mode == ModeAnalyze {
			payload, err = e.analyze(ctx, exec)
		} else {
			payload, err = e.apply(ctx, exec)
		}
		return err
	})
	return payload, err
}

func (e *Executor) apply(ctx context.Context, exec *job.Execution) (json.RawMessage, error) {
	sess, err := e.cfg.Connector.Open(ctx, exec.Params.DSN)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sess.Rollback() }()

	for i, ddl := range exec.Params.DDL {
		if err := e.checkpoint(ctx, exec.ID); err != nil {
			return nil, err
		}
		e.logger.Debug("applying ddl", "execution_id", exec.ID, "index", i+1)
		if err := sess.Exec(ctx, ddl.Statement); err != nil {
			return nil, pkgerrors.WithMessagef(err, "ddl statement %d", i+1)
		}
	}
	results := make([]job.StatementResult, 0, len(exec.Params.Queries))
	for i, q := range exec.Params.Queries {
		if err := e.checkpoint(ctx, exec.ID); err != nil {
			return nil, err
		}
		e.logger.Debug("running query", "execution_id", exec.ID, "index", i+1)
		res, err := sess.Run(ctx, q.Query)
		if err != nil {
			return nil, pkgerrors.WithMessagef(err, "query %d", i+1)
		}
		res.QueryID = q.QueryID
		res.Query = q.Query
		results = append(results, res)
	}
	if err := sess.Commit(); err != nil {
		return nil, err
	}
	return json.Marshal(job.SuccessResult{Success: true, Results: results})
}

func (e *Executor) analyze(ctx context.Context, exec *job.Execution) (json.RawMessage, error) {
	if e.cfg.Reviewer == nil {
		return nil, pkgerrors.New("analysis client is not configured")
	}
	req := analysis.ReviewRequest{URL: exec.Params.DSN, ThreadID: exec.TaskID}
	for _, d := range exec.Params.DDL {
		req.DDL = append(req.DDL, analysis.DDLStatement{Statement: d.Statement})
	}
	for _, q := range exec.Params.Queries {
		req.Queries = append(req.Queries, analysis.Query{
			QueryID:       q.QueryID,
			Query:         q.Query,
			RunQuantity:   q.RunQuantity,
			ExecutionTime: q.ExecutionTime,
		})
	}
	resp, err := e.cfg.Reviewer.ReviewSchema(ctx, req)
	if err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	return json.Marshal(resp)
}

// checkpoint reports job.ErrTaskCancelled if the execution was marked in this
// process or its persisted status shows a cancel from another process.
func (e *Executor) checkpoint(ctx context.Context, id string) error {
	if err := e.cfg.Cancels.Checkpoint(id); err != nil {
		return err
	}
	cur, err := e.cfg.Store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == job.StatusCancelling || cur.Status == job.StatusCancelled {
		return job.ErrTaskCancelled
	}
	return nil
}

func (e *Executor) finish(ctx context.Context, exec *job.Execution, payload json.RawMessage, runErr error, shutdown bool) error {
	log := e.logger.With("execution_id", exec.ID)
	now := e.cfg.Now()

	switch {
	case runErr == nil:
		_, err := e.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
			Status:     statusPtr(job.StatusDone),
			Result:     payload,
			FinishedAt: &now,
		})
		if err != nil {
			return e.lostRace(log, err)
		}
		e.count(ctx, job.StatusDone, "")
		log.Info("execution done")
		return nil

	case errors.Is(runErr, job.ErrTaskCancelled):
		return e.finishCancelled(ctx, exec)

	case errors.Is(runErr, breaker.ErrCircuitOpen):
		result := e.errorResult(runErr, job.ReasonCircuitOpen, exec.Attempt)
		_, err := e.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
			Status:     statusPtr(job.StatusFailed),
			Result:     result,
			FinishedAt: &now,
		})
		if err != nil {
			return e.lostRace(log, err)
		}
		e.count(ctx, job.StatusFailed, job.ReasonCircuitOpen)
		log.Warn("execution rejected by circuit breaker", "error", runErr)
		return runErr

	case shutdown:
		_, err := e.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
			Status: statusPtr(job.StatusScheduled),
		})
		if err != nil {
			return e.lostRace(log, err)
		}
		log.Info("worker stopping, execution handed back to the queue")
		return &RedeliverError{Err: runErr}
	}

	attempt := exec.Attempt + 1
	result := e.errorResult(runErr, job.ReasonExecutionError, attempt)
	if e.cfg.Policy.ShouldRetry(runErr, attempt) {
		delay := e.cfg.Policy.Delay(attempt)
		next := now.Add(delay)
		_, err := e.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
			Status:      statusPtr(job.StatusScheduled),
			Attempt:     &attempt,
			Result:      result,
			ScheduledAt: &next,
		})
		if err != nil {
			return e.lostRace(log, err)
		}
		e.count(ctx, job.StatusScheduled, job.ReasonExecutionError)
		log.Warn("execution failed, redelivering", "attempt", attempt, "delay", delay, "error", runErr)
		return &RedeliverError{Delay: delay, Err: runErr}
	}

	_, err := e.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
		Status:     statusPtr(job.StatusFailed),
		Attempt:    &attempt,
		Result:     result,
		FinishedAt: &now,
	})
	if err != nil {
		return e.lostRace(log, err)
	}
	e.count(ctx, job.StatusFailed, job.ReasonExecutionError)
	log.Error("execution failed", "attempt", attempt, "error", runErr)
	return runErr
}

// finishCancelled moves the execution to CANCELLED through CANCELLING. A
// cancel committed by the API already did this, in which case it is a no-op.
func (e *Executor) finishCancelled(ctx context.Context, exec *job.Execution) error {
	err := e.cfg.Store.InTx(ctx, func(ctx context.Context) error {
		cur, err := e.cfg.Store.GetExecutionForUpdate(ctx, exec.ID)
		if err != nil {
			return err
		}
		if cur.Status.Cancellable() {
			if _, err := e.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
				Status: statusPtr(job.StatusCancelling),
			}); err != nil {
				return err
			}
			cur.Status = job.StatusCancelling
		}
		if cur.Status != job.StatusCancelling {
			return nil
		}
		now := e.cfg.Now()
		_, err = e.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
			Status:     statusPtr(job.StatusCancelled),
			FinishedAt: &now,
		})
		return err
	})
	if err != nil {
		return e.lostRace(e.logger.With("execution_id", exec.ID), err)
	}
	e.count(ctx, job.StatusCancelled, "")
	e.logger.Info("execution cancelled", "execution_id", exec.ID)
	return nil
}

// lostRace swallows state conflicts: another actor already moved the
// execution on, and its outcome stands.
func (e *Executor) lostRace(log *slog.Logger, err error) error {
	if errors.Is(err, job.ErrInvalidState) {
		log.Info("execution changed concurrently, keeping stored outcome", "error", err)
		return nil
	}
	log.Error("failed to record execution outcome", "error", err)
	return err
}

func (e *Executor) errorResult(err error, reason string, attempt int) json.RawMessage {
	out, _ := json.Marshal(job.ErrorResult{
		Error:     err.Error(),
		Reason:    reason,
		Traceback: fmt.Sprintf("%+v", err),
		Attempt:   attempt,
	})
	return out
}

func (e *Executor) count(ctx context.Context, status job.Status, reason string) {
	e.cfg.Metrics.ExecutionsFinished.Add(ctx, 1, metricAttrs(status, reason))
}

func metricAttrs(status job.Status, reason string) metric.AddOption {
	attrs := []attribute.KeyValue{telemetry.AttrStatus.String(string(status))}
	if reason != "" {
		attrs = append(attrs, telemetry.AttrReason.String(reason))
	}
	return metric.WithAttributes(attrs...)
}

func statusPtr(s job.Status) *job.Status { return &s }
