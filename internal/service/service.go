// Package service implements the task operations exposed by the API and the
// CLI: admission, status, result, cancellation and history.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreadew/taskiq-scheduler/internal/cancel"
	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/queue"
	"github.com/dreadew/taskiq-scheduler/internal/storage"
	"github.com/dreadew/taskiq-scheduler/internal/telemetry"
	"github.com/dreadew/taskiq-scheduler/internal/validate"
)

// AdmissionError rejects a submission before anything is persisted. It wraps
// a *validate.ValidationError, validate.ErrInvalidDSN or job.ErrInvalidPriority.
type AdmissionError struct {
	Err error
}

func (e *AdmissionError) Error() string { return "submission rejected: " + e.Err.Error() }

func (e *AdmissionError) Unwrap() error { return e.Err }

type SubmitRequest struct {
	DSN     string
	DDL     []job.DDLStatement
	Queries []job.Query
	// Priority nil means the task's default priority.
	Priority *int
	TaskID   string
}

type SubmitResult struct {
	ExecutionID string     `json:"execution_id"`
	Status      job.Status `json:"status"`
	Warnings    []string   `json:"warnings,omitempty"`
}

type Config struct {
	Store           storage.Storage
	Queue           queue.Queue
	Cancels         *cancel.Registry
	DefaultPriority int
	Logger          *slog.Logger
	Telemetry       *telemetry.Provider
	Metrics         *telemetry.Metrics
	Now             func() time.Time
}

type Service struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cancels == nil {
		cfg.Cancels = cancel.NewRegistry(cfg.Logger)
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
	return &Service{cfg: cfg, logger: cfg.Logger.With("component", "service")}
}

// Submit validates the request, records a SCHEDULED execution and enqueues it.
// Rejections return *AdmissionError and leave the store untouched.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ctx, span := telemetry.StartSpan(ctx, s.cfg.Telemetry.Tracer, "task.submit")
	defer span.End()

	report, err := s.admit(req)
	if err != nil {
		return nil, s.reject(ctx, span, req, err)
	}

	params := job.Params{DSN: req.DSN, DDL: req.DDL, Queries: req.Queries}
	exec := &job.Execution{Params: params, Status: job.StatusScheduled}
	err = s.cfg.Store.InTx(ctx, func(ctx context.Context) error {
		task, err := s.findOrCreateTask(ctx, req.TaskID, params, req.Priority)
		if err != nil {
			return err
		}
		exec.TaskID = task.ID
		exec.Priority = task.DefaultPriority
		if req.Priority != nil {
			exec.Priority = *req.Priority
		}
		if !job.ValidPriority(exec.Priority) {
			return &AdmissionError{Err: fmt.Errorf("priority %d: %w", exec.Priority, job.ErrInvalidPriority)}
		}
		prev, err := s.cfg.Store.FindLatestExecution(ctx, "task_id", task.ID)
		switch {
		case err == nil:
			exec.PrevExecutionID = prev.ID
		case !errors.Is(err, job.ErrNotFound):
			return err
		}
		return s.cfg.Store.CreateExecution(ctx, exec)
	})
	var admission *AdmissionError
	if errors.As(err, &admission) {
		return nil, s.reject(ctx, span, req, err)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("record execution: %w", err)
	}
	span.SetAttributes(telemetry.AttrExecutionID.String(exec.ID), telemetry.AttrTaskID.String(exec.TaskID))
	log := s.logger.With("execution_id", exec.ID, "task_id", exec.TaskID)

	ref, err := s.cfg.Queue.Enqueue(ctx, queue.Message{ExecutionID: exec.ID, Priority: exec.Priority})
	if err != nil {
		span.RecordError(err)
		s.stop(ctx, exec.ID, job.ReasonEnqueueFailed, err)
		return nil, fmt.Errorf("enqueue execution %s: %w", exec.ID, err)
	}
	if err := s.cfg.Store.SetBrokerRef(ctx, exec.ID, ref); err != nil {
		return nil, fmt.Errorf("record broker ref: %w", err)
	}
	log.Info("execution scheduled", "priority", exec.Priority, "ref", ref, "prev_execution_id", exec.PrevExecutionID)
	return &SubmitResult{ExecutionID: exec.ID, Status: exec.Status, Warnings: report.Warnings}, nil
}

func (s *Service) reject(ctx context.Context, span trace.Span, req SubmitRequest, err error) error {
	s.cfg.Metrics.AdmissionRejections.Add(ctx, 1)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Info("submission rejected", "error", err, "dsn", validate.Redact(req.DSN))
	return err
}

func (s *Service) admit(req SubmitRequest) (validate.Report, error) {
	if _, err := validate.ParseDSN(req.DSN); err != nil {
		return validate.Report{}, &AdmissionError{Err: err}
	}
	if req.Priority != nil && !job.ValidPriority(*req.Priority) {
		return validate.Report{}, &AdmissionError{Err: fmt.Errorf("priority %d: %w", *req.Priority, job.ErrInvalidPriority)}
	}
	params := job.Params{DDL: req.DDL, Queries: req.Queries}
	report, err := validate.Submission(req.DSN, params.DDLStatements(), params.QueryStatements())
	if err != nil {
		return report, &AdmissionError{Err: err}
	}
	return report, nil
}

// findOrCreateTask returns the stored task, or creates one whose default
// priority is the submitted one, falling back to the configured default.
func (s *Service) findOrCreateTask(ctx context.Context, taskID string, params job.Params, requested *int) (*job.Task, error) {
	priority := s.cfg.DefaultPriority
	if requested != nil {
		priority = *requested
	}
	if taskID != "" {
		t, err := s.cfg.Store.GetTask(ctx, taskID)
		if !errors.Is(err, job.ErrTaskNotFound) {
			return t, err
		}
		t = &job.Task{ID: taskID, Key: "id:" + taskID, DefaultPriority: priority}
		return t, s.cfg.Store.CreateTask(ctx, t)
	}
	key := TaskKey(params)
	t, err := s.cfg.Store.FindTaskByKey(ctx, key)
	if !errors.Is(err, job.ErrTaskNotFound) {
		return t, err
	}
	t = &job.Task{Key: key, DefaultPriority: priority}
	return t, s.cfg.Store.CreateTask(ctx, t)
}

// TaskKey identifies a task by its content: target plus every statement.
func TaskKey(p job.Params) string {
	h := sha256.New()
	h.Write([]byte(p.DSN))
	for _, d := range p.DDL {
		h.Write([]byte{0})
		h.Write([]byte(d.Statement))
	}
	for _, q := range p.Queries {
		h.Write([]byte{1})
		h.Write([]byte(q.Query))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// stop records an abrupt STOPPED outcome; failures are only logged since the
// caller already reports the original error.
func (s *Service) stop(ctx context.Context, id, reason string, cause error) {
	if err := s.markStopped(ctx, id, reason, cause); err != nil {
		s.logger.Error("failed to mark execution stopped", "execution_id", id, "error", err)
	}
}

func (s *Service) markStopped(ctx context.Context, id, reason string, cause error) error {
	result, _ := json.Marshal(job.ErrorResult{Error: cause.Error(), Reason: reason, Traceback: fmt.Sprintf("%+v", cause)})
	now := s.cfg.Now()
	st := job.StatusStopped
	_, err := s.cfg.Store.UpdateExecution(ctx, id, storage.ExecutionUpdate{Status: &st, Result: result, FinishedAt: &now})
	if err == nil {
		s.cfg.Metrics.ExecutionsFinished.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrStatus.String(string(st)), telemetry.AttrReason.String(reason)))
	}
	return err
}

func (s *Service) Get(ctx context.Context, id string) (*job.Execution, error) {
	return s.cfg.Store.GetExecution(ctx, id)
}

func (s *Service) Status(ctx context.Context, id string) (job.Status, error) {
	e, err := s.cfg.Store.GetExecution(ctx, id)
	if err != nil {
		return "", err
	}
	return e.Status, nil
}

// Result is empty until the execution records one.
func (s *Service) Result(ctx context.Context, id string) (map[string]any, error) {
	e, err := s.cfg.Store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.ResultMap()
}

// Cancel runs as one transaction: lock, check, mark the registry, CANCELLING,
// withdraw from the queue, CANCELLED. If any step fails the execution is
// committed as STOPPED and the failure is returned.
func (s *Service) Cancel(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, s.cfg.Telemetry.Tracer, "task.cancel", telemetry.AttrExecutionID.String(id))
	defer span.End()
	log := s.logger.With("execution_id", id)

	// Checkpoints also read the persisted status, so the marker is only
	// needed while this transaction is open.
	defer s.cfg.Cancels.Clear(id)

	var cause error
	err := s.cfg.Store.InTx(ctx, func(ctx context.Context) error {
		e, err := s.cfg.Store.GetExecutionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e.BrokerRef == "" {
			return fmt.Errorf("execution %s was never enqueued: %w", id, job.ErrNotFound)
		}
		if !e.Status.Cancellable() {
			return fmt.Errorf("cannot cancel execution in status %s: %w", e.Status, job.ErrInvalidState)
		}

		s.cfg.Cancels.MarkCancelled(id)
		if cause = s.cancelSteps(ctx, e); cause != nil {
			return s.markStopped(ctx, id, job.ReasonCancelFailed, cause)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		log.Error("cancel failed, execution stopped", "error", cause)
		return fmt.Errorf("cancel execution %s: %w", id, cause)
	}
	s.cfg.Metrics.ExecutionsFinished.Add(ctx, 1, metric.WithAttributes(telemetry.AttrStatus.String(string(job.StatusCancelled))))
	log.Info("execution cancelled")
	return nil
}

func (s *Service) cancelSteps(ctx context.Context, e *job.Execution) error {
	cancelling := job.StatusCancelling
	if _, err := s.cfg.Store.UpdateExecution(ctx, e.ID, storage.ExecutionUpdate{Status: &cancelling}); err != nil {
		return err
	}
	if err := s.cfg.Queue.Cancel(ctx, e.BrokerRef); err != nil {
		return fmt.Errorf("withdraw queued message: %w", err)
	}
	cancelled := job.StatusCancelled
	now := s.cfg.Now()
	_, err := s.cfg.Store.UpdateExecution(ctx, e.ID, storage.ExecutionUpdate{Status: &cancelled, FinishedAt: &now})
	return err
}

// History returns id and its predecessors, newest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]*job.Execution, error) {
	return s.cfg.Store.History(ctx, id, limit)
}

// List returns executions, newest first; an empty status lists all.
func (s *Service) List(ctx context.Context, status job.Status, limit int) ([]*job.Execution, error) {
	return s.cfg.Store.ListExecutions(ctx, status, limit)
}
