package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreadew/taskiq-scheduler/internal/analysis"
	"github.com/dreadew/taskiq-scheduler/internal/breaker"
	"github.com/dreadew/taskiq-scheduler/internal/cancel"
	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/queue"
	"github.com/dreadew/taskiq-scheduler/internal/retry"
	"github.com/dreadew/taskiq-scheduler/internal/storage"
	"github.com/dreadew/taskiq-scheduler/internal/target"
)

func newTestStorage(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	f, err := os.CreateTemp("", "queue_test_*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	})

	s := storage.NewSQLiteStorage(nil)
	require.NoError(t, s.Init(path))
	t.Cleanup(func() { s.Close() })
	return s
}

var taskSeq atomic.Int64

func newExecution(t *testing.T, s storage.Storage, dsn string) *job.Execution {
	t.Helper()
	ctx := context.Background()
	task := &job.Task{Key: fmt.Sprintf("task-%d", taskSeq.Add(1)), DefaultPriority: 3}
	require.NoError(t, s.CreateTask(ctx, task))
	e := &job.Execution{
		TaskID:   task.ID,
		Priority: 3,
		Params: job.Params{
			DSN: dsn,
			DDL: []job.DDLStatement{{Statement: "CREATE TABLE t (id INTEGER, name TEXT)"}},
			Queries: []job.Query{
				{QueryID: "ins", Query: "INSERT INTO t VALUES (1,'a'),(2,'b')"},
				{QueryID: "sel", Query: "SELECT id, name FROM t ORDER BY id"},
			},
		},
	}
	require.NoError(t, s.CreateExecution(ctx, e))
	return e
}

// fakeConnector fails Open or Exec with the configured errors. onExec runs
// inside every DDL statement.
type fakeConnector struct {
	openErr error
	execErr error
	onExec  func()
	opens   atomic.Int32
	runs    atomic.Int32
}

func (c *fakeConnector) Open(ctx context.Context, dsn string) (target.Session, error) {
	c.opens.Add(1)
	if c.openErr != nil {
		return nil, c.openErr
	}
	return &fakeSession{c: c}, nil
}

type fakeSession struct {
	c *fakeConnector
}

func (s *fakeSession) Exec(ctx context.Context, stmt string) error {
	if s.c.onExec != nil {
		s.c.onExec()
	}
	return s.c.execErr
}

func (s *fakeSession) Run(ctx context.Context, stmt string) (job.StatementResult, error) {
	s.c.runs.Add(1)
	return job.StatementResult{}, s.c.execErr
}
func (s *fakeSession) Commit() error   { return nil }
func (s *fakeSession) Rollback() error { return nil }

type fakeReviewer struct {
	got analysis.ReviewRequest
}

func (r *fakeReviewer) ReviewSchema(ctx context.Context, req analysis.ReviewRequest) (*analysis.ReviewResponse, error) {
	r.got = req
	return &analysis.ReviewResponse{
		Success:    true,
		Migrations: []analysis.DDLStatement{{Statement: "CREATE INDEX i ON t(id)"}},
	}, nil
}

func testPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, ExponentialBase: 2}
}

func newTestExecutor(t *testing.T, s storage.Storage, c target.Connector, mutate ...func(*ExecutorConfig)) *Executor {
	t.Helper()
	cfg := ExecutorConfig{
		Store:     s,
		Cancels:   cancel.NewRegistry(nil),
		Breakers:  breaker.NewRegistry(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute}, nil),
		Connector: c,
		Policy:    testPolicy(3),
		TimeLimit: 10 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewExecutor(cfg)
}

func get(t *testing.T, s storage.Storage, id string) *job.Execution {
	t.Helper()
	e, err := s.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return e
}

func TestExecutorHappyPath(t *testing.T) {
	s := newTestStorage(t)
	pool, err := target.NewPool(target.Options{CacheSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	e := newExecution(t, s, "sqlite3://"+filepath.Join(t.TempDir(), "target.db"))
	x := newTestExecutor(t, s, pool)
	require.NoError(t, x.Execute(context.Background(), e.ID))

	got := get(t, s, e.ID)
	require.Equal(t, job.StatusDone, got.Status)
	require.Equal(t, 0, got.Attempt)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	var res job.SuccessResult
	require.NoError(t, json.Unmarshal(got.Result, &res))
	require.True(t, res.Success)
	require.Len(t, res.Results, 2)
	require.Equal(t, "ins", res.Results[0].QueryID)
	require.EqualValues(t, 2, res.Results[0].RowCount)
	require.Equal(t, "sel", res.Results[1].QueryID)
	require.Equal(t, []string{"id", "name"}, res.Results[1].Columns)
	require.Len(t, res.Results[1].Rows, 2)
}

func TestExecutorRetriesTransientThenFails(t *testing.T) {
	s := newTestStorage(t)
	c := &fakeConnector{openErr: retry.Connection(errors.New("connection refused"))}
	x := newTestExecutor(t, s, c, func(cfg *ExecutorConfig) { cfg.Policy = testPolicy(2) })
	e := newExecution(t, s, "postgresql://u:p@db/app")

	err := x.Execute(context.Background(), e.ID)
	var redeliver *RedeliverError
	require.ErrorAs(t, err, &redeliver)
	got := get(t, s, e.ID)
	require.Equal(t, job.StatusScheduled, got.Status)
	require.Equal(t, 1, got.Attempt)

	err = x.Execute(context.Background(), e.ID)
	require.Error(t, err)
	require.False(t, errors.As(err, &redeliver))
	got = get(t, s, e.ID)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Equal(t, 2, got.Attempt)

	var res job.ErrorResult
	require.NoError(t, json.Unmarshal(got.Result, &res))
	require.Equal(t, job.ReasonExecutionError, res.Reason)
	require.Contains(t, res.Error, "connection refused")
	require.NotEmpty(t, res.Traceback)
	require.Equal(t, 2, res.Attempt)
}

func TestExecutorPermanentErrorFailsOnce(t *testing.T) {
	s := newTestStorage(t)
	c := &fakeConnector{execErr: errors.New(`syntax error at or near "TABLEE"`)}
	x := newTestExecutor(t, s, c)
	e := newExecution(t, s, "postgresql://u:p@db/app")

	err := x.Execute(context.Background(), e.ID)
	require.ErrorContains(t, err, "ddl statement 1")
	got := get(t, s, e.ID)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Equal(t, 1, got.Attempt)
}

func TestExecutorHonoursCancelMarker(t *testing.T) {
	s := newTestStorage(t)
	c := &fakeConnector{}
	cancels := cancel.NewRegistry(nil)
	x := newTestExecutor(t, s, c, func(cfg *ExecutorConfig) { cfg.Cancels = cancels })
	e := newExecution(t, s, "postgresql://u:p@db/app")

	cancels.MarkCancelled(e.ID)
	require.NoError(t, x.Execute(context.Background(), e.ID))

	got := get(t, s, e.ID)
	require.Equal(t, job.StatusCancelled, got.Status)
	require.Equal(t, 0, got.Attempt)
	require.Zero(t, c.opens.Load())
	require.False(t, cancels.IsCancelled(e.ID))
}

func TestExecutorStopsBetweenStatements(t *testing.T) {
	s := newTestStorage(t)
	cancels := cancel.NewRegistry(nil)
	e := newExecution(t, s, "postgresql://u:p@db/app")
	c := &fakeConnector{onExec: func() { cancels.MarkCancelled(e.ID) }}
	x := newTestExecutor(t, s, c, func(cfg *ExecutorConfig) { cfg.Cancels = cancels })

	require.NoError(t, x.Execute(context.Background(), e.ID))

	got := get(t, s, e.ID)
	require.Equal(t, job.StatusCancelled, got.Status)
	require.Equal(t, 0, got.Attempt)
	require.NotNil(t, got.FinishedAt)
	require.EqualValues(t, 1, c.opens.Load())
	require.Zero(t, c.runs.Load())
	require.False(t, cancels.IsCancelled(e.ID))
}

func TestExecutorStopsOnCancelFromAnotherProcess(t *testing.T) {
	s := newTestStorage(t)
	e := newExecution(t, s, "postgresql://u:p@db/app")
	ctx := context.Background()
	// the cancelling process has its own registry; only the store is shared
	c := &fakeConnector{onExec: func() {
		_, err := s.UpdateExecution(ctx, e.ID, storage.ExecutionUpdate{Status: statusPtr(job.StatusCancelling)})
		require.NoError(t, err)
		now := time.Now().UTC()
		_, err = s.UpdateExecution(ctx, e.ID, storage.ExecutionUpdate{Status: statusPtr(job.StatusCancelled), FinishedAt: &now})
		require.NoError(t, err)
	}}
	x := newTestExecutor(t, s, c)

	require.NoError(t, x.Execute(ctx, e.ID))

	got := get(t, s, e.ID)
	require.Equal(t, job.StatusCancelled, got.Status)
	require.Equal(t, 0, got.Attempt)
	require.Zero(t, c.runs.Load())
}

func TestExecutorFinishesPersistedCancel(t *testing.T) {
	s := newTestStorage(t)
	x := newTestExecutor(t, s, &fakeConnector{})
	e := newExecution(t, s, "postgresql://u:p@db/app")
	_, err := s.UpdateExecution(context.Background(), e.ID, storage.ExecutionUpdate{Status: statusPtr(job.StatusCancelling)})
	require.NoError(t, err)

	require.NoError(t, x.Execute(context.Background(), e.ID))
	require.Equal(t, job.StatusCancelled, get(t, s, e.ID).Status)
}

func TestExecutorCircuitOpen(t *testing.T) {
	s := newTestStorage(t)
	c := &fakeConnector{openErr: retry.Connection(errors.New("connection refused"))}
	x := newTestExecutor(t, s, c, func(cfg *ExecutorConfig) {
		cfg.Breakers = breaker.NewRegistry(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}, nil)
	})
	dsn := "postgresql://u:p@db/app"
	first := newExecution(t, s, dsn)
	second := newExecution(t, s, dsn)

	var redeliver *RedeliverError
	require.ErrorAs(t, x.Execute(context.Background(), first.ID), &redeliver)

	err := x.Execute(context.Background(), second.ID)
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
	got := get(t, s, second.ID)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Equal(t, 0, got.Attempt)

	var res job.ErrorResult
	require.NoError(t, json.Unmarshal(got.Result, &res))
	require.Equal(t, job.ReasonCircuitOpen, res.Reason)
	require.EqualValues(t, 1, c.opens.Load())
}

func TestExecutorSkipsFinished(t *testing.T) {
	s := newTestStorage(t)
	c := &fakeConnector{}
	x := newTestExecutor(t, s, c)
	e := newExecution(t, s, "postgresql://u:p@db/app")
	ctx := context.Background()
	_, err := s.UpdateExecution(ctx, e.ID, storage.ExecutionUpdate{Status: statusPtr(job.StatusRunning)})
	require.NoError(t, err)
	_, err = s.UpdateExecution(ctx, e.ID, storage.ExecutionUpdate{Status: statusPtr(job.StatusDone)})
	require.NoError(t, err)

	require.NoError(t, x.Execute(ctx, e.ID))
	require.Equal(t, job.StatusDone, get(t, s, e.ID).Status)
	require.Zero(t, c.opens.Load())

	require.NoError(t, x.Execute(ctx, "missing"))
}

func TestExecutorAnalyzeMode(t *testing.T) {
	s := newTestStorage(t)
	r := &fakeReviewer{}
	x := newTestExecutor(t, s, &fakeConnector{}, func(cfg *ExecutorConfig) {
		cfg.Mode = ModeAnalyze
		cfg.Reviewer = r
		cfg.AnalysisTarget = "grpc://review:50051"
	})
	e := newExecution(t, s, "postgresql://u:p@db/app")

	require.NoError(t, x.Execute(context.Background(), e.ID))
	got := get(t, s, e.ID)
	require.Equal(t, job.StatusDone, got.Status)
	require.Equal(t, e.TaskID, r.got.ThreadID)
	require.Len(t, r.got.DDL, 1)
	require.Equal(t, "sel", r.got.Queries[1].QueryID)

	var resp analysis.ReviewResponse
	require.NoError(t, json.Unmarshal(got.Result, &resp))
	require.True(t, resp.Success)
	require.Len(t, resp.Migrations, 1)
}

type scriptedRunner struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (r *scriptedRunner) Execute(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func (r *scriptedRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestWorkerRedeliversThenAcks(t *testing.T) {
	bus := queue.NewBus(queue.Options{})
	t.Cleanup(func() { bus.Close() })
	runner := &scriptedRunner{errs: []error{&RedeliverError{Err: errors.New("again")}}}

	_, err := bus.Enqueue(context.Background(), queue.Message{ExecutionID: "e1", Priority: 3})
	require.NoError(t, err)

	w := NewWorker(1, bus, runner, nil)
	w.Start()
	require.Eventually(t, func() bool { return runner.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	w.Stop()

	require.Equal(t, []string{"e1", "e1"}, runner.calls)
	require.Zero(t, bus.Len())
}

func TestPoolDrainsQueue(t *testing.T) {
	s := newTestStorage(t)
	broker, err := queue.New(queue.Options{Backend: queue.BackendSQLite, PollInterval: 10 * time.Millisecond}, s)
	require.NoError(t, err)
	runner := &scriptedRunner{}
	for _, id := range []string{"a", "b", "c"} {
		_, err := broker.Enqueue(context.Background(), queue.Message{ExecutionID: id, Priority: 3})
		require.NoError(t, err)
	}

	p := NewPool(2, broker, runner, nil)
	require.Equal(t, 2, p.Size())
	p.Start()
	require.Eventually(t, func() bool { return runner.count() == 3 }, 3*time.Second, 10*time.Millisecond)
	p.Stop()

	m, err := s.ClaimMessage(context.Background(), "task_queue", "checker", time.Minute)
	require.NoError(t, err)
	require.Nil(t, m)
}
