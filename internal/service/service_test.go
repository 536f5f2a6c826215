package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreadew/taskiq-scheduler/internal/cancel"
	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/queue"
	"github.com/dreadew/taskiq-scheduler/internal/storage"
	"github.com/dreadew/taskiq-scheduler/internal/target"
	"github.com/dreadew/taskiq-scheduler/internal/validate"
	"github.com/dreadew/taskiq-scheduler/internal/worker"
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

type fixture struct {
	store   *storage.SQLiteStorage
	bus     *queue.Bus
	cancels *cancel.Registry
	svc     *Service
}

func newFixture(t *testing.T, q queue.Queue) *fixture {
	t.Helper()
	f := &fixture{store: newTestStorage(t), bus: queue.NewBus(queue.Options{}), cancels: cancel.NewRegistry(nil)}
	t.Cleanup(func() { f.bus.Close() })
	if q == nil {
		q = f.bus
	}
	f.svc = New(Config{Store: f.store, Queue: q, Cancels: f.cancels, DefaultPriority: 3})
	return f
}

func request(dsn string) SubmitRequest {
	return SubmitRequest{
		DSN: dsn,
		DDL: []job.DDLStatement{{Statement: "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)"}},
		Queries: []job.Query{
			{QueryID: "seed", Query: "INSERT INTO users VALUES (1, 'ann')"},
			{QueryID: "read", Query: "SELECT id, name FROM users"},
		},
	}
}

func priority(p int) *int { return &p }

// brokenQueue fails whichever operation is configured to fail.
type brokenQueue struct {
	queue.Queue
	enqueueErr error
	cancelErr  error
}

func (q *brokenQueue) Enqueue(ctx context.Context, m queue.Message) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	return q.Queue.Enqueue(ctx, m)
}

func (q *brokenQueue) Cancel(ctx context.Context, ref string) error {
	if q.cancelErr != nil {
		return q.cancelErr
	}
	return q.Queue.Cancel(ctx, ref)
}

func requireNoExecutions(t *testing.T, s storage.Storage) {
	t.Helper()
	list, err := s.ListExecutions(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestSubmitSchedulesAndEnqueues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, request("postgresql://u:p@db:5432/app"))
	require.NoError(t, err)
	require.Equal(t, job.StatusScheduled, res.Status)

	e, err := f.svc.Get(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, 3, e.Priority)
	require.NotEmpty(t, e.BrokerRef)
	require.Empty(t, e.PrevExecutionID)
	require.Equal(t, "seed", e.Params.Queries[0].QueryID)
	require.Equal(t, 1, f.bus.Len())

	status, err := f.svc.Status(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, job.StatusScheduled, status)

	result, err := f.svc.Result(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestSubmitRejectsBeforePersisting(t *testing.T) {
	for name, tc := range map[string]struct {
		req    SubmitRequest
		target error
	}{
		"priority too high": {
			req:    func() SubmitRequest { r := request("postgresql://db/app"); r.Priority = priority(10); return r }(),
			target: job.ErrInvalidPriority,
		},
		"negative priority": {
			req:    func() SubmitRequest { r := request("postgresql://db/app"); r.Priority = priority(-1); return r }(),
			target: job.ErrInvalidPriority,
		},
		"unparseable dsn": {
			req:    request("not-a-scheme"),
			target: validate.ErrInvalidDSN,
		},
		"forbidden keyword": {
			req: SubmitRequest{
				DSN:     "postgresql://db/app",
				DDL:     []job.DDLStatement{{Statement: "DROP DATABASE prod"}},
				Queries: []job.Query{{Query: "SELECT 1"}},
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.svc.Submit(context.Background(), tc.req)

			var admission *AdmissionError
			require.ErrorAs(t, err, &admission)
			if tc.target != nil {
				require.ErrorIs(t, err, tc.target)
			} else {
				var verr *validate.ValidationError
				require.ErrorAs(t, err, &verr)
				require.Contains(t, verr.Errors, "ddl 1: forbidden keyword: DROP DATABASE")
			}
			requireNoExecutions(t, f.store)
			require.Zero(t, f.bus.Len())
		})
	}
}

func TestResubmitChainsHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, request("postgresql://db/app"))
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, request("postgresql://db/app"))
	require.NoError(t, err)
	other, err := f.svc.Submit(ctx, request("postgresql://db/other"))
	require.NoError(t, err)

	e2, err := f.svc.Get(ctx, second.ExecutionID)
	require.NoError(t, err)
	e1, err := f.svc.Get(ctx, first.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, first.ExecutionID, e2.PrevExecutionID)
	require.Equal(t, e1.TaskID, e2.TaskID)

	eo, err := f.svc.Get(ctx, other.ExecutionID)
	require.NoError(t, err)
	require.NotEqual(t, e1.TaskID, eo.TaskID)
	require.Empty(t, eo.PrevExecutionID)

	hist, err := f.svc.History(ctx, second.ExecutionID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, second.ExecutionID, hist[0].ID)
	require.Equal(t, first.ExecutionID, hist[1].ID)
}

func TestSubmitWithExplicitTaskID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := request("postgresql://db/app")
	a.TaskID = "nightly-schema"
	first, err := f.svc.Submit(ctx, a)
	require.NoError(t, err)

	b := request("postgresql://db/elsewhere")
	b.TaskID = "nightly-schema"
	second, err := f.svc.Submit(ctx, b)
	require.NoError(t, err)

	e2, err := f.svc.Get(ctx, second.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, "nightly-schema", e2.TaskID)
	require.Equal(t, first.ExecutionID, e2.PrevExecutionID)
}

func TestSubmitFallsBackToTaskPriority(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := request("postgresql://db/app")
	first.TaskID = "nightly"
	first.Priority = priority(7)
	_, err := f.svc.Submit(ctx, first)
	require.NoError(t, err)

	again := request("postgresql://db/app")
	again.TaskID = "nightly"
	res, err := f.svc.Submit(ctx, again)
	require.NoError(t, err)
	e, err := f.svc.Get(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, 7, e.Priority)

	task, err := f.store.GetTask(ctx, "nightly")
	require.NoError(t, err)
	require.Equal(t, 7, task.DefaultPriority)

	override := request("postgresql://db/app")
	override.TaskID = "nightly"
	override.Priority = priority(1)
	res, err = f.svc.Submit(ctx, override)
	require.NoError(t, err)
	e, err = f.svc.Get(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, 1, e.Priority)

	// a new task without an explicit priority takes the configured default
	res, err = f.svc.Submit(ctx, request("postgresql://db/other"))
	require.NoError(t, err)
	e, err = f.svc.Get(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, 3, e.Priority)
}

func TestSubmitEnqueueFailureStops(t *testing.T) {
	f := newFixture(t, nil)
	f.svc = New(Config{Store: f.store, Queue: &brokenQueue{Queue: f.bus, enqueueErr: errors.New("broker unavailable")}, DefaultPriority: 3})

	_, err := f.svc.Submit(context.Background(), request("postgresql://db/app"))
	require.ErrorContains(t, err, "broker unavailable")

	list, err := f.store.ListExecutions(context.Background(), job.StatusStopped, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	res, err := list[0].ResultMap()
	require.NoError(t, err)
	require.Equal(t, job.ReasonEnqueueFailed, res["reason"])
}

func TestCancelScheduled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, request("postgresql://db/app"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, res.ExecutionID))

	e, err := f.svc.Get(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, e.Status)
	require.NotNil(t, e.FinishedAt)
	require.False(t, f.cancels.IsCancelled(res.ExecutionID))
	require.Zero(t, f.bus.Len())

	err = f.svc.Cancel(ctx, res.ExecutionID)
	require.ErrorIs(t, err, job.ErrInvalidState)
}

func TestCancelLeavesNoMarkers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := f.svc.Submit(ctx, request("postgresql://db/app"))
		require.NoError(t, err)
		require.NoError(t, f.svc.Cancel(ctx, res.ExecutionID))
	}
	require.Zero(t, f.cancels.Len())

	f.svc = New(Config{Store: f.store, Queue: &brokenQueue{Queue: f.bus, cancelErr: errors.New("broker gone")}, Cancels: f.cancels, DefaultPriority: 3})
	res, err := f.svc.Submit(ctx, request("postgresql://db/app"))
	require.NoError(t, err)
	require.Error(t, f.svc.Cancel(ctx, res.ExecutionID))
	require.Zero(t, f.cancels.Len())
}

func TestCancelTerminalKeepsStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, request("postgresql://db/app"))
	require.NoError(t, err)
	running, done := job.StatusRunning, job.StatusDone
	_, err = f.store.UpdateExecution(ctx, res.ExecutionID, storage.ExecutionUpdate{Status: &running})
	require.NoError(t, err)
	_, err = f.store.UpdateExecution(ctx, res.ExecutionID, storage.ExecutionUpdate{Status: &done})
	require.NoError(t, err)

	err = f.svc.Cancel(ctx, res.ExecutionID)
	require.ErrorIs(t, err, job.ErrInvalidState)

	status, err := f.svc.Status(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, job.StatusDone, status)
	require.False(t, f.cancels.IsCancelled(res.ExecutionID))
}

func TestCancelUnknown(t *testing.T) {
	f := newFixture(t, nil)
	require.ErrorIs(t, f.svc.Cancel(context.Background(), "missing"), job.ErrNotFound)

	_, err := f.svc.Status(context.Background(), "missing")
	require.ErrorIs(t, err, job.ErrNotFound)
	_, err = f.svc.Result(context.Background(), "missing")
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestCancelFailureStops(t *testing.T) {
	f := newFixture(t, nil)
	f.svc = New(Config{Store: f.store, Queue: &brokenQueue{Queue: f.bus, cancelErr: errors.New("broker gone")}, Cancels: f.cancels, DefaultPriority: 3})
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, request("postgresql://db/app"))
	require.NoError(t, err)

	err = f.svc.Cancel(ctx, res.ExecutionID)
	require.ErrorContains(t, err, "broker gone")

	e, err := f.svc.Get(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, job.StatusStopped, e.Status)
	result, err := e.ResultMap()
	require.NoError(t, err)
	require.Equal(t, job.ReasonCancelFailed, result["reason"])
}

func TestRoundTripToDone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pool, err := target.NewPool(target.Options{CacheSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	res, err := f.svc.Submit(ctx, request("sqlite3://"+filepath.Join(t.TempDir(), "app.db")))
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)

	x := worker.NewExecutor(worker.ExecutorConfig{Store: f.store, Cancels: f.cancels, Connector: pool})
	w := worker.NewWorker(1, f.bus, x, nil)
	w.Start()
	require.Eventually(t, func() bool {
		st, err := f.svc.Status(ctx, res.ExecutionID)
		return err == nil && st == job.StatusDone
	}, 5*time.Second, 20*time.Millisecond)
	w.Stop()

	result, err := f.svc.Result(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, true, result["success"])
	results := result["results"].([]any)
	require.Len(t, results, 2)
	read := results[1].(map[string]any)
	require.Equal(t, "read", read["queryid"])
	require.GreaterOrEqual(t, read["rowcount"].(float64), float64(0))
}
