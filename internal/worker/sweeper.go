package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/storage"
)

type SweeperConfig struct {
	Store storage.Storage
	// Schedule is a robfig/cron spec such as "@every 30s".
	Schedule string
	// MaxDeliveries caps how often an abandoned message is handed out again.
	MaxDeliveries int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Sweeper recovers messages whose worker died while holding the lease.
type Sweeper struct {
	cfg    SweeperConfig
	logger *slog.Logger
	cron   *cronlib.Cron
	mu     sync.Mutex
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	s := &Sweeper{cfg: cfg, logger: cfg.Logger.With("component", "sweeper"), cron: cronlib.New()}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.logger.Info("lease sweeper started", "schedule", s.cfg.Schedule)
	s.cron.Start()
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) tick() {
	n, err := s.Sweep(context.Background())
	if err != nil {
		s.logger.Error("lease sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("lease sweep recovered messages", "count", n)
	}
}

// Sweep handles every expired lease once and returns how many it touched.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired, err := s.cfg.Store.ExpiredLeases(ctx, 100)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, m := range expired {
		if err := s.recover(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", m.ID, err))
		}
	}
	return len(expired), errors.Join(errs...)
}

func (s *Sweeper) recover(ctx context.Context, m *storage.Message) error {
	log := s.logger.With("ref", m.ID, "execution_id", m.ExecutionID, "deliveries", m.Deliveries)
	return s.cfg.Store.InTx(ctx, func(ctx context.Context) error {
		exec, err := s.cfg.Store.GetExecutionForUpdate(ctx, m.ExecutionID)
		if errors.Is(err, job.ErrNotFound) {
			log.Warn("lease expired for unknown execution, dead-lettering")
			return s.cfg.Store.DeadLetterMessage(ctx, m.ID)
		}
		if err != nil {
			return err
		}

		switch {
		case exec.Status.Terminal():
			return s.cfg.Store.AckMessage(ctx, m.ID)
		case exec.Status == job.StatusCancelling:
			now := s.cfg.Now()
			if _, err := s.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
				Status:     statusPtr(job.StatusCancelled),
				FinishedAt: &now,
			}); err != nil {
				return err
			}
			return s.cfg.Store.AckMessage(ctx, m.ID)
		case m.Deliveries >= s.cfg.MaxDeliveries:
			now := s.cfg.Now()
			result, _ := json.Marshal(job.ErrorResult{
				Error:   fmt.Sprintf("worker lease expired after %d deliveries", m.Deliveries),
				Reason:  job.ReasonLeaseExpired,
				Attempt: exec.Attempt,
			})
			// SCHEDULED has no edge to FAILED; it never started, so it stops.
			to := job.StatusFailed
			if exec.Status == job.StatusScheduled {
				to = job.StatusStopped
			}
			if _, err := s.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
				Status:     &to,
				Result:     result,
				FinishedAt: &now,
			}); err != nil {
				return err
			}
			log.Warn("execution abandoned too often, giving up", "status", to)
			return s.cfg.Store.DeadLetterMessage(ctx, m.ID)
		}

		if exec.Status == job.StatusRunning {
			if _, err := s.cfg.Store.UpdateExecution(ctx, exec.ID, storage.ExecutionUpdate{
				Status: statusPtr(job.StatusScheduled),
			}); err != nil {
				return err
			}
		}
		log.Info("lease expired, releasing for redelivery")
		return s.cfg.Store.ReleaseMessage(ctx, m.ID)
	})
}
