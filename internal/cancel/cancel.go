// Package cancel tracks executions marked for cooperative abort.
package cancel

import (
	"log/slog"
	"sync"

	"github.com/dreadew/taskiq-scheduler/internal/job"
)

// Registry is the process-wide set of execution ids marked for cancellation.
// Construct one per process and hand it to the service and the executor.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	cancelled map[string]struct{}
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, cancelled: make(map[string]struct{})}
}

func (r *Registry) MarkCancelled(executionID string) {
	r.mu.Lock()
	r.cancelled[executionID] = struct{}{}
	r.mu.Unlock()
	r.logger.Info("execution marked for cancellation", "execution_id", executionID)
}

func (r *Registry) IsCancelled(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancelled[executionID]
	return ok
}

func (r *Registry) Clear(executionID string) {
	r.mu.Lock()
	delete(r.cancelled, executionID)
	r.mu.Unlock()
}

// Checkpoint returns job.ErrTaskCancelled if the execution was marked.
func (r *Registry) Checkpoint(executionID string) error {
	if r.IsCancelled(executionID) {
		return job.ErrTaskCancelled
	}
	return nil
}

// Scope returns a func that clears the marker; defer it for the lifetime of
// one execution run.
func (r *Registry) Scope(executionID string) func() {
	return func() { r.Clear(executionID) }
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancelled)
}
