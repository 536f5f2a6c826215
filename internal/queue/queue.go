// Package queue decouples admission and execution from the message broker.
// The service only sees Queue; workers consume through Broker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dreadew/taskiq-scheduler/internal/storage"
)

const (
	BackendSQLite = "sqlite"
	BackendBus    = "bus"
)

var ErrClosed = errors.New("queue closed")

// Message is what gets enqueued for one execution. Parameters stay in the
// execution store; the worker loads them by id.
type Message struct {
	ExecutionID string
	Priority    int
}

// Queue is the admission-side contract.
type Queue interface {
	// Enqueue returns the broker reference of the new message.
	Enqueue(ctx context.Context, m Message) (string, error)
	// Cancel is best effort: it withdraws a message that has not been
	// delivered yet. Work already in flight relies on cancellation checkpoints.
	Cancel(ctx context.Context, ref string) error
}

// Delivery is a message handed to a worker.
type Delivery struct {
	Ref         string
	ExecutionID string
	Priority    int
	// Deliveries counts how often the message was handed out, this one included.
	Deliveries int
}

// Broker is the worker-side contract.
type Broker interface {
	Queue
	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, ref string) error
	// Nack hands the message back for redelivery after delay.
	Nack(ctx context.Context, ref string, delay time.Duration) error
	Close() error
}

type Options struct {
	Backend      string
	Subject      string
	PollInterval time.Duration
	// Lease bounds how long a sqlite delivery may stay unacknowledged.
	Lease  time.Duration
	Owner  string
	Logger *slog.Logger
}

// New builds the broker named by opts.Backend. The sqlite backend persists
// messages in store; the bus backend keeps them in memory.
func New(opts Options, store storage.Storage) (Broker, error) {
	if opts.Subject == "" {
		opts.Subject = "task_queue"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch opts.Backend {
	case "", BackendSQLite:
		return NewSQLite(store, opts), nil
	case BackendBus:
		return NewBus(opts), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", opts.Backend)
	}
}
