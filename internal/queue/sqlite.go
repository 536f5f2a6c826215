package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dreadew/taskiq-scheduler/internal/storage"
)

// SQLite is the durable backend. Messages live in the queue_messages table
// and are leased to one worker at a time; the lease sweeper recovers messages
// of workers that died.
type SQLite struct {
	store  storage.Storage
	opts   Options
	logger *slog.Logger
}

func NewSQLite(store storage.Storage, opts Options) *SQLite {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Lease <= 0 {
		opts.Lease = 20 * time.Minute
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SQLite{store: store, opts: opts, logger: opts.Logger.With("component", "queue", "backend", BackendSQLite)}
}

// Enqueue joins a transaction carried by ctx, if any.
func (q *SQLite) Enqueue(ctx context.Context, m Message) (string, error) {
	msg := &storage.Message{Subject: q.opts.Subject, ExecutionID: m.ExecutionID, Priority: m.Priority}
	if err := q.store.EnqueueMessage(ctx, msg); err != nil {
		return "", err
	}
	q.logger.Debug("message enqueued", "ref", msg.ID, "execution_id", m.ExecutionID, "priority", m.Priority)
	return msg.ID, nil
}

func (q *SQLite) Cancel(ctx context.Context, ref string) error {
	return q.store.CancelMessage(ctx, ref)
}

func (q *SQLite) Receive(ctx context.Context) (*Delivery, error) {
	for {
		m, err := q.store.ClaimMessage(ctx, q.opts.Subject, q.opts.Owner, q.opts.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if m != nil {
			return &Delivery{Ref: m.ID, ExecutionID: m.ExecutionID, Priority: m.Priority, Deliveries: m.Deliveries}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *SQLite) Ack(ctx context.Context, ref string) error {
	return ignoreMissing(q.store.AckMessage(ctx, ref))
}

func (q *SQLite) Nack(ctx context.Context, ref string, delay time.Duration) error {
	return ignoreMissing(q.store.NackMessage(ctx, ref, delay))
}

func (q *SQLite) Close() error { return nil }

func ignoreMissing(err error) error {
	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil
	}
	return err
}
