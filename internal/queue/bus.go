package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is the in-process backend: one priority queue per subject, no
// persistence. Messages are lost when the process exits, so it only fits a
// single process running both the API and the workers.
type Bus struct {
	subject string
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	ready   pending
	delayed []*entry
	leased  map[string]*entry
	byRef   map[string]*entry
	seq     uint64
	closed  bool
	notify  chan struct{}
}

type entry struct {
	ref         string
	executionID string
	priority    int
	seq         uint64
	deliveries  int
	availableAt time.Time
	cancelled   bool
	index       int
}

// pending orders by priority, highest first, then by arrival.
type pending []*entry

func (p pending) Len() int { return len(p) }
func (p pending) Less(i, j int) bool {
	if p[i].priority != p[j].priority {
		return p[i].priority > p[j].priority
	}
	return p[i].seq < p[j].seq
}
func (p pending) Swap(i, j int) {
	p[i], p[j] = p[j], p[i]
	p[i].index = i
	p[j].index = j
}
func (p *pending) Push(x any) {
	e := x.(*entry)
	e.index = len(*p)
	*p = append(*p, e)
}
func (p *pending) Pop() any {
	old := *p
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*p = old[:n-1]
	return e
}

func NewBus(opts Options) *Bus {
	if opts.Subject == "" {
		opts.Subject = "task_queue"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		subject: opts.Subject,
		logger:  opts.Logger.With("component", "queue", "backend", BackendBus, "subject", opts.Subject),
		now:     time.Now,
		leased:  make(map[string]*entry),
		byRef:   make(map[string]*entry),
		notify:  make(chan struct{}, 1),
	}
}

func (b *Bus) Enqueue(_ context.Context, m Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	b.seq++
	e := &entry{
		ref:         uuid.NewString(),
		executionID: m.ExecutionID,
		priority:    m.Priority,
		seq:         b.seq,
		availableAt: b.now(),
	}
	b.byRef[e.ref] = e
	heap.Push(&b.ready, e)
	b.wake()
	b.logger.Debug("message published", "ref", e.ref, "execution_id", m.ExecutionID, "priority", m.Priority)
	return e.ref, nil
}

// Cancel drops a message that is still waiting. A leased message is only
// flagged so its later Ack or Nack is ignored.
func (b *Bus) Cancel(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.byRef[ref]
	if !ok {
		return nil
	}
	e.cancelled = true
	if e.index >= 0 && e.index < len(b.ready) && b.ready[e.index] == e {
		heap.Remove(&b.ready, e.index)
		delete(b.byRef, ref)
	}
	return nil
}

func (b *Bus) Receive(ctx context.Context) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		now := b.now()
		b.promote(now)
		if b.ready.Len() > 0 {
			e := heap.Pop(&b.ready).(*entry)
			e.deliveries++
			b.leased[e.ref] = e
			if b.ready.Len() > 0 {
				b.wake()
			}
			b.mu.Unlock()
			return &Delivery{Ref: e.ref, ExecutionID: e.executionID, Priority: e.priority, Deliveries: e.deliveries}, nil
		}
		wait := time.Minute
		for _, d := range b.delayed {
			if w := d.availableAt.Sub(now); w < wait {
				wait = w
			}
		}
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (b *Bus) Ack(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.leased, ref)
	delete(b.byRef, ref)
	return nil
}

func (b *Bus) Nack(_ context.Context, ref string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.leased[ref]
	if !ok {
		return nil
	}
	delete(b.leased, ref)
	if e.cancelled {
		delete(b.byRef, ref)
		return nil
	}
	e.availableAt = b.now().Add(delay)
	if delay <= 0 {
		heap.Push(&b.ready, e)
	} else {
		e.index = -1
		b.delayed = append(b.delayed, e)
	}
	b.wake()
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.notify)
	}
	return nil
}

// Len reports messages waiting for delivery, delayed ones included.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready.Len() + len(b.delayed)
}

// promote moves matured delayed messages into the ready heap. Caller holds mu.
func (b *Bus) promote(now time.Time) {
	kept := b.delayed[:0]
	for _, e := range b.delayed {
		switch {
		case e.cancelled:
			delete(b.byRef, e.ref)
		case !e.availableAt.After(now):
			heap.Push(&b.ready, e)
		default:
			kept = append(kept, e)
		}
	}
	b.delayed = kept
}

// wake nudges one waiting receiver. Caller holds mu.
func (b *Bus) wake() {
	if b.closed {
		return
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
