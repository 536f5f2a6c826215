package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dreadew/taskiq-scheduler/internal/queue"
)

// Runner is what a worker hands each delivery to.
type Runner interface {
	Execute(ctx context.Context, executionID string) error
}

// Worker pulls deliveries from the broker and runs them one at a time.
type Worker struct {
	id     int
	broker queue.Broker
	runner Runner
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(id int, broker queue.Broker, runner Runner, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:     id,
		broker: broker,
		runner: runner,
		logger: logger.With("component", "worker", "worker_id", id),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		d, err := w.broker.Receive(w.ctx)
		switch {
		case w.ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			w.logger.Info("worker shutting down")
			return
		case err != nil:
			w.logger.Error("receive failed", "error", err)
			select {
			case <-w.ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		w.handle(d)
	}
}

func (w *Worker) handle(d *queue.Delivery) {
	log := w.logger.With("execution_id", d.ExecutionID, "ref", d.Ref, "delivery", d.Deliveries)
	err := w.runner.Execute(w.ctx, d.ExecutionID)

	// Settling must survive shutdown or the message stays leased until the
	// sweeper picks it up.
	ctx := context.WithoutCancel(w.ctx)
	var redeliver *RedeliverError
	if errors.As(err, &redeliver) {
		if nerr := w.broker.Nack(ctx, d.Ref, redeliver.Delay); nerr != nil {
			log.Error("nack failed", "error", nerr)
		}
		return
	}
	if err != nil {
		log.Debug("execution finished with error", "error", err)
	}
	if aerr := w.broker.Ack(ctx, d.Ref); aerr != nil {
		log.Error("ack failed", "error", aerr)
	}
}

func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// Pool is a fixed set of workers sharing one broker.
type Pool struct {
	workers []*Worker
}

func NewPool(size int, broker queue.Broker, runner Runner, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{}
	for i := 1; i <= size; i++ {
		p.workers = append(p.workers, NewWorker(i, broker, runner, logger))
	}
	return p
}

func (p *Pool) Start() {
	for _, w := range p.workers {
		w.Start()
	}
}

// Stop cancels every worker and waits for in-flight executions to settle.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.cancel()
	}
	for _, w := range p.workers {
		w.wg.Wait()
	}
}

func (p *Pool) Size() int { return len(p.workers) }
