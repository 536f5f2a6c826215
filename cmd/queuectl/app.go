package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/dreadew/taskiq-scheduler/internal/analysis"
	"github.com/dreadew/taskiq-scheduler/internal/breaker"
	"github.com/dreadew/taskiq-scheduler/internal/cancel"
	"github.com/dreadew/taskiq-scheduler/internal/config"
	"github.com/dreadew/taskiq-scheduler/internal/queue"
	"github.com/dreadew/taskiq-scheduler/internal/service"
	"github.com/dreadew/taskiq-scheduler/internal/storage"
	"github.com/dreadew/taskiq-scheduler/internal/target"
	"github.com/dreadew/taskiq-scheduler/internal/telemetry"
	"github.com/dreadew/taskiq-scheduler/internal/validate"
	"github.com/dreadew/taskiq-scheduler/internal/worker"
)

// app holds everything one process needs. Short-lived CLI commands only use
// the store and the service; serve and worker also build the executor.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics
	store     *storage.SQLiteStorage
	broker    queue.Broker
	cancels   *cancel.Registry
	svc       *service.Service

	closers []io.Closer
}

type appOptions struct {
	// quiet keeps logs off stdout so command output stays parseable.
	quiet bool
}

func newApp(ctx context.Context, g *globalFlags, opts appOptions) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	logger, logCloser := telemetry.NewLogger(telemetry.LogConfig{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
		Quiet: opts.quiet,
	})
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	a.telemetry, err = telemetry.InitOTel(ctx, telemetry.OTelConfig{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.metrics, err = telemetry.NewMetrics(a.telemetry.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.store = storage.NewSQLiteStorage(logger)
	if err := a.store.Init(cfg.DBPath); err != nil {
		a.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.closers = append(a.closers, a.store)

	a.broker, err = queue.New(queue.Options{
		Backend:      cfg.Queue.Backend,
		Subject:      cfg.Queue.Subject,
		PollInterval: cfg.PollInterval(),
		Lease:        cfg.TimeLimit() + cfg.TimeLimit()/2,
		Logger:       logger,
	}, a.store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.broker)

	a.cancels = cancel.NewRegistry(logger)
	a.svc = service.New(service.Config{
		Store:           a.store,
		Queue:           a.broker,
		Cancels:         a.cancels,
		DefaultPriority: cfg.DefaultPriority,
		Logger:          logger,
		Telemetry:       a.telemetry,
		Metrics:         a.metrics,
	})
	return a, nil
}

// executor wires targets, breakers and the analysis client.
func (a *app) executor() (*worker.Executor, error) {
	pool, err := target.NewPool(target.Options{CacheSize: a.cfg.CacheSize, Logger: a.logger})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  a.cfg.RecoveryTimeout(),
		Logger:           a.logger,
		OnReject: func(name string) {
			a.metrics.BreakerRejections.Add(context.Background(), 1,
				metric.WithAttributes(telemetry.AttrTarget.String(name)))
		},
	}, breakerName)

	cfg := worker.ExecutorConfig{
		Store:     a.store,
		Cancels:   a.cancels,
		Breakers:  breakers,
		Connector: pool,
		Mode:      a.cfg.ExecutionMode,
		Policy:    a.cfg.RetryPolicy(),
		TimeLimit: a.cfg.TimeLimit(),
		Logger:    a.logger,
		Telemetry: a.telemetry,
		Metrics:   a.metrics,
	}
	if a.cfg.ExecutionMode == config.ModeAnalyze {
		client, err := analysis.Dial(analysis.Options{
			Addr:    a.cfg.Analysis.Addr,
			Timeout: a.cfg.AnalysisTimeout(),
			Logger:  a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("dial analysis service: %w", err)
		}
		a.closers = append(a.closers, client)
		cfg.Reviewer = client
		cfg.AnalysisTarget = "grpc://" + a.cfg.Analysis.Addr
	}
	return worker.NewExecutor(cfg), nil
}

// sweeper is only needed by the sqlite backend; the bus holds no leases
// that can outlive the process.
func (a *app) sweeper() (*worker.Sweeper, error) {
	if a.cfg.Queue.Backend != queue.BackendSQLite {
		return nil, nil
	}
	return worker.NewSweeper(worker.SweeperConfig{
		Store:         a.store,
		Schedule:      a.cfg.Queue.SweepSchedule,
		MaxDeliveries: a.cfg.MaxRetries + 1,
		Logger:        a.logger,
	})
}

func breakerName(key string) string {
	if _, err := validate.ParseDSN(key); err != nil {
		return key
	}
	return validate.Redact(key)
}

func (a *app) Close() error {
	var errs []error
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(context.Background()))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}
