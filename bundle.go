package stepflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/taskqueue"
	workerpkg "github.com/petrijr/stepflow/pkg/worker"
)

// WorkerBundle wires together a Host, a storage backend, a durable task
// queue and a Worker that consumes tasks from that queue.
//
// Workflows served by the bundle should be built with Options so their
// runs persist to the bundle's storage:
//
//	b, _ := stepflow.OpenBundle(ctx, cfg)
//	wf := stepflow.NewWorkflow("billing", b.Options()...).Then(charge).Commit()
//	_ = b.Host.Register(wf)
//	_ = b.Worker.EnqueueStartRun(ctx, "billing", runID, stepflow.StartRunPayload{Input: in})
type WorkerBundle struct {
	Host    *Host
	Storage Storage
	// Events is nil for backends without an event log.
	Events EventStore
	Worker *workerpkg.Worker
	Logger *slog.Logger

	retry    RetryConfig
	leaseTTL time.Duration
	queue    taskqueue.Queue
	closeFn  func() error
}

// NewSQLiteBundle constructs durable storage, an event log, a queue and a
// Worker sharing the same SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:stepflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := stepflow.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3})
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := NewSQLiteStorage(db)
	if err != nil {
		return nil, err
	}
	events, err := NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	host, _ := NewHost()
	return &WorkerBundle{
		Host:     host,
		Storage:  store,
		Events:   events,
		Worker:   workerpkg.NewWithConfig(host, q, cfg),
		Logger:   cfg.Logger,
		leaseTTL: cfg.LeaseTTL,
		queue:    q,
		closeFn:  func() error { return nil },
	}, nil
}

// OpenBundle opens the storage and queue named by cfg and builds a Worker
// configured from it. Logs go to stderr through config.NewLogger.
func OpenBundle(ctx context.Context, cfg Config) (*WorkerBundle, error) {
	return openBundle(ctx, cfg, os.Stderr)
}

func openBundle(ctx context.Context, cfg Config, logOut io.Writer) (*WorkerBundle, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg.Log, logOut)

	b, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	q, err := openQueue(cfg.Queue, b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	host, _ := NewHost()
	w := workerpkg.NewWithConfig(host, q, workerpkg.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.Backoff,
		MaxBackoff:  cfg.Queue.MaxBackoff,
		LeaseTTL:    cfg.Lease.TTL,
		Logger:      logger,
	})
	logger.Info("bundle_opened",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("worker", w.ID()),
	)
	return &WorkerBundle{
		Host:    host,
		Storage: b.Runs,
		Events:  b.Events,
		Worker:  w,
		Logger:  logger,
		retry: RetryConfig{
			Attempts:   cfg.Retry.Attempts,
			Delay:      cfg.Retry.Delay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Multiplier: cfg.Retry.Multiplier,
		},
		leaseTTL: cfg.Lease.TTL,
		queue:    q,
		closeFn:  b.Close,
	}, nil
}

func openQueue(cfg QueueConfig, b *backend) (taskqueue.Queue, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return taskqueue.NewInMemoryQueue(), nil
	case config.DriverSQLite:
		return taskqueue.NewSQLiteQueue(b.db)
	case config.DriverPostgres:
		return taskqueue.NewPostgresQueue(b.db)
	case config.DriverRedis:
		if b.redis == nil {
			return nil, errors.New("stepflow: redis queue needs redis storage")
		}
		return taskqueue.NewRedisQueue(b.redis, b.namespace), nil
	case config.DriverMongo:
		if b.client == nil {
			return nil, errors.New("stepflow: mongo queue needs mongo storage")
		}
		return taskqueue.NewMongoQueue(b.client, b.namespace, ""), nil
	}
	return nil, fmt.Errorf("stepflow: unknown queue driver %q", cfg.Driver)
}

// Options returns the workflow options that bind a workflow to the bundle's
// storage, event log, logger and default retry and lease settings.
func (b *WorkerBundle) Options() []Option {
	opts := []Option{
		WithStorage(b.Storage),
		WithLogger(b.Logger),
		WithObserver(NewLoggingObserver(b.Logger)),
		WithRetryConfig(b.retry),
	}
	if b.Events != nil {
		opts = append(opts, WithEventStore(b.Events))
	}
	if b.leaseTTL > 0 {
		opts = append(opts, WithLeaseTTL(b.leaseTTL))
	}
	return opts
}

// QueueLen returns the number of queued tasks.
func (b *WorkerBundle) QueueLen() int { return b.queue.Len() }

// Close releases the connections opened by OpenBundle. Bundles built from a
// caller-owned *sql.DB leave it open.
func (b *WorkerBundle) Close() error {
	if b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}
