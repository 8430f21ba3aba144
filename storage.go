package stepflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/persistence"
)

type (
	// Config is the YAML configuration of a stepflow deployment.
	Config        = config.Config
	StorageConfig = config.StorageConfig
	QueueConfig   = config.QueueConfig
	LogConfig     = config.LogConfig

	// Persistence is an opened storage backend.
	Persistence = persistence.Persistence
)

// LoadConfig reads a YAML configuration file. A missing file yields the
// defaults.
func LoadConfig(path string) (Config, error) { return config.LoadFile(path) }

// ParseConfig decodes and validates a YAML configuration document.
func ParseConfig(data []byte) (Config, error) { return config.Parse(data) }

// NewInMemoryStorage returns a process-local Storage with run leases.
func NewInMemoryStorage() Storage { return persistence.NewInMemoryStore() }

// NewSQLiteStorage creates the snapshot tables in db and returns a Storage.
func NewSQLiteStorage(db *sql.DB) (Storage, error) { return persistence.NewSQLiteStore(db) }

// NewPostgresStorage creates the snapshot tables in db and returns a Storage.
// db must use the "pgx" driver.
func NewPostgresStorage(db *sql.DB) (Storage, error) { return persistence.NewPostgresStore(db) }

// NewRedisStorage returns a Storage keeping runs under prefix.
func NewRedisStorage(client redis.UniversalClient, prefix string) Storage {
	return persistence.NewRedisStore(client, prefix)
}

// NewMongoStorage returns a Storage in database dbName.
func NewMongoStorage(client *mongo.Client, dbName string) Storage {
	return persistence.NewMongoStore(client, dbName)
}

// NewInMemoryEventStore returns a process-local EventStore.
func NewInMemoryEventStore() EventStore { return persistence.NewInMemoryEventStore() }

// NewSQLiteEventStore creates the event table in db and returns an EventStore.
func NewSQLiteEventStore(db *sql.DB) (EventStore, error) { return persistence.NewSQLiteEventStore(db) }

// backend is an opened storage plus the raw connection a queue can share.
type backend struct {
	Persistence
	db        *sql.DB
	client    *mongo.Client
	namespace string // mongo database or redis key prefix
	redis     redis.UniversalClient
}

// OpenStorage opens the backend named by cfg.Driver. The caller must call
// Close on the result.
func OpenStorage(ctx context.Context, cfg StorageConfig) (*Persistence, error) {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &b.Persistence, nil
}

func openBackend(ctx context.Context, cfg StorageConfig) (*backend, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return &backend{Persistence: Persistence{
			Runs:   persistence.NewInMemoryStore(),
			Events: persistence.NewInMemoryEventStore(),
			Close:  func() error { return nil },
		}}, nil

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serializes writers; a single connection also keeps
		// ":memory:" databases shared.
		db.SetMaxOpenConns(1)
		runs, err := persistence.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		events, err := persistence.NewSQLiteEventStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{
			Persistence: Persistence{Runs: runs, Events: events, Close: db.Close},
			db:          db,
		}, nil

	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		runs, err := persistence.NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{
			Persistence: Persistence{Runs: runs, Close: db.Close},
			db:          db,
		}, nil

	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return &backend{
			Persistence: Persistence{
				Runs:  persistence.NewRedisStore(client, cfg.Prefix),
				Close: client.Close,
			},
			redis:     client,
			namespace: cfg.Prefix,
		}, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return &backend{
			Persistence: Persistence{
				Runs:  persistence.NewMongoStore(client, cfg.Database),
				Close: func() error { return client.Disconnect(context.Background()) },
			},
			client:    client,
			namespace: cfg.Database,
		}, nil
	}
	return nil, errors.New("stepflow: unknown storage driver " + cfg.Driver)
}
