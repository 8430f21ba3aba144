// Package testutil starts shared Testcontainers backends for integration
// tests. Every helper skips the calling test under -short or when Docker is
// unavailable.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 3 * time.Minute

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

func (c *sharedContainer) get(t *testing.T, name string, start func(ctx context.Context) (string, error)) string {
	t.Helper()

	if testing.Short() {
		t.Skipf("skipping %s integration test in -short mode", name)
	}

	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		// Testcontainers panics when no Docker provider can be found.
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("starting %s testcontainer panicked: %v", name, r)
			}
		}()

		c.endpoint, c.err = start(ctx)
	})

	if c.err != nil {
		t.Skipf("skipping %s tests: %v", name, c.err)
	}
	return c.endpoint
}

var (
	postgres sharedContainer
	redis    sharedContainer
	mongo    sharedContainer
)

// GetPostgresDSN returns a DSN for a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	return postgres.get(t, "postgres", func(ctx context.Context) (string, error) {
		postgresC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					// Container is listening
					wait.ForListeningPort("5432/tcp"),
					// Postgres reports readiness in logs
					wait.ForLog("ready to accept connections"),
					// Actively verify SQL connectivity with a simple query using DSN built from mapped host:port
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://stepflow:stepflow@%s:%s/stepflow_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "stepflow",
				"POSTGRES_PASSWORD": "stepflow",
				"POSTGRES_DB":       "stepflow_test",
			}),
		)
		if err != nil {
			return "", err
		}

		endpoint, err := postgresC.Endpoint(ctx, "")
		if err != nil {
			_ = postgresC.Terminate(context.Background()) // best-effort cleanup
			return "", err
		}
		return fmt.Sprintf("postgres://stepflow:stepflow@%s/stepflow_test?sslmode=disable", endpoint), nil
	})
}

// GetRedisAddress returns host:port of a shared Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redis.get(t, "redis", func(ctx context.Context) (string, error) {
		redisC, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}

		endpoint, err := redisC.Endpoint(ctx, "")
		if err != nil {
			_ = redisC.Terminate(context.Background())
			return "", err
		}
		return endpoint, nil
	})
}

// GetMongoURI returns a connection URI for a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongo.get(t, "mongo", func(ctx context.Context) (string, error) {
		mongoC, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp").
					WithStartupTimeout(2*time.Minute),
			),
		)
		if err != nil {
			return "", err
		}

		endpoint, err := mongoC.Endpoint(ctx, "")
		if err != nil {
			_ = mongoC.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}
