package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/mailgate/internal/cache"
)

// NewTestCache returns a cache service backed by an in-process Redis. The
// server is stopped when the test ends.
func NewTestCache(t testing.TB) (*cache.Service, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	svc := cache.NewService(cache.NewRedisStore(cache.RedisOptions{Addr: mr.Addr()}), cache.DefaultTTLs())
	t.Cleanup(func() { _ = svc.Close() })
	return svc, mr
}

// RedisContainer is a Redis server running in Docker.
type RedisContainer struct {
	Address   string
	container testcontainers.Container
}

// StartRedisContainer starts a Redis container and waits until it accepts
// connections.
func StartRedisContainer(ctx context.Context) (*RedisContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	return &RedisContainer{Address: fmt.Sprintf("%s:%s", host, port.Port()), container: container}, nil
}

// Terminate stops and removes the container.
func (r *RedisContainer) Terminate(ctx context.Context) error {
	return r.container.Terminate(ctx)
}

// NewTestRedisContainer starts a real Redis for a test and returns its
// address. It is skipped in short mode because it needs Docker.
func NewTestRedisContainer(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping Redis container test in short mode")
	}

	ctx := context.Background()
	rc, err := StartRedisContainer(ctx)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := rc.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})
	return rc.Address
}
