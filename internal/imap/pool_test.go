package imap

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/testutil"
)

// accountDialer logs every account in as the memory backend's only user, so
// tests can simulate several accounts against one server. dials counts calls.
func accountDialer(srv *testutil.TestIMAPServer, dials *atomic.Int64) Dialer {
	base := NewDialer(srv.Address, false, 10*time.Second)
	return func(ctx context.Context, creds models.Credentials) (*client.Client, error) {
		if dials != nil {
			dials.Add(1)
		}
		return base(ctx, models.Credentials{Email: srv.Username(), Password: creds.Password})
	}
}

func creds(email string) models.Credentials {
	return models.Credentials{Email: email, Password: "password"}
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *atomic.Int64) {
	t.Helper()
	srv := testutil.NewTestIMAPServer(t)
	dials := &atomic.Int64{}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	pool := NewPool(cfg, accountDialer(srv, dials))
	t.Cleanup(pool.Close)
	return pool, dials
}

func TestPoolAcquireReusesIdleSession(t *testing.T) {
	ctx := context.Background()
	pool, dials := newTestPool(t, PoolConfig{MaxSessions: 5})

	s1, err := pool.Acquire(ctx, creds("alice@example.com"))
	require.NoError(t, err)
	first := s1.Client()
	s1.Release()

	s2, err := pool.Acquire(ctx, creds("alice@example.com"))
	require.NoError(t, err)
	defer s2.Release()

	assert.Same(t, first, s2.Client(), "idle session of the same account should be reused")
	assert.Equal(t, int64(1), dials.Load())

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(1), stats.Reused)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Idle)
}

func TestPoolSessionsAreExclusive(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 5})

	s1, err := pool.Acquire(ctx, creds("alice@example.com"))
	require.NoError(t, err)
	s2, err := pool.Acquire(ctx, creds("alice@example.com"))
	require.NoError(t, err)

	assert.NotSame(t, s1.Client(), s2.Client(), "an in-use session must not be handed out twice")
	assert.Equal(t, 2, pool.Stats().Active)

	s1.Release()
	s2.Release()
	assert.Equal(t, 2, pool.Stats().Idle)
}

func TestPoolReleaseByAccount(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 5})
	account := "alice@example.com"

	s1, err := pool.Acquire(ctx, creds(account))
	require.NoError(t, err)
	s2, err := pool.Acquire(ctx, creds(account))
	require.NoError(t, err)

	pool.Release(account)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Idle)

	// The most recently acquired session was released, so reacquiring hands out s2's connection.
	s3, err := pool.Acquire(ctx, creds(account))
	require.NoError(t, err)
	assert.Same(t, s2.Client(), s3.Client())

	// A stale lease must not release the new holder's session.
	s2.Release()
	assert.Equal(t, 2, pool.Stats().Active)

	s3.Release()
	s1.Release()
	assert.Equal(t, 0, pool.Stats().Active)

	// Releasing an account with nothing in use is a no-op.
	pool.Release(account)
	pool.Release("nobody@example.com")
}

func TestPoolEvictsOldestIdleAtCapacity(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 2})

	a, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)
	a.Release()
	time.Sleep(5 * time.Millisecond)

	b, err := pool.Acquire(ctx, creds("b@example.com"))
	require.NoError(t, err)
	b.Release()

	c, err := pool.Acquire(ctx, creds("c@example.com"))
	require.NoError(t, err)
	defer c.Release()

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, int64(1), stats.Evicted)

	pool.mu.Lock()
	_, hasA := pool.conns["a@example.com"]
	_, hasB := pool.conns["b@example.com"]
	pool.mu.Unlock()
	assert.False(t, hasA, "least recently used idle session should be evicted")
	assert.True(t, hasB)
}

func TestPoolExhausted(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireTimeout: 50 * time.Millisecond})

	held, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = pool.Acquire(ctx, creds("b@example.com"))
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, pool.Stats().Total, "capacity must never be exceeded")
}

func TestPoolExhaustedWithoutWait(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 1})

	held, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)
	defer held.Release()

	_, err = pool.Acquire(ctx, creds("a@example.com"))
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPoolWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireTimeout: 5 * time.Second})

	held, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release()
	}()

	s, err := pool.Acquire(ctx, creds("b@example.com"))
	require.NoError(t, err)
	defer s.Release()

	assert.Equal(t, "b@example.com", s.Account())
	assert.Equal(t, int64(1), pool.Stats().Evicted)
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 1, AcquireTimeout: 5 * time.Second})

	held, err := pool.Acquire(context.Background(), creds("a@example.com"))
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = pool.Acquire(ctx, creds("b@example.com"))
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, pool.Stats().Waiting)
}

func TestPoolAuthFailureNotRetried(t *testing.T) {
	pool, dials := newTestPool(t, PoolConfig{MaxSessions: 2})

	_, err := pool.Acquire(context.Background(), models.Credentials{Email: "a@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, int64(1), dials.Load())

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Total, "failed dial must free its reserved slot")
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPoolAuthenticate(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 2})

	require.NoError(t, pool.Authenticate(context.Background(), creds("a@example.com")))
	assert.Equal(t, 1, pool.Stats().Idle)

	err := pool.Authenticate(context.Background(), models.Credentials{Email: "b@example.com", Password: "nope"})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestPoolIdleSessionNeedsMatchingPassword(t *testing.T) {
	ctx := context.Background()
	pool, dials := newTestPool(t, PoolConfig{MaxSessions: 2})

	s, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)
	s.Release()

	_, err = pool.Acquire(ctx, models.Credentials{Email: "a@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrAuthFailed, "a warm session must not stand in for a login")
	assert.Equal(t, int64(2), dials.Load())
	assert.Equal(t, 1, pool.Stats().Idle)
}

func TestPoolVerify(t *testing.T) {
	ctx := context.Background()
	pool, dials := newTestPool(t, PoolConfig{MaxSessions: 2})

	require.NoError(t, pool.Verify(ctx, creds("a@example.com")))
	assert.Equal(t, int64(1), dials.Load())

	require.NoError(t, pool.Verify(ctx, creds("a@example.com")))
	assert.Equal(t, int64(1), dials.Load(), "known credentials are checked locally")

	err := pool.Verify(ctx, models.Credentials{Email: "a@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestPoolSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("closes sessions idle too long", func(t *testing.T) {
		pool, _ := newTestPool(t, PoolConfig{MaxSessions: 5, MaxIdle: time.Minute, MaxLifetime: time.Hour})

		s, err := pool.Acquire(ctx, creds("a@example.com"))
		require.NoError(t, err)
		s.Release()
		held, err := pool.Acquire(ctx, creds("b@example.com"))
		require.NoError(t, err)
		defer held.Release()

		assert.Equal(t, 0, pool.sweep(time.Now()))
		assert.Equal(t, 1, pool.sweep(time.Now().Add(2*time.Minute)), "only the idle session is swept")

		stats := pool.Stats()
		assert.Equal(t, 1, stats.Total)
		assert.Equal(t, int64(1), stats.Closed)
	})

	t.Run("closes in-use sessions past lifetime on release", func(t *testing.T) {
		pool, _ := newTestPool(t, PoolConfig{MaxSessions: 5, MaxIdle: time.Hour, MaxLifetime: 10 * time.Minute})

		s, err := pool.Acquire(ctx, creds("a@example.com"))
		require.NoError(t, err)

		assert.Equal(t, 0, pool.sweep(time.Now().Add(11*time.Minute)))
		assert.Equal(t, 1, pool.Stats().Active)

		s.Release()
		stats := pool.Stats()
		assert.Equal(t, 0, stats.Total)
		assert.Equal(t, int64(1), stats.Closed)
	})
}

func TestPoolDropsDeadSession(t *testing.T) {
	ctx := context.Background()
	pool, dials := newTestPool(t, PoolConfig{MaxSessions: 5})

	s, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)
	require.NoError(t, s.Client().Logout())
	s.Release()

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Total, "a dead session must not return to idle")
	assert.Equal(t, int64(1), stats.Closed)

	s2, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)
	defer s2.Release()
	assert.Equal(t, int64(2), dials.Load())
}

func TestPoolDiscard(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 5})

	s, err := pool.Acquire(context.Background(), creds("a@example.com"))
	require.NoError(t, err)
	s.Discard()
	s.Release()

	assert.Equal(t, 0, pool.Stats().Total)
}

func TestPoolConcurrentAcquireRespectsCapacity(t *testing.T) {
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 3, AcquireTimeout: 10 * time.Second})

	var (
		wg       sync.WaitGroup
		maxTotal atomic.Int64
		failures atomic.Int64
	)
	accounts := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := pool.Acquire(context.Background(), creds(accounts[i%len(accounts)]))
			if err != nil {
				failures.Add(1)
				return
			}
			if total := int64(pool.Stats().Total); total > maxTotal.Load() {
				maxTotal.Store(total)
			}
			time.Sleep(10 * time.Millisecond)
			s.Release()
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.LessOrEqual(t, maxTotal.Load(), int64(3))
	assert.LessOrEqual(t, pool.Stats().Total, 3)
}

func TestPoolRemoveAccount(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 5})

	idle, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)
	held, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)
	idle.Release()

	pool.RemoveAccount("a@example.com")
	assert.Equal(t, 1, pool.Stats().Total, "in-use session stays until released")

	held.Release()
	stats := pool.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, int64(2), stats.Closed)
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	pool, _ := newTestPool(t, PoolConfig{MaxSessions: 5})

	idle, err := pool.Acquire(ctx, creds("a@example.com"))
	require.NoError(t, err)
	idle.Release()
	held, err := pool.Acquire(ctx, creds("b@example.com"))
	require.NoError(t, err)

	pool.Close()

	stats := pool.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, int64(2), stats.Closed)

	_, err = pool.Acquire(ctx, creds("a@example.com"))
	assert.ErrorIs(t, err, ErrPoolClosed)

	held.Release()
	pool.Close()
	assert.Equal(t, int64(2), pool.Stats().Closed)
}
