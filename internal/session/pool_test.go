package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	name         string
	mu           sync.Mutex
	connected    bool
	lastUsed     time.Time
	disconnected int
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected++
	return nil
}

func (c *fakeClient) disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestPool(t *testing.T) (*Pool[*fakeClient], *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := NewPool[*fakeClient](Config{IdleTimeout: 5 * time.Minute}, zerolog.Nop())
	pool.now = clk.Now
	t.Cleanup(func() { pool.Close(context.Background()) })
	return pool, clk
}

func builder(clk *clock, name string, builds *atomic.Int32) func(context.Context) (*fakeClient, error) {
	return func(context.Context) (*fakeClient, error) {
		builds.Add(1)
		return &fakeClient{name: name, connected: true, lastUsed: clk.Now()}, nil
	}
}

func TestPool_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses a connected client", func(t *testing.T) {
		pool, clk := setupTestPool(t)
		var builds atomic.Int32

		first, err := pool.Acquire(ctx, "s1", nil, builder(clk, "first", &builds))
		require.NoError(t, err)
		second, err := pool.Acquire(ctx, "s1", nil, builder(clk, "second", &builds))
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.EqualValues(t, 1, builds.Load())
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("rebuilds when match rejects the client", func(t *testing.T) {
		pool, clk := setupTestPool(t)
		var builds atomic.Int32

		old, err := pool.Acquire(ctx, "s1", nil, builder(clk, "old", &builds))
		require.NoError(t, err)
		pool.Release("s1")

		fresh, err := pool.Acquire(ctx, "s1", func(c *fakeClient) bool { return c.name == "new" }, builder(clk, "new", &builds))
		require.NoError(t, err)

		assert.Equal(t, "new", fresh.name)
		assert.Equal(t, 1, old.disconnects())
		assert.EqualValues(t, 2, builds.Load())
	})

	t.Run("rebuilds when the client lost its connection", func(t *testing.T) {
		pool, clk := setupTestPool(t)
		var builds atomic.Int32

		old, err := pool.Acquire(ctx, "s1", nil, builder(clk, "old", &builds))
		require.NoError(t, err)
		require.NoError(t, old.Disconnect(ctx))

		fresh, err := pool.Acquire(ctx, "s1", nil, builder(clk, "new", &builds))
		require.NoError(t, err)
		assert.NotSame(t, old, fresh)
	})

	t.Run("build failure leaves nothing behind", func(t *testing.T) {
		pool, _ := setupTestPool(t)
		boom := errors.New("dial failed")

		_, err := pool.Acquire(ctx, "s1", nil, func(context.Context) (*fakeClient, error) { return nil, boom })

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, pool.Len())
	})

	t.Run("concurrent acquires build once", func(t *testing.T) {
		pool, clk := setupTestPool(t)
		var builds atomic.Int32
		build := func(ctx context.Context) (*fakeClient, error) {
			time.Sleep(10 * time.Millisecond)
			return builder(clk, "shared", &builds)(ctx)
		}

		var wg sync.WaitGroup
		got := make([]*fakeClient, 8)
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := pool.Acquire(ctx, "s1", nil, build)
				assert.NoError(t, err)
				got[i] = c
			}(i)
		}
		wg.Wait()

		assert.EqualValues(t, 1, builds.Load())
		for _, c := range got {
			assert.Same(t, got[0], c)
		}
	})
}

func TestPool_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("evicts idle clients only", func(t *testing.T) {
		pool, clk := setupTestPool(t)
		var builds atomic.Int32

		idle, err := pool.Get(ctx, "idle", nil, builder(clk, "idle", &builds))
		require.NoError(t, err)
		clk.Advance(4 * time.Minute)
		recent, err := pool.Get(ctx, "recent", nil, builder(clk, "recent", &builds))
		require.NoError(t, err)
		clk.Advance(2 * time.Minute)

		evicted := pool.Sweep(ctx)

		assert.Equal(t, []string{"idle"}, evicted)
		assert.Equal(t, 1, idle.disconnects())
		assert.Equal(t, 0, recent.disconnects())
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("skips clients in use until released", func(t *testing.T) {
		pool, clk := setupTestPool(t)
		var builds atomic.Int32

		c, err := pool.Acquire(ctx, "busy", nil, builder(clk, "busy", &builds))
		require.NoError(t, err)
		clk.Advance(10 * time.Minute)

		assert.Empty(t, pool.Sweep(ctx))
		assert.Equal(t, 0, c.disconnects())

		pool.Release("busy")
		assert.Equal(t, []string{"busy"}, pool.Sweep(ctx))
		assert.Equal(t, 1, c.disconnects())
	})

	t.Run("evicts clients that lost their connection", func(t *testing.T) {
		pool, clk := setupTestPool(t)
		var builds atomic.Int32

		c, err := pool.Get(ctx, "dead", nil, builder(clk, "dead", &builds))
		require.NoError(t, err)
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		assert.Equal(t, []string{"dead"}, pool.Sweep(ctx))
		assert.Equal(t, 0, pool.Len())
	})
}

func TestPool_RemoveAndClose(t *testing.T) {
	ctx := context.Background()
	pool, clk := setupTestPool(t)
	var builds atomic.Int32

	a, err := pool.Acquire(ctx, "a", nil, builder(clk, "a", &builds))
	require.NoError(t, err)
	b, err := pool.Get(ctx, "b", nil, builder(clk, "b", &builds))
	require.NoError(t, err)

	require.NoError(t, pool.Remove(ctx, "a"))
	require.NoError(t, pool.Remove(ctx, "missing"))
	assert.Equal(t, 1, a.disconnects())
	assert.Equal(t, 1, pool.Len())

	pool.Close(ctx)
	assert.Equal(t, 1, b.disconnects())
	assert.Equal(t, 0, pool.Len())
}

func TestPool_Run(t *testing.T) {
	pool, clk := setupTestPool(t)
	var builds atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := pool.Get(ctx, "s1", nil, builder(clk, "s1", &builds))
	require.NoError(t, err)
	clk.Advance(time.Hour)

	go pool.Run(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool { return c.disconnects() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, pool.Len())
}
