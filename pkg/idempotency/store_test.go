package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore().WithClock(clock.Now)

	require.NoError(t, store.Set(ctx, "order:alice:1", []byte(`{"id":"SO-1"}`), time.Minute))

	// unrelated writes do not disturb the entry
	for i := 0; i < 100; i++ {
		require.NoError(t, store.Set(ctx, fmt.Sprintf("other-%d", i), []byte("x"), time.Second))
	}

	clock.Advance(59 * time.Second)
	value, ok, err := store.Get(ctx, "order:alice:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"SO-1"}`, string(value))

	clock.Advance(time.Second)
	_, ok, err = store.Get(ctx, "order:alice:1")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := store.Exists(ctx, "order:alice:1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "k", []byte("first"), time.Minute))
	require.NoError(t, store.Set(ctx, "k", []byte("second"), time.Minute))

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(value))
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore().WithClock(clock.Now)

	require.NoError(t, store.Set(ctx, "short", []byte("a"), time.Second))
	require.NoError(t, store.Set(ctx, "long", []byte("b"), time.Hour))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Size())

	exists, err := store.Exists(ctx, "long")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey("alice", "create_sales_order", map[string]interface{}{"customer": "C1", "qty": 2})
	require.NoError(t, err)
	b, err := DeriveKey("alice", "create_sales_order", map[string]interface{}{"qty": 2, "customer": "C1"})
	require.NoError(t, err)
	c, err := DeriveKey("bob", "create_sales_order", map[string]interface{}{"customer": "C1", "qty": 2})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "create_sales_order:alice:")

	assert.NotEqual(t, CallerKey("alice", "op", "k1"), CallerKey("bob", "op", "k1"))
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	calls := 0
	fn := func(context.Context) ([]byte, error) {
		calls++
		return []byte(fmt.Sprintf("result-%d", calls)), nil
	}

	first, replayed, err := Do(ctx, store, "k", time.Minute, fn)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := Do(ctx, store, "k", time.Minute, fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestDoDoesNotStoreFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := Do(ctx, store, "k", time.Minute, func(context.Context) ([]byte, error) {
		return nil, errors.New("backend down")
	})
	require.Error(t, err)
	assert.Equal(t, 0, store.Size())

	cancelled, cancel := context.WithCancel(ctx)
	_, _, err = Do(cancelled, store, "k", time.Minute, func(context.Context) ([]byte, error) {
		cancel()
		return []byte("late"), nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Size())
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("first"), time.Minute))
	require.NoError(t, store.Set(ctx, "k", []byte("second"), time.Minute))

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", string(value))

	mr.FastForward(2 * time.Minute)

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStoresRejectNonPositiveTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			for _, ttl := range []time.Duration{0, -time.Second} {
				err := store.Set(ctx, "k", []byte("v"), ttl)
				assert.ErrorIs(t, err, ErrInvalidTTL)
			}

			exists, err := store.Exists(ctx, "k")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
	assert.False(t, mr.Exists("idem:k"))
}
