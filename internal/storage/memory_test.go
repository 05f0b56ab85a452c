package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryWithClock(start time.Time) (*MemoryKV, *time.Time) {
	now := start
	return NewMemory(WithClock(func() time.Time { return now })), &now
}

func TestMemory_GetSetExpiry(t *testing.T) {
	kv, now := newMemoryWithClock(time.Unix(1700000000, 0))
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "k", "v", time.Second))
	val, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	*now = now.Add(time.Second)
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_TTL(t *testing.T) {
	kv, now := newMemoryWithClock(time.Unix(1700000000, 0))
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "forever", "1", 0))
	ttl, err := kv.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, NoExpiry, ttl)

	require.NoError(t, kv.Set(ctx, "short", "1", 10*time.Second))
	*now = now.Add(4 * time.Second)
	ttl, err = kv.TTL(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, ttl)

	_, err = kv.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_IncrByIfWithin(t *testing.T) {
	kv, now := newMemoryWithClock(time.Unix(1700000000, 0))
	ctx := context.Background()

	res, err := kv.IncrByIfWithin(ctx, "c", 3, 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, CounterResult{Value: 3, Applied: true, TTL: time.Minute}, res)

	*now = now.Add(10 * time.Second)
	res, err = kv.IncrByIfWithin(ctx, "c", 2, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(5), res.Value)
	assert.Equal(t, 50*time.Second, res.TTL, "an existing counter keeps its expiry")

	res, err = kv.IncrByIfWithin(ctx, "c", 1, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(5), res.Value)

	*now = now.Add(50 * time.Second)
	res, err = kv.IncrByIfWithin(ctx, "c", 1, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(1), res.Value)
}

func TestMemory_IncrByIfWithinRejectsWithoutCreating(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()

	res, err := kv.IncrByIfWithin(ctx, "c", 1, 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Applied)

	ok, err := kv.Exists(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_IncrByIfWithinNonInteger(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "c", "abc", 0))
	_, err := kv.IncrByIfWithin(ctx, "c", 1, 10, time.Minute)
	assert.Error(t, err)
}

func TestMemory_KeysAndCleanup(t *testing.T) {
	kv, now := newMemoryWithClock(time.Unix(1700000000, 0))
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "metrics:snapshot:2", "b", time.Hour))
	require.NoError(t, kv.Set(ctx, "metrics:snapshot:1", "a", time.Minute))
	require.NoError(t, kv.Set(ctx, "quota:count:x:PUBLIC", "1", time.Hour))

	keys, err := kv.Keys(ctx, "metrics:snapshot:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"metrics:snapshot:1", "metrics:snapshot:2"}, keys)

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, kv.Cleanup())

	keys, err = kv.Keys(ctx, "metrics:snapshot:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"metrics:snapshot:2"}, keys)
}

func TestMemory_Del(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "a", "1", 0))
	require.NoError(t, kv.Set(ctx, "b", "1", 0))
	require.NoError(t, kv.Del(ctx, "a", "b", "c"))
	require.NoError(t, kv.Del(ctx, "a"))

	for _, k := range []string{"a", "b"} {
		ok, err := kv.Exists(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}
