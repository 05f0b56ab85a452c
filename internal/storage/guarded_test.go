package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyKV wraps a MemoryKV and fails every call while down is set.
type flakyKV struct {
	*MemoryKV
	down  bool
	calls int
}

var errDown = errors.New("dial tcp: connection refused")

func (f *flakyKV) Get(ctx context.Context, key string) (string, error) {
	f.calls++
	if f.down {
		return "", errDown
	}
	return f.MemoryKV.Get(ctx, key)
}

func (f *flakyKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.calls++
	if f.down {
		return errDown
	}
	return f.MemoryKV.Set(ctx, key, value, ttl)
}

type slowKV struct {
	*MemoryKV
}

func (s slowKV) Get(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestGuarded_NotFoundDoesNotTrip(t *testing.T) {
	g := NewGuarded(NewMemory(), GuardOptions{MaxFailures: 2})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := g.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker().State())
}

func TestGuarded_OpensAndRecovers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	kv := &flakyKV{MemoryKV: NewMemory(), down: true}
	g := NewGuarded(kv, GuardOptions{
		MaxFailures:    3,
		BreakerTimeout: 10 * time.Second,
		Now:            func() time.Time { return now },
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Get(ctx, "k")
		require.ErrorIs(t, err, errDown)
	}
	require.Equal(t, circuitbreaker.StateOpen, g.Breaker().State())

	_, err := g.Get(ctx, "k")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 3, kv.calls, "open circuit does not reach the store")

	kv.down = false
	now = now.Add(11 * time.Second)

	require.NoError(t, g.Set(ctx, "k", "v", 0))
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker().State())

	val, err := g.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestGuarded_TimeoutBoundsCalls(t *testing.T) {
	g := NewGuarded(slowKV{NewMemory()}, GuardOptions{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := g.Get(context.Background(), "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuarded_PassesThrough(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	g := NewGuarded(NewMemory(WithClock(func() time.Time { return fixed })), GuardOptions{})
	ctx := context.Background()

	res, err := g.IncrByIfWithin(ctx, "c", 1, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	ok, err := g.Exists(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := g.TTL(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	keys, err := g.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, keys)

	require.NoError(t, g.Del(ctx, "c"))
	require.NoError(t, g.Ping(ctx))
}
