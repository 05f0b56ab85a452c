package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedViolation struct {
	identifier, reason string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedViolation
}

func (f *fakeRecorder) RecordViolation(_ context.Context, identifier, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedViolation{identifier, reason})
	return nil
}

// brokenKV fails every call, standing in for an unreachable store.
type brokenKV struct{}

var errStoreDown = errors.New("connection refused")

func (brokenKV) Get(context.Context, string) (string, error) { return "", errStoreDown }
func (brokenKV) Set(context.Context, string, string, time.Duration) error { return errStoreDown }
func (brokenKV) Del(context.Context, ...string) error { return errStoreDown }
func (brokenKV) Exists(context.Context, string) (bool, error) { return false, errStoreDown }
func (brokenKV) TTL(context.Context, string) (time.Duration, error) { return 0, errStoreDown }
func (brokenKV) Keys(context.Context, string) ([]string, error) { return nil, errStoreDown }
func (brokenKV) Ping(context.Context) error { return errStoreDown }
func (brokenKV) IncrByIfWithin(context.Context, string, int64, int64, time.Duration) (storage.CounterResult, error) {
	return storage.CounterResult{}, errStoreDown
}

func newTestLedger(t *testing.T) (*Ledger, *storage.MemoryKV, *clock, *fakeRecorder) {
	t.Helper()
	c := newClock()
	kv := storage.NewMemory(storage.WithClock(c.Now))
	rec := &fakeRecorder{}
	l := NewLedger(kv, config.NewQuotaTable(config.DefaultQuotas()), NewWhitelist(kv),
		WithClock(c.Now),
		WithViolationRecorder(rec),
	)
	return l, kv, c, rec
}

func TestConsume_FreePublicWindow(t *testing.T) {
	l, _, _, rec := newTestLedger(t)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		res := l.Consume(ctx, "ip:10.0.0.1", models.TierFree, models.CategoryPublic, 1)
		require.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, 100-i, res.Remaining)
		assert.Equal(t, 100, res.Limit)
	}

	res := l.Consume(ctx, "ip:10.0.0.1", models.TierFree, models.CategoryPublic, 1)
	assert.False(t, res.Allowed)
	assert.False(t, res.Blocked)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 60*time.Second, res.RetryAfter)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "ip:10.0.0.1", rec.calls[0].identifier)
	assert.Contains(t, rec.calls[0].reason, "PUBLIC")
}

func TestConsume_LimitBoundary(t *testing.T) {
	ctx := context.Background()

	for _, rule := range config.DefaultQuotas() {
		if rule.Limit == 0 {
			continue
		}
		t.Run(string(rule.Tier)+"/"+string(rule.Category), func(t *testing.T) {
			l, _, _, _ := newTestLedger(t)

			res := l.Consume(ctx, "user-1", rule.Tier, rule.Category, rule.Limit)
			assert.True(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)

			l2, _, _, _ := newTestLedger(t)
			res = l2.Consume(ctx, "user-1", rule.Tier, rule.Category, rule.Limit+1)
			assert.False(t, res.Allowed)
		})
	}
}

func TestConsume_WindowExpiryStartsFresh(t *testing.T) {
	l, _, c, _ := newTestLedger(t)
	ctx := context.Background()

	first := l.Consume(ctx, "user-1", models.TierFree, models.CategoryProperty, 50)
	require.True(t, first.Allowed)
	require.False(t, l.Consume(ctx, "user-1", models.TierFree, models.CategoryProperty, 1).Allowed)

	c.Advance(61 * time.Second)

	res := l.Consume(ctx, "user-1", models.TierFree, models.CategoryProperty, 1)
	assert.True(t, res.Allowed)
	assert.Equal(t, 49, res.Remaining)
	assert.Equal(t, c.Now().Add(60*time.Second), res.ResetAt)
}

func TestConsume_ZeroLimitCreatesBlock(t *testing.T) {
	l, kv, _, rec := newTestLedger(t)
	ctx := context.Background()

	res := l.Consume(ctx, "user-1", models.TierFree, models.CategoryAdmin, 1)
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	assert.Equal(t, time.Hour, res.RetryAfter)
	require.Len(t, rec.calls, 1)

	res = l.Consume(ctx, "user-1", models.TierFree, models.CategoryAdmin, 1)
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	assert.Equal(t, time.Hour, res.RetryAfter)
	assert.Len(t, rec.calls, 1, "a standing block is not re-evaluated")

	_, err := kv.Get(ctx, counterKey("user-1", models.CategoryAdmin))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsume_BlockExpires(t *testing.T) {
	l, _, c, _ := newTestLedger(t)
	ctx := context.Background()

	require.True(t, l.Consume(ctx, "user-1", models.TierFree, models.CategoryAuth, 5).Allowed)
	res := l.Consume(ctx, "user-1", models.TierFree, models.CategoryAuth, 1)
	require.True(t, res.Blocked)

	c.Advance(10 * time.Minute)
	res = l.Consume(ctx, "user-1", models.TierFree, models.CategoryAuth, 1)
	assert.True(t, res.Blocked)
	assert.Equal(t, 5*time.Minute, res.RetryAfter)

	c.Advance(5 * time.Minute)
	res = l.Consume(ctx, "user-1", models.TierFree, models.CategoryAuth, 1)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestConsume_EnterpriseNeverBlocks(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.True(t, l.Consume(ctx, "corp", models.TierEnterprise, models.CategoryAuth, 50).Allowed)
	res := l.Consume(ctx, "corp", models.TierEnterprise, models.CategoryAuth, 1)
	assert.False(t, res.Allowed)
	assert.False(t, res.Blocked)
	assert.Equal(t, 15*time.Minute, res.RetryAfter)
}

func TestConsume_PointsDefaultToOne(t *testing.T) {
	l, _, _, _ := newTestLedger(t)

	res := l.Consume(context.Background(), "user-1", models.TierFree, models.CategoryPublic, 0)
	assert.True(t, res.Allowed)
	assert.Equal(t, 99, res.Remaining)
}

func TestConsume_MissingRowIsUnlimited(t *testing.T) {
	c := newClock()
	kv := storage.NewMemory(storage.WithClock(c.Now))
	l := NewLedger(kv, config.NewQuotaTable(nil), nil, WithClock(c.Now))

	for i := 0; i < 1000; i++ {
		res := l.Consume(context.Background(), "user-1", models.TierFree, models.CategoryPublic, 1)
		require.True(t, res.Allowed)
		require.True(t, res.Unlimited)
	}
}

func TestConsume_FailOpen(t *testing.T) {
	l := NewLedger(brokenKV{}, config.NewQuotaTable(config.DefaultQuotas()), nil)

	res := l.Consume(context.Background(), "user-1", models.TierFree, models.CategoryFinancial, 1)
	assert.True(t, res.Allowed)
	assert.True(t, res.FailOpen)
	assert.Equal(t, 10, res.Limit)
	assert.Equal(t, 10, res.Remaining)
}

func TestConsume_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Consume(ctx, "user-1", models.TierFree, models.CategoryFinancial, 1).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestWhitelistDominates(t *testing.T) {
	l, kv, c, rec := newTestLedger(t)
	ctx := context.Background()

	require.True(t, l.Consume(ctx, "user-1", models.TierFree, models.CategoryAdmin, 1).Blocked)
	require.NoError(t, l.Whitelist(ctx, "user-1", time.Minute))

	for i := 0; i < 10; i++ {
		res := l.Consume(ctx, "user-1", models.TierFree, models.CategoryAdmin, 1)
		assert.True(t, res.Allowed)
		assert.True(t, res.Unlimited)
	}
	assert.Len(t, rec.calls, 1)

	_, err := kv.Get(ctx, counterKey("user-1", models.CategoryAdmin))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	c.Advance(time.Minute)
	ok, err := l.IsWhitelisted(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, l.Consume(ctx, "user-1", models.TierFree, models.CategoryAdmin, 1).Blocked)
}

func TestWhitelist_RejectsNonPositiveTTL(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	assert.ErrorIs(t, l.Whitelist(context.Background(), "user-1", 0), ErrInvalidTTL)
}

func TestRemoveWhitelist(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Whitelist(ctx, "user-1", time.Hour))
	require.NoError(t, l.RemoveWhitelist(ctx, "user-1"))

	ok, err := l.IsWhitelisted(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetLimit_Idempotent(t *testing.T) {
	l, kv, _, _ := newTestLedger(t)
	ctx := context.Background()

	require.True(t, l.Consume(ctx, "user-1", models.TierFree, models.CategoryAuth, 5).Allowed)
	require.True(t, l.Consume(ctx, "user-1", models.TierFree, models.CategoryAuth, 1).Blocked)

	require.NoError(t, l.ResetLimit(ctx, "user-1", models.CategoryAuth))
	require.NoError(t, l.ResetLimit(ctx, "user-1", models.CategoryAuth))

	for _, key := range []string{counterKey("user-1", models.CategoryAuth), blockKey("user-1", models.CategoryAuth)} {
		ok, err := kv.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}

	res := l.Consume(ctx, "user-1", models.TierFree, models.CategoryAuth, 1)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestGetRemaining_DoesNotConsume(t *testing.T) {
	l, _, c, _ := newTestLedger(t)
	ctx := context.Background()

	q, err := l.GetRemaining(ctx, "user-1", models.TierBasic, models.CategoryUser)
	require.NoError(t, err)
	assert.Equal(t, 200, q.Remaining)
	assert.Equal(t, 0, q.Consumed)

	l.Consume(ctx, "user-1", models.TierBasic, models.CategoryUser, 3)
	c.Advance(20 * time.Second)

	for i := 0; i < 3; i++ {
		q, err = l.GetRemaining(ctx, "user-1", models.TierBasic, models.CategoryUser)
		require.NoError(t, err)
		assert.Equal(t, 197, q.Remaining)
		assert.Equal(t, 3, q.Consumed)
		assert.Equal(t, c.Now().Add(40*time.Second), q.ResetAt)
		assert.False(t, q.Blocked)
	}
}

func TestGetRemaining_ReportsBlock(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	ctx := context.Background()

	l.Consume(ctx, "user-1", models.TierBasic, models.CategoryAdmin, 1)

	q, err := l.GetRemaining(ctx, "user-1", models.TierBasic, models.CategoryAdmin)
	require.NoError(t, err)
	assert.True(t, q.Blocked)
	assert.Equal(t, time.Hour, q.BlockedFor)
}

func TestGetRemaining_StoreError(t *testing.T) {
	l := NewLedger(brokenKV{}, config.NewQuotaTable(config.DefaultQuotas()), nil)

	_, err := l.GetRemaining(context.Background(), "user-1", models.TierFree, models.CategoryPublic)
	assert.ErrorIs(t, err, errStoreDown)
}
