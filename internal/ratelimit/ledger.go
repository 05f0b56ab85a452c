package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
)

// Result is the outcome of one Consume call.
type Result struct {
	Allowed bool
	// Blocked is set when the caller sits behind a QuotaBlock, either an
	// existing one or one created by this call.
	Blocked    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	// Unlimited is set for whitelisted callers and tier/category pairs
	// without a quota row. Limit and Remaining carry no meaning then.
	Unlimited bool
	FailOpen  bool
}

// Quota is a read-only view of a caller's standing in one category.
type Quota struct {
	Limit      int           `json:"limit"`
	Consumed   int           `json:"consumed"`
	Remaining  int           `json:"remaining"`
	Window     time.Duration `json:"window"`
	ResetAt    time.Time     `json:"reset_at"`
	Blocked    bool          `json:"blocked"`
	BlockedFor time.Duration `json:"blocked_for"`
	Unlimited  bool          `json:"unlimited"`
}

// Ledger enforces the fixed-window quota table. Counters live in the shared
// store; the increment is a single atomic conditional call, so concurrent
// requests cannot push a counter past its limit.
type Ledger struct {
	kv         storage.KV
	quotas     config.QuotaTable
	whitelist  *Whitelist
	violations ViolationRecorder
	now        func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithViolationRecorder(r ViolationRecorder) Option {
	return func(l *Ledger) { l.violations = r }
}

func NewLedger(kv storage.KV, quotas config.QuotaTable, whitelist *Whitelist, opts ...Option) *Ledger {
	l := &Ledger{
		kv:        kv,
		quotas:    quotas,
		whitelist: whitelist,
		now:       time.Now,
	}
	if l.whitelist == nil {
		l.whitelist = NewWhitelist(kv)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Consume(ctx context.Context, identifier string, tier models.Tier, category models.Category, points int) Result {
	if points < 1 {
		points = 1
	}
	now := l.now()

	if ok, err := l.IsWhitelisted(ctx, identifier); err != nil {
		logger.Warn("whitelist lookup failed",
			logger.String("identifier", identifier),
			logger.Err(err),
		)
	} else if ok {
		return Result{Allowed: true, Unlimited: true}
	}

	rule, ok := l.quotas.Lookup(tier, category)
	if !ok {
		return Result{Allowed: true, Unlimited: true}
	}

	blockTTL, err := l.kv.TTL(ctx, blockKey(identifier, category))
	switch {
	case err == nil:
		retry := blockTTL
		if retry <= 0 {
			retry = rule.BlockDuration()
		}
		return Result{
			Blocked:    true,
			Limit:      rule.Limit,
			RetryAfter: retry,
			ResetAt:    now.Add(retry),
		}
	case !errors.Is(err, storage.ErrNotFound):
		return l.failOpen(identifier, category, rule, now, err)
	}

	counter, err := l.kv.IncrByIfWithin(ctx, counterKey(identifier, category), int64(points), int64(rule.Limit), rule.Window())
	if err != nil {
		return l.failOpen(identifier, category, rule, now, err)
	}

	if counter.Applied {
		return Result{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: remaining(rule.Limit, counter.Value),
			ResetAt:   resetAt(now, counter.TTL, rule.Window()),
		}
	}

	res := Result{
		Limit:      rule.Limit,
		Remaining:  remaining(rule.Limit, counter.Value),
		RetryAfter: rule.Window(),
		ResetAt:    resetAt(now, counter.TTL, rule.Window()),
	}

	if rule.Blocks() {
		if err := l.kv.Set(ctx, blockKey(identifier, category), strconv.FormatInt(now.UnixMilli(), 10), rule.BlockDuration()); err != nil {
			logger.Warn("failed to create quota block",
				logger.String("identifier", identifier),
				logger.String("category", string(category)),
				logger.Err(err),
			)
		} else {
			res.Blocked = true
			res.RetryAfter = rule.BlockDuration()
			res.ResetAt = now.Add(rule.BlockDuration())
		}
	}

	if l.violations != nil {
		reason := fmt.Sprintf("Rate limit exceeded for %s (%s tier)", category, tier)
		if err := l.violations.RecordViolation(ctx, identifier, reason); err != nil {
			logger.Warn("failed to record quota violation",
				logger.String("identifier", identifier),
				logger.Err(err),
			)
		}
	}

	logger.Debug("quota exceeded",
		logger.String("identifier", identifier),
		logger.String("tier", string(tier)),
		logger.String("category", string(category)),
		logger.Bool("blocked", res.Blocked),
	)
	return res
}

func (l *Ledger) failOpen(identifier string, category models.Category, rule config.QuotaRule, now time.Time, err error) Result {
	logger.Warn("quota store unavailable, admitting request",
		logger.String("identifier", identifier),
		logger.String("category", string(category)),
		logger.Err(err),
	)
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		ResetAt:   now.Add(rule.Window()),
		FailOpen:  true,
	}
}

// GetRemaining reports the caller's current standing without consuming.
func (l *Ledger) GetRemaining(ctx context.Context, identifier string, tier models.Tier, category models.Category) (Quota, error) {
	rule, ok := l.quotas.Lookup(tier, category)
	if !ok {
		return Quota{Unlimited: true}, nil
	}
	now := l.now()

	q := Quota{
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		Window:    rule.Window(),
		ResetAt:   now.Add(rule.Window()),
	}

	val, err := l.kv.Get(ctx, counterKey(identifier, category))
	switch {
	case err == nil:
		consumed, err := strconv.Atoi(val)
		if err != nil {
			return Quota{}, fmt.Errorf("corrupt quota counter for %s: %w", identifier, err)
		}
		q.Consumed = consumed
		q.Remaining = remaining(rule.Limit, int64(consumed))
		if ttl, err := l.kv.TTL(ctx, counterKey(identifier, category)); err == nil {
			q.ResetAt = resetAt(now, ttl, rule.Window())
		}
	case !errors.Is(err, storage.ErrNotFound):
		return Quota{}, fmt.Errorf("failed to read quota counter: %w", err)
	}

	ttl, err := l.kv.TTL(ctx, blockKey(identifier, category))
	switch {
	case err == nil:
		q.Blocked = true
		if ttl > 0 {
			q.BlockedFor = ttl
		}
	case !errors.Is(err, storage.ErrNotFound):
		return Quota{}, fmt.Errorf("failed to read quota block: %w", err)
	}

	return q, nil
}

// ResetLimit drops both the counter and any QuotaBlock. Repeating it is a no-op.
func (l *Ledger) ResetLimit(ctx context.Context, identifier string, category models.Category) error {
	if err := l.kv.Del(ctx, counterKey(identifier, category), blockKey(identifier, category)); err != nil {
		return fmt.Errorf("failed to reset quota: %w", err)
	}
	return nil
}

func (l *Ledger) Whitelist(ctx context.Context, identifier string, ttl time.Duration) error {
	return l.whitelist.Add(ctx, identifier, ttl)
}

func (l *Ledger) IsWhitelisted(ctx context.Context, identifier string) (bool, error) {
	return l.whitelist.IsWhitelisted(ctx, identifier)
}

func (l *Ledger) RemoveWhitelist(ctx context.Context, identifier string) error {
	return l.whitelist.Remove(ctx, identifier)
}

func remaining(limit int, consumed int64) int {
	r := int64(limit) - consumed
	if r < 0 {
		return 0
	}
	return int(r)
}

func resetAt(now time.Time, ttl, window time.Duration) time.Time {
	if ttl <= 0 {
		return now.Add(window)
	}
	return now.Add(ttl)
}
