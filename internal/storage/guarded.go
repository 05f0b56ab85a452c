package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
)

// Guarded bounds every store call with a timeout and trips a circuit breaker
// after repeated failures. Callers then see circuitbreaker.ErrCircuitOpen
// immediately and take their fail-open path.
type Guarded struct {
	kv      KV
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

type GuardOptions struct {
	Timeout        time.Duration
	MaxFailures    int
	BreakerTimeout time.Duration
	Now            func() time.Time
}

func NewGuarded(kv KV, opts GuardOptions) *Guarded {
	if opts.Timeout <= 0 {
		opts.Timeout = 250 * time.Millisecond
	}

	cb := circuitbreaker.New(circuitbreaker.Config{
		MaxFailures: opts.MaxFailures,
		Timeout:     opts.BreakerTimeout,
		Now:         opts.Now,
		// A missing key is an answer, not an outage.
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(from, to circuitbreaker.State) {
			if to == circuitbreaker.StateOpen {
				logger.Warn("store circuit opened",
					logger.String("from", from.String()),
				)
				return
			}
			logger.Info("store circuit state changed",
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})

	return &Guarded{kv: kv, breaker: cb, timeout: opts.Timeout}
}

func (g *Guarded) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

func (g *Guarded) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	return g.breaker.Call(func() error {
		return fn(ctx)
	})
}

func (g *Guarded) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		val, err = g.kv.Get(ctx, key)
		return err
	})
	return val, err
}

func (g *Guarded) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.kv.Set(ctx, key, value, ttl)
	})
}

func (g *Guarded) Del(ctx context.Context, keys ...string) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.kv.Del(ctx, keys...)
	})
}

func (g *Guarded) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		ok, err = g.kv.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (g *Guarded) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		ttl, err = g.kv.TTL(ctx, key)
		return err
	})
	return ttl, err
}

func (g *Guarded) IncrByIfWithin(ctx context.Context, key string, delta, max int64, ttl time.Duration) (CounterResult, error) {
	var res CounterResult
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.kv.IncrByIfWithin(ctx, key, delta, max, ttl)
		return err
	})
	return res, err
}

func (g *Guarded) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		keys, err = g.kv.Keys(ctx, pattern)
		return err
	})
	return keys, err
}

// Ping bypasses the breaker so health checks report the real store state.
func (g *Guarded) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.kv.Ping(ctx)
}
