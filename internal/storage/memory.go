package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryKV is an in-process KV with per-key expiry. It backs single-instance
// deployments and tests; multi-instance deployments need Redis.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type MemoryOption func(*MemoryKV)

// WithClock replaces time.Now, letting tests move across window boundaries.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryKV) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *MemoryKV {
	m := &MemoryKV{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup must be called with mu held.
func (m *MemoryKV) lookup(key string, now time.Time) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key, m.now())
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryKV) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(key, m.now())
	return ok, nil
}

func (m *MemoryKV) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.lookup(key, now)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(now), nil
}

func (m *MemoryKV) IncrByIfWithin(_ context.Context, key string, delta, max int64, ttl time.Duration) (CounterResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.lookup(key, now)

	var current int64
	if ok {
		v, err := parseInt(e.value)
		if err != nil {
			return CounterResult{}, fmt.Errorf("value at %s is not an integer: %w", key, err)
		}
		current = v
	}

	if current+delta > max {
		res := CounterResult{Value: current}
		if ok && !e.expiresAt.IsZero() {
			res.TTL = e.expiresAt.Sub(now)
		}
		return res, nil
	}

	next := memoryEntry{value: strconv.FormatInt(current+delta, 10), expiresAt: e.expiresAt}
	if !ok || next.expiresAt.IsZero() {
		next.expiresAt = now.Add(ttl)
	}
	m.entries[key] = next

	return CounterResult{Value: current + delta, Applied: true, TTL: next.expiresAt.Sub(now)}, nil
}

func (m *MemoryKV) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var keys []string
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) Ping(context.Context) error {
	return nil
}

// Cleanup drops expired entries. Reads already ignore them; this only bounds memory.
func (m *MemoryKV) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (m *MemoryKV) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Cleanup()
			}
		}
	}()
}
