package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/storage"
)

var ErrInvalidTTL = errors.New("whitelist ttl must be positive")

// Whitelist stores time-bounded bypass entries in the shared store.
type Whitelist struct {
	kv storage.KV
}

func NewWhitelist(kv storage.KV) *Whitelist {
	return &Whitelist{kv: kv}
}

func (w *Whitelist) Add(ctx context.Context, identifier string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return w.kv.Set(ctx, whitelistKey(identifier), "1", ttl)
}

func (w *Whitelist) IsWhitelisted(ctx context.Context, identifier string) (bool, error) {
	return w.kv.Exists(ctx, whitelistKey(identifier))
}

func (w *Whitelist) Remove(ctx context.Context, identifier string) error {
	return w.kv.Del(ctx, whitelistKey(identifier))
}
