package ratelimit

import (
	"context"

	"github.com/aman-churiwal/admission-gateway/internal/models"
)

// Limiter is the quota side of an admission decision.
type Limiter interface {
	Consume(ctx context.Context, identifier string, tier models.Tier, category models.Category, points int) Result

	GetRemaining(ctx context.Context, identifier string, tier models.Tier, category models.Category) (Quota, error)

	ResetLimit(ctx context.Context, identifier string, category models.Category) error
}

// Allowlist answers whether an identifier currently bypasses admission checks.
type Allowlist interface {
	IsWhitelisted(ctx context.Context, identifier string) (bool, error)
}

// ViolationRecorder receives quota breaches. The abuse profiler implements it
// so repeated breaches feed the abuse score.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, identifier, reason string) error
}
