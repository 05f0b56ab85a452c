package admission

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
)

type Reason string

const (
	ReasonNone       Reason = "NONE"
	ReasonQuota      Reason = "QUOTA"
	ReasonAbuse      Reason = "ABUSE"
	ReasonPriorBlock Reason = "PRIOR_BLOCK"
)

// Request is everything the guard needs to know about one inbound call.
type Request struct {
	// CallerID is the authenticated subject, empty for anonymous callers.
	CallerID string
	Role     string
	ClientIP string
	Path     string
	Category models.Category
	Points   int
	// Skip marks quota-exempt routes such as health checks.
	Skip bool
}

// Decision is the guard's verdict plus the metadata the transport exposes as
// rate-limit headers.
type Decision struct {
	Admitted          bool
	Reason            Reason
	Identifier        string
	Tier              models.Tier
	Category          models.Category
	Limit             int
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int
	// Blocked is set on quota denials backed by a QuotaBlock.
	Blocked bool
	// Violations is only filled for abuse denials.
	Violations []string
	// Unlimited is set when no quota applied (whitelist, missing row, skip).
	Unlimited bool
}

// HasQuota reports whether Limit, Remaining and ResetAt carry a quota.
func (d Decision) HasQuota() bool {
	return !d.Unlimited && !d.ResetAt.IsZero()
}
