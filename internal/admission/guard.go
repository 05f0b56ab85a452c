package admission

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/abuse"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
)

// Profiler is the abuse side of an admission decision.
type Profiler interface {
	IsBlocked(ctx context.Context, identifier string) (bool, error)
	BlockedUntil(ctx context.Context, identifier string) (time.Time, bool, error)
	RecordRequest(ctx context.Context, identifier, ip string) error
	Detect(ctx context.Context, identifier, ip, path string) abuse.Detection
}

// Analytics observes every terminal decision.
type Analytics interface {
	RecordRequest(identifier string, blocked bool, latency time.Duration)
	RecordAbuseDetection(identifier string)
}

// Guard runs the per-request admission state machine. It never returns an
// error: store failures and internal defects both end in ADMITTED.
type Guard struct {
	limiter     ratelimit.Limiter
	allowlist   ratelimit.Allowlist
	profiler    Profiler
	analytics   Analytics
	roleTiers   map[string]models.Tier
	defaultTier models.Tier
	now         func() time.Time
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(auth config.AuthConfig, limiter ratelimit.Limiter, allowlist ratelimit.Allowlist, profiler Profiler, analytics Analytics, opts ...Option) *Guard {
	roles := make(map[string]models.Tier, len(auth.RoleTiers))
	for role, tier := range auth.RoleTiers {
		roles[strings.ToLower(role)] = tier
	}
	def := auth.DefaultTier
	if def == "" {
		def = models.TierBasic
	}

	g := &Guard{
		limiter:     limiter,
		allowlist:   allowlist,
		profiler:    profiler,
		analytics:   analytics,
		roleTiers:   roles,
		defaultTier: def,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Admit(ctx context.Context, req Request) (d Decision) {
	if req.Skip {
		return Decision{Admitted: true, Reason: ReasonNone, Unlimited: true}
	}

	start := time.Now()
	d = Decision{Admitted: true, Reason: ReasonNone}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("admission guard failed, admitting request",
				logger.Any("panic", r),
				logger.String("identifier", d.Identifier),
				logger.String("path", req.Path),
			)
			d = Decision{
				Admitted:   true,
				Reason:     ReasonNone,
				Identifier: d.Identifier,
				Tier:       d.Tier,
				Category:   d.Category,
				Unlimited:  true,
			}
			g.observe(d, start)
		}
	}()

	d.Identifier = Identifier(req.CallerID, req.ClientIP)
	d.Tier = g.ResolveTier(req.CallerID, req.Role)
	d.Category = req.Category
	if d.Category == "" {
		d.Category = models.CategoryPublic
	}
	points := req.Points
	if points < 1 {
		points = 1
	}

	if g.isWhitelisted(ctx, d.Identifier) {
		d.Unlimited = true
		g.observe(d, start)
		return d
	}

	if denied, ok := g.checkPriorBlock(ctx, d); ok {
		g.observe(denied, start)
		return denied
	}

	if err := g.profiler.RecordRequest(ctx, d.Identifier, req.ClientIP); err != nil {
		logger.Warn("failed to record request for abuse profiling",
			logger.String("identifier", d.Identifier),
			logger.Err(err),
		)
	}

	if det := g.profiler.Detect(ctx, d.Identifier, req.ClientIP, req.Path); det.Abuser {
		d.Admitted = false
		d.Reason = ReasonAbuse
		d.Violations = det.Violations
		d.RetryAfterSeconds = retryAfterSeconds(g.untilOrDefault(det.BlockedUntil).Sub(g.now()))
		if g.analytics != nil {
			g.analytics.RecordAbuseDetection(d.Identifier)
		}
		g.observe(d, start)
		return d
	}

	res := g.limiter.Consume(ctx, d.Identifier, d.Tier, d.Category, points)
	d.Unlimited = res.Unlimited
	d.Limit = res.Limit
	d.Remaining = res.Remaining
	d.ResetAt = res.ResetAt
	if !res.Allowed {
		d.Admitted = false
		d.Reason = ReasonQuota
		d.Blocked = res.Blocked
		d.RetryAfterSeconds = retryAfterSeconds(res.RetryAfter)
	}

	g.observe(d, start)
	return d
}

func (g *Guard) checkPriorBlock(ctx context.Context, d Decision) (Decision, bool) {
	blocked, err := g.profiler.IsBlocked(ctx, d.Identifier)
	if err != nil {
		logger.Warn("abuse block lookup failed, continuing",
			logger.String("identifier", d.Identifier),
			logger.Err(err),
		)
		return d, false
	}
	if !blocked {
		return d, false
	}

	until, ok, err := g.profiler.BlockedUntil(ctx, d.Identifier)
	if err != nil || !ok {
		until = g.now()
	}

	d.Admitted = false
	d.Reason = ReasonPriorBlock
	d.RetryAfterSeconds = retryAfterSeconds(until.Sub(g.now()))
	return d, true
}

func (g *Guard) isWhitelisted(ctx context.Context, identifier string) bool {
	if g.allowlist == nil {
		return false
	}
	ok, err := g.allowlist.IsWhitelisted(ctx, identifier)
	if err != nil {
		logger.Warn("whitelist lookup failed",
			logger.String("identifier", identifier),
			logger.Err(err),
		)
		return false
	}
	return ok
}

func (g *Guard) observe(d Decision, start time.Time) {
	if g.analytics == nil {
		return
	}
	g.analytics.RecordRequest(d.Identifier, !d.Admitted, time.Since(start))
}

func (g *Guard) untilOrDefault(until *time.Time) time.Time {
	if until == nil {
		return g.now()
	}
	return *until
}

// ResolveTier maps the caller's role to a quota tier. Anonymous callers get
// FREE; authenticated callers with an unmapped role get the default tier.
func (g *Guard) ResolveTier(callerID, role string) models.Tier {
	if callerID == "" {
		return models.TierFree
	}
	if tier, ok := g.roleTiers[strings.ToLower(strings.TrimSpace(role))]; ok {
		return tier
	}
	return g.defaultTier
}

// Identifier is the admission subject: the caller id, or the client address
// for anonymous traffic.
func Identifier(callerID, clientIP string) string {
	if callerID != "" {
		return callerID
	}
	return "ip:" + clientIP
}

// retryAfterSeconds rounds up so a client never retries early. Denials always
// report at least one second.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
