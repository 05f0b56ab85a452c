package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/aman-churiwal/admission-gateway/internal/admission"
	"github.com/gin-gonic/gin"
)

// Admitter decides whether a request may proceed.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) admission.Decision
}

// Admission runs every request through the guard, exposes the quota state as
// rate-limit headers and turns denials into 429 responses.
func Admission(guard Admitter, routes *RouteTable) gin.HandlerFunc {
	return func(c *gin.Context) {
		policy := routes.Resolve(c.Request.URL.Path)

		d := guard.Admit(c.Request.Context(), admission.Request{
			CallerID: c.GetString(ContextCallerID),
			Role:     c.GetString(ContextRole),
			ClientIP: c.ClientIP(),
			Path:     c.Request.URL.Path,
			Category: policy.Category,
			Points:   policy.Points,
			Skip:     policy.Skip,
		})

		if d.Identifier != "" {
			c.Set(ContextIdentifier, d.Identifier)
		}
		setRateLimitHeaders(c, d)

		if d.Admitted {
			c.Next()
			return
		}

		c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, denialBody(d))
	}
}

func setRateLimitHeaders(c *gin.Context, d admission.Decision) {
	if !d.HasQuota() {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	c.Header("X-RateLimit-Category", string(d.Category))
}

// denialBody keeps abuse internals out of quota denials.
func denialBody(d admission.Decision) gin.H {
	body := gin.H{
		"reason":      d.Reason,
		"retry_after": d.RetryAfterSeconds,
		"remaining":   d.Remaining,
	}

	switch d.Reason {
	case admission.ReasonAbuse:
		body["error"] = "Request blocked due to suspicious activity"
		body["violations"] = d.Violations
	case admission.ReasonPriorBlock:
		body["error"] = "Access temporarily blocked"
	default:
		if d.Blocked {
			body["error"] = "Rate limit exceeded, access temporarily blocked"
		} else {
			body["error"] = "Rate limit exceeded"
		}
	}
	return body
}
