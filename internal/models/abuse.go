package models

import (
	"fmt"
	"time"
)

// Violation is one timestamped entry of an abuse record's violation log.
type Violation struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.At.UTC().Format(time.RFC3339), v.Reason)
}

// AbuseRecord is the behavioral history kept per identifier. Violations holds
// only the most recent entries; ViolationCount is how many were recorded since
// the last block.
type AbuseRecord struct {
	RequestCount       int64       `json:"request_count"`
	FailedAuthAttempts int         `json:"failed_auth_attempts"`
	FailedAuthFlagged  bool        `json:"failed_auth_flagged"`
	Violations         []Violation `json:"violations"`
	ViolationCount     int         `json:"violation_count"`
	FirstSeen          time.Time   `json:"first_seen"`
	LastSeen           time.Time   `json:"last_seen"`
	IPAddresses        []string    `json:"ip_addresses"`
}

// AddIP inserts ip into the set of observed addresses. It reports whether the
// set grew.
func (r *AbuseRecord) AddIP(ip string) bool {
	if ip == "" {
		return false
	}
	for _, seen := range r.IPAddresses {
		if seen == ip {
			return false
		}
	}
	r.IPAddresses = append(r.IPAddresses, ip)
	return true
}

// AddViolation appends to the log and drops the oldest entries beyond keep.
// keep <= 0 leaves the log unbounded.
func (r *AbuseRecord) AddViolation(at time.Time, reason string, keep int) {
	r.ViolationCount++
	r.Violations = append(r.Violations, Violation{At: at, Reason: reason})
	if keep > 0 && len(r.Violations) > keep {
		r.Violations = append([]Violation(nil), r.Violations[len(r.Violations)-keep:]...)
	}
}

// ResetScoring clears the counters the abuse score is computed from. The
// violation log and the IP set are kept for inspection.
func (r *AbuseRecord) ResetScoring(now time.Time) {
	r.RequestCount = 0
	r.FailedAuthAttempts = 0
	r.FailedAuthFlagged = false
	r.ViolationCount = 0
	r.FirstSeen = now
}

// ViolationStrings renders the violation log in insertion order.
func (r *AbuseRecord) ViolationStrings() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	return out
}
