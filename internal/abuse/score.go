package abuse

import (
	"regexp"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/models"
)

// Breakdown lists the contribution of every heuristic term. Total is the
// capped sum.
type Breakdown struct {
	RapidFire     int `json:"rapid_fire"`
	FailedAuth    int `json:"failed_auth"`
	Violations    int `json:"violations"`
	IPChurn       int `json:"ip_churn"`
	SensitivePath int `json:"sensitive_path"`
	Total         int `json:"total"`
}

type scorer struct {
	policy     config.AbusePolicy
	adminPaths []*regexp.Regexp
}

func newScorer(policy config.AbusePolicy) (scorer, error) {
	s := scorer{policy: policy}
	for _, p := range policy.AdminPathPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return scorer{}, err
		}
		s.adminPaths = append(s.adminPaths, re)
	}
	return s, nil
}

// score evaluates rec as of now. ip counts toward the IP set even if the
// record has not seen it yet; an empty path skips the sensitive path term.
func (s scorer) score(rec *models.AbuseRecord, ip, path string, now time.Time) Breakdown {
	var b Breakdown
	if rec != nil {
		b.RapidFire = s.rapidFire(rec, now)
		b.FailedAuth = min(rec.FailedAuthAttempts*s.policy.FailedAuthWeight, s.policy.FailedAuthCap)
		b.Violations = min(rec.ViolationCount*s.policy.ViolationWeight, s.policy.ViolationCap)
		b.IPChurn = s.ipChurn(rec, ip)
	}
	if path != "" && s.isSensitive(path) {
		b.SensitivePath = s.policy.SensitivePathWeight
	}

	b.Total = min(b.RapidFire+b.FailedAuth+b.Violations+b.IPChurn+b.SensitivePath, config.MaxAbuseScore)
	return b
}

func (s scorer) rapidFire(rec *models.AbuseRecord, now time.Time) int {
	if rec.LastSeen.IsZero() || now.Sub(rec.LastSeen) > s.policy.RapidFireWindow {
		return 0
	}

	elapsed := now.Sub(rec.FirstSeen)
	if elapsed < time.Second {
		elapsed = time.Second
	}
	if float64(rec.RequestCount)/elapsed.Seconds() > s.policy.RapidFireThreshold {
		return s.policy.RapidFireWeight
	}
	return 0
}

func (s scorer) ipChurn(rec *models.AbuseRecord, ip string) int {
	distinct := len(rec.IPAddresses)
	if ip != "" && !contains(rec.IPAddresses, ip) {
		distinct++
	}
	if distinct > s.policy.IPChurnThreshold {
		return s.policy.IPChurnWeight
	}
	return 0
}

func (s scorer) isSensitive(path string) bool {
	for _, re := range s.adminPaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
