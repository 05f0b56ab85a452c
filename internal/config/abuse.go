package config

import "time"

// AbusePolicy holds the weights and thresholds of the abuse heuristic. The
// score is the capped sum of the terms; tuning happens here, not in code.
type AbusePolicy struct {
	RapidFireThreshold float64       `yaml:"rapid_fire_threshold"` // requests per second
	RapidFireWindow    time.Duration `yaml:"rapid_fire_window"`
	RapidFireWeight    int           `yaml:"rapid_fire_weight"`

	FailedAuthWeight             int `yaml:"failed_auth_weight"`
	FailedAuthCap                int `yaml:"failed_auth_cap"`
	FailedAuthViolationThreshold int `yaml:"failed_auth_violation_threshold"`

	ViolationWeight int `yaml:"violation_weight"`
	ViolationCap    int `yaml:"violation_cap"`

	// ViolationLogSize bounds the stored violation log; the score reads the
	// running count, not the log.
	ViolationLogSize int `yaml:"violation_log_size"`

	IPChurnThreshold int `yaml:"ip_churn_threshold"`
	IPChurnWeight    int `yaml:"ip_churn_weight"`

	AdminPathPatterns   []string `yaml:"admin_path_patterns"`
	SensitivePathWeight int      `yaml:"sensitive_path_weight"`

	AbuseScoreLimit    int           `yaml:"abuse_score_limit"`
	AbuseBlockDuration time.Duration `yaml:"abuse_block_duration"`
	RecordRetention    time.Duration `yaml:"record_retention"`
}

const MaxAbuseScore = 100
