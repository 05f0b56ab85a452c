package config

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Environment:  "development",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Redis:   RedisConfig{PoolSize: 50},
		Store: StoreConfig{
			OperationTimeout:   250 * time.Millisecond,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		Auth: AuthConfig{
			RoleTiers: map[string]models.Tier{
				"user":       models.TierBasic,
				"premium":    models.TierPremium,
				"enterprise": models.TierEnterprise,
				"admin":      models.TierEnterprise,
			},
			DefaultTier: models.TierBasic,
		},
		Quotas: DefaultQuotas(),
		Routes: []RoutePolicy{
			{Prefix: "/health", Skip: true},
			{Prefix: "/metrics", Skip: true},
			{Prefix: "/api/auth", Category: models.CategoryAuth, Points: 1},
			{Prefix: "/api/payments", Category: models.CategoryFinancial, Points: 1},
			{Prefix: "/api/properties", Category: models.CategoryProperty, Points: 1},
			{Prefix: "/api/users", Category: models.CategoryUser, Points: 1},
			{Prefix: "/api/admin", Category: models.CategoryAdmin, Points: 1},
			{Prefix: "/api/uploads", Category: models.CategoryUpload, Points: 5},
		},
		Abuse: DefaultAbusePolicy(),
		Metrics: MetricsConfig{
			FlushInterval:              5 * time.Minute,
			CleanupInterval:            time.Hour,
			RetentionDays:              7,
			FlushTimeout:               10 * time.Second,
			BlockedPercentageThreshold: 20,
			AbuseDetectionsThreshold:   10,
		},
		Alerts: AlertsConfig{KafkaTopic: "admission-alerts"},
	}
}

func DefaultAbusePolicy() AbusePolicy {
	return AbusePolicy{
		RapidFireThreshold:           10,
		RapidFireWindow:              10 * time.Second,
		RapidFireWeight:              30,
		FailedAuthWeight:             7,
		FailedAuthCap:                90,
		FailedAuthViolationThreshold: 10,
		ViolationWeight:              10,
		ViolationCap:                 30,
		ViolationLogSize:             20,
		IPChurnThreshold:             20,
		IPChurnWeight:                60,
		AdminPathPatterns:            []string{`^/admin(/|$)`, `^/api/admin(/|$)`},
		SensitivePathWeight:          15,
		AbuseScoreLimit:              100,
		AbuseBlockDuration:           time.Hour,
		RecordRetention:              24 * time.Hour,
	}
}

// DefaultQuotas is the built-in quota table. ENTERPRISE rows never carry a
// block duration: those callers are throttled for the window but not blocked.
// ADMIN is closed (limit 0) below ENTERPRISE and blocks on the first attempt.
func DefaultQuotas() []QuotaRule {
	type row struct {
		limit, window, block int
	}
	table := map[models.Tier]map[models.Category]row{
		models.TierFree: {
			models.CategoryPublic:    {100, 60, 0},
			models.CategoryAuth:      {5, 900, 900},
			models.CategoryFinancial: {10, 3600, 3600},
			models.CategoryProperty:  {50, 60, 0},
			models.CategoryUser:      {60, 60, 0},
			models.CategoryAdmin:     {0, 60, 3600},
			models.CategoryUpload:    {10, 3600, 1800},
		},
		models.TierBasic: {
			models.CategoryPublic:    {300, 60, 0},
			models.CategoryAuth:      {10, 900, 900},
			models.CategoryFinancial: {50, 3600, 1800},
			models.CategoryProperty:  {150, 60, 0},
			models.CategoryUser:      {200, 60, 0},
			models.CategoryAdmin:     {0, 60, 3600},
			models.CategoryUpload:    {50, 3600, 1800},
		},
		models.TierPremium: {
			models.CategoryPublic:    {1000, 60, 0},
			models.CategoryAuth:      {20, 900, 600},
			models.CategoryFinancial: {200, 3600, 900},
			models.CategoryProperty:  {500, 60, 0},
			models.CategoryUser:      {600, 60, 0},
			models.CategoryAdmin:     {0, 60, 1800},
			models.CategoryUpload:    {200, 3600, 0},
		},
		models.TierEnterprise: {
			models.CategoryPublic:    {5000, 60, 0},
			models.CategoryAuth:      {50, 900, 0},
			models.CategoryFinancial: {1000, 3600, 0},
			models.CategoryProperty:  {2000, 60, 0},
			models.CategoryUser:      {2000, 60, 0},
			models.CategoryAdmin:     {500, 60, 0},
			models.CategoryUpload:    {1000, 3600, 0},
		},
	}

	rules := make([]QuotaRule, 0, 28)
	for _, tier := range models.Tiers() {
		for _, category := range models.Categories() {
			r, ok := table[tier][category]
			if !ok {
				continue
			}
			rule := QuotaRule{
				Tier:          tier,
				Category:      category,
				Limit:         r.limit,
				WindowSeconds: r.window,
			}
			if r.block > 0 {
				block := r.block
				rule.BlockSeconds = &block
			}
			rules = append(rules, rule)
		}
	}
	return rules
}
