package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Redis    RedisConfig    `yaml:"redis"`
	Store    StoreConfig    `yaml:"store"`
	Postgres PostgresConfig `yaml:"postgres"`
	Auth     AuthConfig     `yaml:"auth"`
	Quotas   []QuotaRule    `yaml:"quotas"`
	Routes   []RoutePolicy  `yaml:"routes"`
	Abuse    AbusePolicy    `yaml:"abuse"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	Environment  string        `yaml:"environment"`
	UpstreamURL  string        `yaml:"upstream_url"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// TrustedProxies is handed to gin so ClientIP honours X-Forwarded-For
	// only from these addresses.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig selects the shared store. An empty Addr runs the engine on the
// in-process store, which is only correct for a single instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type StoreConfig struct {
	OperationTimeout   time.Duration `yaml:"operation_timeout"`
	BreakerMaxFailures int           `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
}

// PostgresConfig enables the snapshot archive when DSN is set.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret"`
	AdminTokenHash string `yaml:"admin_token_hash"`
	// RoleTiers maps a JWT role claim to a quota tier.
	RoleTiers map[string]models.Tier `yaml:"role_tiers"`
	// DefaultTier applies to authenticated callers whose role is not mapped.
	DefaultTier models.Tier `yaml:"default_tier"`
}

type MetricsConfig struct {
	FlushInterval              time.Duration `yaml:"flush_interval"`
	CleanupInterval            time.Duration `yaml:"cleanup_interval"`
	RetentionDays              int           `yaml:"retention_days"`
	FlushTimeout               time.Duration `yaml:"flush_timeout"`
	BlockedPercentageThreshold float64       `yaml:"blocked_percentage_threshold"`
	AbuseDetectionsThreshold   int64         `yaml:"abuse_detections_threshold"`
}

func (m MetricsConfig) Retention() time.Duration {
	return time.Duration(m.RetentionDays) * 24 * time.Hour
}

type AlertsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// RoutePolicy attaches quota metadata to every path under Prefix.
type RoutePolicy struct {
	Prefix   string          `yaml:"prefix"`
	Category models.Category `yaml:"category"`
	Points   int             `yaml:"points"`
	Skip     bool            `yaml:"skip"`
}

// Load reads the YAML file at path on top of the built-in defaults and then
// applies environment overrides. An empty path uses defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(file, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		c.Server.UpstreamURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_TOKEN_HASH"); v != "" {
		c.Auth.AdminTokenHash = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Alerts.KafkaBrokers = splitList(v)
	}
}

// normalize upper-cases tier and category names so YAML may use any case.
func (c *Config) normalize() {
	for i := range c.Quotas {
		c.Quotas[i].Tier = models.Tier(strings.ToUpper(strings.TrimSpace(string(c.Quotas[i].Tier))))
		c.Quotas[i].Category = models.Category(strings.ToUpper(strings.TrimSpace(string(c.Quotas[i].Category))))
	}
	for i := range c.Routes {
		c.Routes[i].Category = models.Category(strings.ToUpper(strings.TrimSpace(string(c.Routes[i].Category))))
	}
	for role, tier := range c.Auth.RoleTiers {
		c.Auth.RoleTiers[role] = models.Tier(strings.ToUpper(strings.TrimSpace(string(tier))))
	}
	c.Auth.DefaultTier = models.Tier(strings.ToUpper(strings.TrimSpace(string(c.Auth.DefaultTier))))
}

func (c *Config) Validate() error {
	seen := make(map[QuotaKey]bool, len(c.Quotas))
	for _, q := range c.Quotas {
		if _, err := models.ParseTier(string(q.Tier)); err != nil {
			return fmt.Errorf("%w: quota row: %v", ErrInvalidConfig, err)
		}
		if _, err := models.ParseCategory(string(q.Category)); err != nil {
			return fmt.Errorf("%w: quota row: %v", ErrInvalidConfig, err)
		}
		if q.Limit < 0 {
			return fmt.Errorf("%w: quota %s/%s: limit must be >= 0", ErrInvalidConfig, q.Tier, q.Category)
		}
		if q.WindowSeconds <= 0 {
			return fmt.Errorf("%w: quota %s/%s: window_seconds must be > 0", ErrInvalidConfig, q.Tier, q.Category)
		}
		if q.BlockSeconds != nil && *q.BlockSeconds <= 0 {
			return fmt.Errorf("%w: quota %s/%s: block_seconds must be > 0 when set", ErrInvalidConfig, q.Tier, q.Category)
		}
		key := QuotaKey{Tier: q.Tier, Category: q.Category}
		if seen[key] {
			return fmt.Errorf("%w: duplicate quota row %s/%s", ErrInvalidConfig, q.Tier, q.Category)
		}
		seen[key] = true
	}

	for _, r := range c.Routes {
		if r.Prefix == "" {
			return fmt.Errorf("%w: route policy without prefix", ErrInvalidConfig)
		}
		if r.Category != "" {
			if _, err := models.ParseCategory(string(r.Category)); err != nil {
				return fmt.Errorf("%w: route %s: %v", ErrInvalidConfig, r.Prefix, err)
			}
		}
		if r.Points < 0 {
			return fmt.Errorf("%w: route %s: points must be >= 0", ErrInvalidConfig, r.Prefix)
		}
	}

	for role, tier := range c.Auth.RoleTiers {
		if _, err := models.ParseTier(string(tier)); err != nil {
			return fmt.Errorf("%w: role %q: %v", ErrInvalidConfig, role, err)
		}
	}
	if _, err := models.ParseTier(string(c.Auth.DefaultTier)); err != nil {
		return fmt.Errorf("%w: default_tier: %v", ErrInvalidConfig, err)
	}

	if err := c.Abuse.Validate(); err != nil {
		return err
	}

	if c.Metrics.FlushInterval <= 0 || c.Metrics.CleanupInterval <= 0 {
		return fmt.Errorf("%w: metrics intervals must be > 0", ErrInvalidConfig)
	}
	if c.Metrics.RetentionDays <= 0 {
		return fmt.Errorf("%w: metrics retention_days must be > 0", ErrInvalidConfig)
	}
	if c.Store.OperationTimeout <= 0 {
		return fmt.Errorf("%w: store operation_timeout must be > 0", ErrInvalidConfig)
	}
	return nil
}

// QuotaTable builds the immutable lookup used by the quota ledger.
func (c *Config) QuotaTable() QuotaTable {
	return NewQuotaTable(c.Quotas)
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func (c *Config) GetServerAddr() string {
	return ":" + strings.TrimPrefix(c.Server.Port, ":")
}

func (a AbusePolicy) Validate() error {
	if a.AbuseScoreLimit <= 0 {
		return fmt.Errorf("%w: abuse_score_limit must be > 0", ErrInvalidConfig)
	}
	if a.AbuseBlockDuration <= 0 {
		return fmt.Errorf("%w: abuse_block_duration must be > 0", ErrInvalidConfig)
	}
	if a.RecordRetention <= 0 {
		return fmt.Errorf("%w: record_retention must be > 0", ErrInvalidConfig)
	}
	if a.FailedAuthViolationThreshold <= 0 {
		return fmt.Errorf("%w: failed_auth_violation_threshold must be > 0", ErrInvalidConfig)
	}
	if a.ViolationLogSize <= 0 {
		return fmt.Errorf("%w: violation_log_size must be > 0", ErrInvalidConfig)
	}
	for _, p := range a.AdminPathPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: admin path pattern %q: %v", ErrInvalidConfig, p, err)
		}
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
