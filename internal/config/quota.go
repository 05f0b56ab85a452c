package config

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
)

// QuotaRule is one row of the tier × category quota table.
type QuotaRule struct {
	Tier          models.Tier     `yaml:"tier"`
	Category      models.Category `yaml:"category"`
	Limit         int             `yaml:"limit"`
	WindowSeconds int             `yaml:"window_seconds"`
	// BlockSeconds is optional. When nil a breach throttles for the rest of the
	// window but never creates a punitive block.
	BlockSeconds *int `yaml:"block_seconds,omitempty"`
}

func (q QuotaRule) Window() time.Duration {
	return time.Duration(q.WindowSeconds) * time.Second
}

func (q QuotaRule) BlockDuration() time.Duration {
	if q.BlockSeconds == nil {
		return 0
	}
	return time.Duration(*q.BlockSeconds) * time.Second
}

func (q QuotaRule) Blocks() bool {
	return q.BlockSeconds != nil
}

type QuotaKey struct {
	Tier     models.Tier
	Category models.Category
}

// QuotaTable is read-only after construction and safe for concurrent use.
type QuotaTable struct {
	rules map[QuotaKey]QuotaRule
}

func NewQuotaTable(rules []QuotaRule) QuotaTable {
	t := QuotaTable{rules: make(map[QuotaKey]QuotaRule, len(rules))}
	for _, r := range rules {
		t.rules[QuotaKey{Tier: r.Tier, Category: r.Category}] = r
	}
	return t
}

// Lookup returns the rule for (tier, category). A missing row means unlimited.
func (t QuotaTable) Lookup(tier models.Tier, category models.Category) (QuotaRule, bool) {
	r, ok := t.rules[QuotaKey{Tier: tier, Category: category}]
	return r, ok
}

func (t QuotaTable) Len() int {
	return len(t.rules)
}
