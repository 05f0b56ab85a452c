package models

import (
	"fmt"
	"strings"
)

// Tier is the caller's subscription class. It selects the quota row.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierBasic      Tier = "BASIC"
	TierPremium    Tier = "PREMIUM"
	TierEnterprise Tier = "ENTERPRISE"
)

var tiers = []Tier{TierFree, TierBasic, TierPremium, TierEnterprise}

// Category is a coarse classification of the endpoint being called.
type Category string

const (
	CategoryPublic    Category = "PUBLIC"
	CategoryAuth      Category = "AUTH"
	CategoryFinancial Category = "FINANCIAL"
	CategoryProperty  Category = "PROPERTY"
	CategoryUser      Category = "USER"
	CategoryAdmin     Category = "ADMIN"
	CategoryUpload    Category = "UPLOAD"
)

var categories = []Category{
	CategoryPublic,
	CategoryAuth,
	CategoryFinancial,
	CategoryProperty,
	CategoryUser,
	CategoryAdmin,
	CategoryUpload,
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range tiers {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}
