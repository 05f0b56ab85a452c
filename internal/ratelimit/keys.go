package ratelimit

import "github.com/aman-churiwal/admission-gateway/internal/models"

const (
	counterPrefix   = "quota:count:"
	blockPrefix     = "quota:block:"
	whitelistPrefix = "whitelist:"
)

func counterKey(identifier string, category models.Category) string {
	return counterPrefix + identifier + ":" + string(category)
}

func blockKey(identifier string, category models.Category) string {
	return blockPrefix + identifier + ":" + string(category)
}

func whitelistKey(identifier string) string {
	return whitelistPrefix + identifier
}
