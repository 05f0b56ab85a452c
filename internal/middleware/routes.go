package middleware

import (
	"sort"
	"strings"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/models"
)

// RouteTable resolves the quota metadata for a request path by longest
// matching prefix. Unmatched paths are PUBLIC and cost one point.
type RouteTable struct {
	policies []config.RoutePolicy
}

func NewRouteTable(policies []config.RoutePolicy) *RouteTable {
	sorted := make([]config.RoutePolicy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &RouteTable{policies: sorted}
}

func (t *RouteTable) Resolve(path string) config.RoutePolicy {
	for _, p := range t.policies {
		if matchPrefix(path, p.Prefix) {
			if p.Category == "" {
				p.Category = models.CategoryPublic
			}
			if p.Points < 1 {
				p.Points = 1
			}
			return p
		}
	}
	return config.RoutePolicy{Prefix: "/", Category: models.CategoryPublic, Points: 1}
}

// matchPrefix matches whole path segments, so /api/users does not cover
// /api/usersettings.
func matchPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
