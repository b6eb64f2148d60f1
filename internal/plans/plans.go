// Package plans holds the static per-plan quota table.
package plans

import "strings"

// SystemMaxWorkers is the default global ceiling on concurrently active document tasks.
const SystemMaxWorkers = 2

// Limits is the quota set attached to a plan.
type Limits struct {
	Name              string `json:"name"`
	MaxRunsConcurrent int    `json:"max_runs_concurrent"`
	MaxDocsPerRun     int    `json:"max_docs_per_run"`
	MaxDocsConcurrent int    `json:"max_docs_concurrent"`
	RateLimitRPM      int    `json:"rate_limit_rpm"`
	AIEnabled         bool   `json:"ai_enabled"`
}

var (
	Free = Limits{
		Name:              "free",
		MaxRunsConcurrent: 1,
		MaxDocsPerRun:     1,
		MaxDocsConcurrent: 1,
		RateLimitRPM:      60,
		AIEnabled:         true,
	}
	Premium = Limits{
		Name:              "premium",
		MaxRunsConcurrent: 2,
		MaxDocsPerRun:     3,
		MaxDocsConcurrent: 3,
		RateLimitRPM:      300,
		AIEnabled:         true,
	}
)

// Lookup returns the limits for a plan name. Unknown names get the free plan.
func Lookup(name string) Limits {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Premium.Name:
		return Premium
	default:
		return Free
	}
}

// Names lists the known plans in display order.
func Names() []string { return []string{Free.Name, Premium.Name} }
