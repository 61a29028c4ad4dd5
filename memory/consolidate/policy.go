// Package consolidate migrates high-value Tier1 entries toward the
// long-term tiers: it scores candidates, deduplicates near-identical ones,
// and hands survivors to the Tier2/Tier3 backends, either on demand, on a
// cron schedule, or in a background loop.
package consolidate

import (
	"time"

	"github.com/stratamem/strata-go/memory/tier1"
)

// Policy is a pure predicate deciding whether a Tier1 candidate qualifies
// for consolidation. The pipeline composes its policies with OR semantics:
// satisfying any one policy is enough.
type Policy interface {
	ShouldConsolidate(c tier1.Candidate, now time.Time) bool
}

// AccessCountPolicy qualifies entries retrieved at least MinAccessCount
// times.
type AccessCountPolicy struct {
	MinAccessCount int
}

// ShouldConsolidate implements Policy.
func (p AccessCountPolicy) ShouldConsolidate(c tier1.Candidate, _ time.Time) bool {
	return c.AccessCount >= p.MinAccessCount
}

// TimeBasedPolicy qualifies entries older than MinAge.
type TimeBasedPolicy struct {
	MinAge time.Duration
}

// ShouldConsolidate implements Policy.
func (p TimeBasedPolicy) ShouldConsolidate(c tier1.Candidate, now time.Time) bool {
	if c.Entry.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(c.Entry.CreatedAt) >= p.MinAge
}

func anyPolicyMatches(policies []Policy, c tier1.Candidate, now time.Time) bool {
	for _, p := range policies {
		if p.ShouldConsolidate(c, now) {
			return true
		}
	}
	return false
}
