// Package router decides which memory tiers serve a query and fans lookups
// and writes out to them in parallel.
package router

import (
	"regexp"
	"time"

	"github.com/stratamem/strata-go/core"
)

// Strategy selects which tiers to consult for a query.
//
// Implementations are pure: no side effects, and the returned list is
// ordered, deduplicated, never empty, and holds at most three layers.
type Strategy interface {
	SelectLayers(query string, meta core.QueryMetadata) []core.Layer
}

// RecencyBasedStrategy picks tiers by how old the conversation context is:
// fresh sessions stay in the cache, older ones reach into the long-term
// tiers.
type RecencyBasedStrategy struct {
	// RecentThreshold is the session age below which only Tier1 is used.
	RecentThreshold time.Duration

	// MediumThreshold is the session age below which Tier1+Tier2 are used;
	// at or beyond it the query goes to Tier2+Tier3.
	MediumThreshold time.Duration

	clock func() time.Time
}

// NewRecencyBasedStrategy creates the strategy with the given thresholds.
// A non-positive recent falls back to 1h; a medium at or below recent falls
// back to 24× recent so the bands stay ordered.
func NewRecencyBasedStrategy(recent, medium time.Duration) *RecencyBasedStrategy {
	if recent <= 0 {
		recent = time.Hour
	}
	if medium <= recent {
		medium = 24 * recent
	}
	return &RecencyBasedStrategy{
		RecentThreshold: recent,
		MediumThreshold: medium,
		clock:           time.Now,
	}
}

// SetClock overrides the strategy's time source. Test helper.
func (s *RecencyBasedStrategy) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SelectLayers picks tiers from the elapsed session time. The reference
// point is meta.SessionStart, then meta.Timestamp, then now (elapsed zero).
func (s *RecencyBasedStrategy) SelectLayers(_ string, meta core.QueryMetadata) []core.Layer {
	ref := meta.SessionStart
	if ref.IsZero() {
		ref = meta.Timestamp
	}
	if ref.IsZero() {
		ref = s.clock()
	}
	elapsed := s.clock().Sub(ref)

	switch {
	case elapsed < s.RecentThreshold:
		return []core.Layer{core.LayerTier1}
	case elapsed < s.MediumThreshold:
		return []core.Layer{core.LayerTier1, core.LayerTier2}
	default:
		return []core.Layer{core.LayerTier2, core.LayerTier3}
	}
}

// Pattern families for query classification. Session references win over
// everything; episodic and factual queries each have a preferred tier.
var (
	sessionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bjust (said|discuss\w*|mention\w*|talk\w*|ask\w*)`),
		regexp.MustCompile(`(?i)\b(earlier|a (moment|minute|second) ago)\b`),
		regexp.MustCompile(`(?i)\bthis (session|conversation|chat)\b`),
		regexp.MustCompile(`(?i)\bwe (just|were) (discuss|talk|say|work)\w*`),
		regexp.MustCompile(`(?i)\byou (just )?(said|mentioned|told me)\b`),
	}
	episodicPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bwhen did\b`),
		regexp.MustCompile(`(?i)\b(last|first) time\b`),
		regexp.MustCompile(`(?i)\b(yesterday|last (week|month|year))\b`),
		regexp.MustCompile(`(?i)\bremember when\b`),
		regexp.MustCompile(`(?i)\bwhat happened\b`),
		regexp.MustCompile(`(?i)\b(did|have) (i|we) ever\b`),
	}
	factualPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bwhat (is|are|was|were)\b`),
		regexp.MustCompile(`(?i)\bwho (is|was)\b`),
		regexp.MustCompile(`(?i)\b(define|definition of)\b`),
		regexp.MustCompile(`(?i)\bexplain\b`),
		regexp.MustCompile(`(?i)\bhow (does|do|did)\b`),
		regexp.MustCompile(`(?i)\bmeaning of\b`),
	}
)

// QueryTypeStrategy classifies the query text against the pattern families
// and routes to the tier that owns that kind of knowledge.
type QueryTypeStrategy struct{}

// NewQueryTypeStrategy creates the strategy.
func NewQueryTypeStrategy() *QueryTypeStrategy {
	return &QueryTypeStrategy{}
}

// SelectLayers routes by query classification:
//
//	session reference          -> [tier1]
//	episodic only              -> [tier3, tier2]
//	factual only               -> [tier2]
//	both, or neither (unknown) -> [tier2, tier3, tier1]
func (s *QueryTypeStrategy) SelectLayers(query string, _ core.QueryMetadata) []core.Layer {
	if matchesAny(sessionPatterns, query) {
		return []core.Layer{core.LayerTier1}
	}
	episodic := matchesAny(episodicPatterns, query)
	factual := matchesAny(factualPatterns, query)

	switch {
	case episodic && !factual:
		return []core.Layer{core.LayerTier3, core.LayerTier2}
	case factual && !episodic:
		return []core.Layer{core.LayerTier2}
	default:
		// Ambiguous or unrecognized: query everything.
		return []core.Layer{core.LayerTier2, core.LayerTier3, core.LayerTier1}
	}
}

func matchesAny(patterns []*regexp.Regexp, query string) bool {
	for _, p := range patterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// HybridStrategy composes QueryType and RecencyBased by reference: the
// query-type selection comes first, then any recency-only layers are
// appended, deduplicated.
type HybridStrategy struct {
	QueryType Strategy
	Recency   Strategy
}

// NewHybridStrategy composes the two given strategies. Nil arguments get
// default instances.
func NewHybridStrategy(queryType, recency Strategy) *HybridStrategy {
	if queryType == nil {
		queryType = NewQueryTypeStrategy()
	}
	if recency == nil {
		recency = NewRecencyBasedStrategy(0, 0)
	}
	return &HybridStrategy{QueryType: queryType, Recency: recency}
}

// SelectLayers unions both selections, preserving query-type order first.
func (s *HybridStrategy) SelectLayers(query string, meta core.QueryMetadata) []core.Layer {
	layers := s.QueryType.SelectLayers(query, meta)
	seen := make(map[core.Layer]struct{}, len(layers))
	out := make([]core.Layer, 0, 3)
	for _, l := range layers {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	for _, l := range s.Recency.SelectLayers(query, meta) {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// FallbackAllStrategy always consults every tier.
type FallbackAllStrategy struct{}

// NewFallbackAllStrategy creates the strategy.
func NewFallbackAllStrategy() *FallbackAllStrategy {
	return &FallbackAllStrategy{}
}

// SelectLayers returns all three layers in tier order.
func (s *FallbackAllStrategy) SelectLayers(string, core.QueryMetadata) []core.Layer {
	return core.AllLayers()
}
