package consolidate

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stratamem/strata-go/memory"
	"github.com/stratamem/strata-go/memory/relevance"
	"github.com/stratamem/strata-go/memory/tier1"
)

// Config tunes the consolidation pipeline.
type Config struct {
	// BatchSize caps how many Tier1 candidates one step fetches.
	BatchSize int

	// MinAccessCount is the access floor for the policy-based Tier1→Tier2
	// step. The relevance-scoring step ignores it and fetches everything.
	MinAccessCount int

	// TopPercentile is the fraction of scored candidates the relevance
	// step keeps before deduplication.
	TopPercentile float64

	// DedupThreshold is the cosine similarity above which two selected
	// candidates count as duplicates.
	DedupThreshold float64
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		MinAccessCount: 3,
		TopPercentile:  0.2,
		DedupThreshold: 0.95,
	}
}

// Pipeline migrates Tier1 entries to the long-term tiers. All collaborators
// are injected; tier3 may be nil, which disables the conversation step.
type Pipeline struct {
	cache    *tier1.Cache
	tier2    memory.Tier2Store
	tier3    memory.Tier3Store
	embedder memory.Embedder
	scorer   *relevance.Scorer
	policies []Policy
	cfg      Config
	clock    func() time.Time

	sched scheduler
}

// New builds a Pipeline. cache, tier2, embedder, and scorer are required;
// tier3 is optional. A nil cfg selects DefaultConfig. With no policies the
// Tier1→Tier2 step consolidates every fetched candidate.
func New(cache *tier1.Cache, tier2 memory.Tier2Store, tier3 memory.Tier3Store, embedder memory.Embedder, scorer *relevance.Scorer, policies []Policy, cfg *Config) *Pipeline {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
		if c.BatchSize <= 0 {
			c.BatchSize = DefaultConfig().BatchSize
		}
		if c.TopPercentile <= 0 || c.TopPercentile > 1 {
			c.TopPercentile = DefaultConfig().TopPercentile
		}
		if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
			c.DedupThreshold = DefaultConfig().DedupThreshold
		}
	}
	return &Pipeline{
		cache:    cache,
		tier2:    tier2,
		tier3:    tier3,
		embedder: embedder,
		scorer:   scorer,
		policies: policies,
		cfg:      c,
		clock:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (p *Pipeline) SetClock(clock func() time.Time) {
	p.clock = clock
}

// Tier2Report summarizes one policy-based Tier1→Tier2 step.
type Tier2Report struct {
	Processed    int `json:"processed"`
	Consolidated int `json:"consolidated"`
	Skipped      int `json:"skipped"`
}

// ConsolidateTier1ToTier2 fetches frequently-accessed candidates from the
// namespace and migrates every one that satisfies at least one policy.
// A single candidate's failure is logged and counted as skipped; the batch
// continues.
func (p *Pipeline) ConsolidateTier1ToTier2(ctx context.Context, namespace string) (*Tier2Report, error) {
	candidates, err := p.cache.Candidates(ctx, namespace, p.cfg.MinAccessCount, p.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fetching tier1 candidates: %w", err)
	}

	now := p.clock()
	report := &Tier2Report{Processed: len(candidates)}
	for _, c := range candidates {
		if len(p.policies) > 0 && !anyPolicyMatches(p.policies, c, now) {
			report.Skipped++
			continue
		}
		if err := p.migrate(ctx, c); err != nil {
			log.Printf("[CONSOLIDATE] skipping %q: %v", c.Entry.Key, err)
			report.Skipped++
			continue
		}
		report.Consolidated++
	}
	log.Printf("[CONSOLIDATE] tier1→tier2 ns=%q processed=%d consolidated=%d skipped=%d",
		namespace, report.Processed, report.Consolidated, report.Skipped)
	return report, nil
}

// RelevanceReport summarizes one relevance-scored Tier1→Tier2 step.
// Deduplicated counts only similarity-based drops; candidates lost to
// embedding or upsert errors land in Failed.
type RelevanceReport struct {
	Processed    int     `json:"processed"`
	Scored       int     `json:"scored"`
	TopSelected  int     `json:"top_selected"`
	Deduplicated int     `json:"deduplicated"`
	Failed       int     `json:"failed"`
	Consolidated int     `json:"consolidated"`
	AvgScore     float64 `json:"avg_score"`
}

type scoredCandidate struct {
	cand  tier1.Candidate
	total float64
}

// ConsolidateWithRelevanceScoring fetches all candidates in the namespace,
// scores them, keeps the top max(1, floor(N*TopPercentile)) by total score,
// drops near-duplicates by greedy cosine comparison, and migrates the rest.
func (p *Pipeline) ConsolidateWithRelevanceScoring(ctx context.Context, namespace string) (*RelevanceReport, error) {
	candidates, err := p.cache.Candidates(ctx, namespace, 0, p.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fetching tier1 candidates: %w", err)
	}

	now := p.clock()
	report := &RelevanceReport{Processed: len(candidates)}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		s, err := p.scoreCandidate(c, now)
		if err != nil {
			log.Printf("[CONSOLIDATE] scoring %q failed: %v", c.Entry.Key, err)
			continue
		}
		scored = append(scored, scoredCandidate{cand: c, total: s.Total})
	}
	report.Scored = len(scored)
	if len(scored) == 0 {
		return report, nil
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].total > scored[j].total
	})
	topSelected := int(math.Floor(float64(len(scored)) * p.cfg.TopPercentile))
	if topSelected < 1 {
		topSelected = 1
	}
	report.TopSelected = topSelected
	top := scored[:topSelected]

	// Greedy dedup: keep an item only if it is not within-threshold
	// similar to anything already kept.
	var kept []scoredCandidate
	var keptVecs [][]float32
	for _, sc := range top {
		vec, err := p.embedder.Embed(ctx, sc.cand.Entry.Value)
		if err != nil {
			log.Printf("[CONSOLIDATE] embedding %q failed: %v", sc.cand.Entry.Key, err)
			report.Failed++
			continue
		}
		dup := false
		for _, kv := range keptVecs {
			if cosineSimilarity(vec, kv) >= p.cfg.DedupThreshold {
				dup = true
				break
			}
		}
		if dup {
			report.Deduplicated++
			continue
		}
		kept = append(kept, sc)
		keptVecs = append(keptVecs, vec)
	}

	var scoreSum float64
	for i, sc := range kept {
		doc := p.document(sc.cand)
		doc.Embedding = keptVecs[i]
		if err := p.tier2.Upsert(ctx, doc); err != nil {
			log.Printf("[CONSOLIDATE] migrating %q failed: %v", sc.cand.Entry.Key, err)
			report.Failed++
			continue
		}
		report.Consolidated++
		scoreSum += sc.total
	}
	if report.Consolidated > 0 {
		report.AvgScore = scoreSum / float64(report.Consolidated)
	}
	log.Printf("[CONSOLIDATE] relevance ns=%q processed=%d scored=%d top=%d dedup=%d failed=%d consolidated=%d avg=%.3f",
		namespace, report.Processed, report.Scored, report.TopSelected,
		report.Deduplicated, report.Failed, report.Consolidated, report.AvgScore)
	return report, nil
}

// Tier3Report summarizes one conversation-to-Tier3 step.
type Tier3Report struct {
	Consolidated  bool   `json:"consolidated"`
	Reason        string `json:"reason,omitempty"`
	EpisodeID     string `json:"episode_id,omitempty"`
	MessageCount  int    `json:"message_count"`
	Entities      int    `json:"entities_extracted"`
	Relationships int    `json:"relationships_extracted"`
}

// ConsolidateConversationToTier3 reads the full session transcript from
// Tier1, concatenates it into a single episode, and hands it to the
// episodic tier. With Tier3 absent it reports consolidated=false with
// reason "tier3_disabled" and no error.
func (p *Pipeline) ConsolidateConversationToTier3(ctx context.Context, sessionID string) (*Tier3Report, error) {
	if p.tier3 == nil {
		return &Tier3Report{Consolidated: false, Reason: "tier3_disabled"}, nil
	}

	transcript, err := p.cache.Transcript(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading transcript for session %q: %w", sessionID, err)
	}
	if len(transcript) == 0 {
		return &Tier3Report{Consolidated: false, Reason: "empty_session", MessageCount: 0}, nil
	}

	lines := make([]string, 0, len(transcript))
	for _, e := range transcript {
		lines = append(lines, e.Value)
	}
	content := strings.Join(lines, "\n")

	result, err := p.tier3.AddEpisode(ctx, content, "conversation", map[string]string{
		"session_id":    sessionID,
		"message_count": strconv.Itoa(len(transcript)),
	})
	if err != nil {
		return nil, fmt.Errorf("storing episode for session %q: %w", sessionID, err)
	}
	log.Printf("[CONSOLIDATE] session %q → episode %s (%d messages)",
		sessionID, result.EpisodeID, len(transcript))
	return &Tier3Report{
		Consolidated:  true,
		EpisodeID:     result.EpisodeID,
		MessageCount:  len(transcript),
		Entities:      len(result.Entities),
		Relationships: len(result.Relationships),
	}, nil
}

// CycleOptions selects which steps one consolidation cycle runs.
type CycleOptions struct {
	ToTier2        bool
	ToTier3        bool
	Namespace      string
	ActiveSessions []string
}

// SessionOutcome is the per-session result of the Tier3 step.
type SessionOutcome struct {
	SessionID string
	Report    *Tier3Report
	Err       error
}

// CycleReport aggregates one full consolidation cycle. A step's failure is
// recorded here and never aborts the remaining steps.
type CycleReport struct {
	Tier2    *Tier2Report
	Tier2Err error
	Sessions []SessionOutcome
}

// Failed reports whether any step of the cycle errored.
func (r *CycleReport) Failed() bool {
	if r.Tier2Err != nil {
		return true
	}
	for _, s := range r.Sessions {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// RunConsolidationCycle runs the Tier1→Tier2 step and, per active session,
// the conversation-to-Tier3 step. Each step's error is caught and recorded.
func (p *Pipeline) RunConsolidationCycle(ctx context.Context, opts CycleOptions) *CycleReport {
	report := &CycleReport{}
	if opts.ToTier2 {
		report.Tier2, report.Tier2Err = p.ConsolidateTier1ToTier2(ctx, opts.Namespace)
		if report.Tier2Err != nil {
			log.Printf("[CONSOLIDATE] tier2 step failed: %v", report.Tier2Err)
		}
	}
	if opts.ToTier3 {
		for _, sid := range opts.ActiveSessions {
			rep, err := p.ConsolidateConversationToTier3(ctx, sid)
			if err != nil {
				log.Printf("[CONSOLIDATE] tier3 step for session %q failed: %v", sid, err)
			}
			report.Sessions = append(report.Sessions, SessionOutcome{
				SessionID: sid,
				Report:    rep,
				Err:       err,
			})
		}
	}
	return report
}

// RunLoop runs one cycle every interval until ctx is cancelled. Iteration
// errors are logged and the loop continues; cancellation takes effect
// within one interval.
func (p *Pipeline) RunLoop(ctx context.Context, interval time.Duration, opts CycleOptions) {
	log.Printf("[CONSOLIDATE] background loop started, interval %s", interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[CONSOLIDATE] background loop stopped: %v", ctx.Err())
			return
		case <-timer.C:
		}
		if report := p.RunConsolidationCycle(ctx, opts); report.Failed() {
			log.Printf("[CONSOLIDATE] cycle completed with errors")
		}
		timer.Reset(interval)
	}
}

func (p *Pipeline) scoreCandidate(c tier1.Candidate, now time.Time) (*relevance.Score, error) {
	age := time.Duration(0)
	if !c.Entry.CreatedAt.IsZero() {
		age = now.Sub(c.Entry.CreatedAt)
	}
	var feedback *float64
	if raw, ok := c.Entry.Metadata["user_rating"]; ok {
		rating, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing user_rating %q: %w", raw, err)
		}
		feedback = &rating
	}
	return p.scorer.Score(c.AccessCount, age, feedback)
}

// migrate embeds a candidate and upserts it into the semantic tier.
func (p *Pipeline) migrate(ctx context.Context, c tier1.Candidate) error {
	vec, err := p.embedder.Embed(ctx, c.Entry.Value)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	doc := p.document(c)
	doc.Embedding = vec
	if err := p.tier2.Upsert(ctx, doc); err != nil {
		return fmt.Errorf("upserting: %w", err)
	}
	return nil
}

// document builds the semantic record for a candidate. The ID is derived
// from namespace and key so repeated cycles overwrite rather than duplicate.
func (p *Pipeline) document(c tier1.Candidate) memory.SemanticDocument {
	ns := c.Entry.Namespace
	if ns == "" {
		ns = "default"
	}
	meta := map[string]string{
		"source":       "tier1",
		"access_count": strconv.Itoa(c.AccessCount),
	}
	if !c.Entry.CreatedAt.IsZero() {
		meta["stored_at"] = c.Entry.CreatedAt.UTC().Format(time.RFC3339)
	}
	for k, v := range c.Entry.Metadata {
		meta[k] = v
	}
	return memory.SemanticDocument{
		ID:        ns + ":" + c.Entry.Key,
		Text:      c.Entry.Value,
		Metadata:  meta,
		Namespace: ns,
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
