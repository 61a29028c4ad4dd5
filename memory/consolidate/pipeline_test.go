package consolidate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stratamem/strata-go/core"
	"github.com/stratamem/strata-go/memory"
	"github.com/stratamem/strata-go/memory/consolidate"
	"github.com/stratamem/strata-go/memory/relevance"
	"github.com/stratamem/strata-go/memory/store/inmem"
	"github.com/stratamem/strata-go/memory/tier1"
)

// stubTier2 records upserts and can be told to fail.
type stubTier2 struct {
	fail bool
	docs map[string]memory.SemanticDocument
}

func newStubTier2() *stubTier2 {
	return &stubTier2{docs: make(map[string]memory.SemanticDocument)}
}

func (s *stubTier2) Upsert(_ context.Context, doc memory.SemanticDocument) error {
	if s.fail {
		return fmt.Errorf("tier2 down")
	}
	s.docs[doc.ID] = doc
	return nil
}

func (s *stubTier2) Search(context.Context, string, []float32, int) ([]memory.SemanticMatch, error) {
	return nil, nil
}

// stubEmbedder maps each distinct text to its own axis vector, so distinct
// texts are orthogonal and identical texts are identical.
type stubEmbedder struct {
	fail bool
	axes map[string]int
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{axes: make(map[string]int)}
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, fmt.Errorf("embedder down")
	}
	axis, ok := e.axes[text]
	if !ok {
		axis = len(e.axes) % 8
		e.axes[text] = axis
	}
	vec := make([]float32, 8)
	vec[axis] = 1
	return vec, nil
}

func (e *stubEmbedder) Dimensions() int { return 8 }

type fixture struct {
	cache    *tier1.Cache
	tier2    *stubTier2
	tier3    *inmem.EpisodeStore
	embedder *stubEmbedder
}

func newFixture() *fixture {
	return &fixture{
		cache:    tier1.New(inmem.NewStore(0), nil),
		tier2:    newStubTier2(),
		tier3:    inmem.NewEpisodeStore(),
		embedder: newStubEmbedder(),
	}
}

func (f *fixture) pipeline(t *testing.T, policies []consolidate.Policy, cfg *consolidate.Config) *consolidate.Pipeline {
	t.Helper()
	scorer := relevance.MustNew(relevance.DefaultWeights)
	return consolidate.New(f.cache, f.tier2, f.tier3, f.embedder, scorer, policies, cfg)
}

// seed stores an entry and retrieves it accesses times to raise its count.
func (f *fixture) seed(t *testing.T, ns, key, value string, accesses int) {
	t.Helper()
	ctx := context.Background()
	entry := &core.Entry{Key: key, Value: value, Namespace: ns}
	if _, err := f.cache.Store(ctx, entry); err != nil {
		t.Fatalf("Store(%q): %v", key, err)
	}
	for i := 0; i < accesses; i++ {
		if _, err := f.cache.Retrieve(ctx, key, ns, true); err != nil {
			t.Fatalf("Retrieve(%q): %v", key, err)
		}
	}
}

func TestAccessCountPolicy(t *testing.T) {
	p := consolidate.AccessCountPolicy{MinAccessCount: 3}
	now := time.Now()
	if p.ShouldConsolidate(tier1.Candidate{AccessCount: 2}, now) {
		t.Error("2 accesses qualified against a floor of 3")
	}
	if !p.ShouldConsolidate(tier1.Candidate{AccessCount: 3}, now) {
		t.Error("3 accesses did not qualify against a floor of 3")
	}
}

func TestTimeBasedPolicy(t *testing.T) {
	now := time.Now()
	p := consolidate.TimeBasedPolicy{MinAge: time.Hour}
	young := tier1.Candidate{Entry: core.Entry{CreatedAt: now.Add(-time.Minute)}}
	old := tier1.Candidate{Entry: core.Entry{CreatedAt: now.Add(-2 * time.Hour)}}
	if p.ShouldConsolidate(young, now) {
		t.Error("one-minute-old entry qualified against a one-hour floor")
	}
	if !p.ShouldConsolidate(old, now) {
		t.Error("two-hour-old entry did not qualify")
	}
	if p.ShouldConsolidate(tier1.Candidate{}, now) {
		t.Error("zero CreatedAt qualified")
	}
}

func TestConsolidateTier1ToTier2Policies(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, "cons", "hot", "frequently used fact", 5)
	f.seed(t, "cons", "warm", "occasionally used fact", 2)
	f.seed(t, "cons", "cold", "never used fact", 0)

	cfg := consolidate.DefaultConfig()
	cfg.MinAccessCount = 0
	policies := []consolidate.Policy{consolidate.AccessCountPolicy{MinAccessCount: 4}}
	p := f.pipeline(t, policies, &cfg)

	report, err := p.ConsolidateTier1ToTier2(ctx, "cons")
	if err != nil {
		t.Fatalf("ConsolidateTier1ToTier2: %v", err)
	}
	if report.Processed != 3 || report.Consolidated != 1 || report.Skipped != 2 {
		t.Errorf("report = %+v, want processed=3 consolidated=1 skipped=2", report)
	}
	doc, ok := f.tier2.docs["cons:hot"]
	if !ok {
		t.Fatalf("migrated document missing, have %v", f.tier2.docs)
	}
	if doc.Text != "frequently used fact" || doc.Namespace != "cons" {
		t.Errorf("document = %+v", doc)
	}
	if len(doc.Embedding) != f.embedder.Dimensions() {
		t.Errorf("embedding length %d", len(doc.Embedding))
	}
	if doc.Metadata["access_count"] != "5" {
		t.Errorf("access_count metadata = %q", doc.Metadata["access_count"])
	}
}

func TestConsolidateTier1ToTier2OrSemantics(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, "cons", "rarely-read", "old but rarely read", 0)

	cfg := consolidate.DefaultConfig()
	cfg.MinAccessCount = 0
	// Fails the access policy but passes the age policy; OR keeps it.
	policies := []consolidate.Policy{
		consolidate.AccessCountPolicy{MinAccessCount: 10},
		consolidate.TimeBasedPolicy{MinAge: 0},
	}
	p := f.pipeline(t, policies, &cfg)

	report, err := p.ConsolidateTier1ToTier2(ctx, "cons")
	if err != nil {
		t.Fatalf("ConsolidateTier1ToTier2: %v", err)
	}
	if report.Consolidated != 1 {
		t.Errorf("OR composition dropped the candidate: %+v", report)
	}
}

func TestConsolidateTier1ToTier2BackendFailureSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, "cons", "a", "fact a", 5)
	f.seed(t, "cons", "b", "fact b", 5)
	f.tier2.fail = true

	cfg := consolidate.DefaultConfig()
	cfg.MinAccessCount = 0
	p := f.pipeline(t, nil, &cfg)

	report, err := p.ConsolidateTier1ToTier2(ctx, "cons")
	if err != nil {
		t.Fatalf("per-candidate failures must not raise: %v", err)
	}
	if report.Consolidated != 0 || report.Skipped != 2 {
		t.Errorf("report = %+v, want consolidated=0 skipped=2", report)
	}
}

func TestConsolidateWithRelevanceScoringSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for i := 0; i < 10; i++ {
		f.seed(t, "cons", fmt.Sprintf("k%d", i), fmt.Sprintf("distinct fact number %d", i), i)
	}

	cfg := consolidate.DefaultConfig()
	cfg.TopPercentile = 0.2
	p := f.pipeline(t, nil, &cfg)

	report, err := p.ConsolidateWithRelevanceScoring(ctx, "cons")
	if err != nil {
		t.Fatalf("ConsolidateWithRelevanceScoring: %v", err)
	}
	if report.Processed != 10 || report.Scored != 10 {
		t.Errorf("report = %+v, want processed=scored=10", report)
	}
	if report.TopSelected != 2 {
		t.Errorf("top_selected = %d, want floor(10*0.2) = 2", report.TopSelected)
	}
	if report.Consolidated > report.TopSelected {
		t.Errorf("consolidated %d exceeds top_selected %d", report.Consolidated, report.TopSelected)
	}
	if report.Consolidated > 0 && (report.AvgScore <= 0 || report.AvgScore > 1) {
		t.Errorf("avg score %g outside (0, 1]", report.AvgScore)
	}
}

func TestConsolidateWithRelevanceScoringMinimumOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, "cons", "only", "the only fact", 1)

	cfg := consolidate.DefaultConfig()
	cfg.TopPercentile = 0.2
	p := f.pipeline(t, nil, &cfg)

	report, err := p.ConsolidateWithRelevanceScoring(ctx, "cons")
	if err != nil {
		t.Fatalf("ConsolidateWithRelevanceScoring: %v", err)
	}
	if report.TopSelected != 1 {
		t.Errorf("top_selected = %d, want max(1, floor(1*0.2)) = 1", report.TopSelected)
	}
	if report.Consolidated != 1 {
		t.Errorf("consolidated = %d, want 1", report.Consolidated)
	}
}

func TestConsolidateWithRelevanceScoringDedup(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	// Identical values embed identically, so all but one must be dropped.
	f.seed(t, "cons", "dup1", "the same fact", 3)
	f.seed(t, "cons", "dup2", "the same fact", 2)

	cfg := consolidate.DefaultConfig()
	cfg.TopPercentile = 1.0
	p := f.pipeline(t, nil, &cfg)

	report, err := p.ConsolidateWithRelevanceScoring(ctx, "cons")
	if err != nil {
		t.Fatalf("ConsolidateWithRelevanceScoring: %v", err)
	}
	if report.TopSelected != 2 {
		t.Errorf("top_selected = %d, want 2", report.TopSelected)
	}
	if report.Deduplicated != 1 || report.Consolidated != 1 {
		t.Errorf("report = %+v, want deduplicated=1 consolidated=1", report)
	}
	if report.Failed != 0 {
		t.Errorf("failed = %d, want 0", report.Failed)
	}
}

func TestConsolidateWithRelevanceScoringEmbedFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, "cons", "a", "fact one", 3)
	f.seed(t, "cons", "b", "fact two", 2)

	cfg := consolidate.DefaultConfig()
	cfg.TopPercentile = 1.0
	p := f.pipeline(t, nil, &cfg)
	f.embedder.fail = true

	report, err := p.ConsolidateWithRelevanceScoring(ctx, "cons")
	if err != nil {
		t.Fatalf("ConsolidateWithRelevanceScoring: %v", err)
	}
	// Broken embeddings are failures, not near-duplicates.
	if report.Failed != 2 {
		t.Errorf("failed = %d, want 2", report.Failed)
	}
	if report.Deduplicated != 0 {
		t.Errorf("deduplicated = %d, want 0", report.Deduplicated)
	}
	if report.Consolidated != 0 {
		t.Errorf("consolidated = %d, want 0", report.Consolidated)
	}
}

func TestConsolidateConversationToTier3(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ns := tier1.SessionNamespace("sess-42")
	f.seed(t, ns, "msg-1", "Alice asked about the deploy", 0)
	f.seed(t, ns, "msg-2", "Bob linked the runbook", 0)

	p := f.pipeline(t, nil, nil)
	report, err := p.ConsolidateConversationToTier3(ctx, "sess-42")
	if err != nil {
		t.Fatalf("ConsolidateConversationToTier3: %v", err)
	}
	if !report.Consolidated || report.EpisodeID == "" {
		t.Fatalf("report = %+v", report)
	}
	if report.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", report.MessageCount)
	}
	if f.tier3.Len() != 1 {
		t.Errorf("tier3 holds %d episodes, want 1", f.tier3.Len())
	}
}

func TestConsolidateConversationToTier3Disabled(t *testing.T) {
	f := newFixture()
	scorer := relevance.MustNew(relevance.DefaultWeights)
	p := consolidate.New(f.cache, f.tier2, nil, f.embedder, scorer, nil, nil)

	report, err := p.ConsolidateConversationToTier3(context.Background(), "sess-42")
	if err != nil {
		t.Fatalf("disabled tier3 must not raise: %v", err)
	}
	if report.Consolidated || report.Reason != "tier3_disabled" {
		t.Errorf("report = %+v, want consolidated=false reason=tier3_disabled", report)
	}
}

func TestConsolidateConversationToTier3EmptySession(t *testing.T) {
	f := newFixture()
	p := f.pipeline(t, nil, nil)

	report, err := p.ConsolidateConversationToTier3(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("empty session must not raise: %v", err)
	}
	if report.Consolidated {
		t.Errorf("empty session consolidated: %+v", report)
	}
}

func TestRunConsolidationCycleStepIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, "cons", "a", "fact a", 5)
	ns := tier1.SessionNamespace("sess-1")
	f.seed(t, ns, "msg-1", "hello there", 0)
	f.tier2.fail = true

	cfg := consolidate.DefaultConfig()
	cfg.MinAccessCount = 0
	p := f.pipeline(t, nil, &cfg)

	report := p.RunConsolidationCycle(ctx, consolidate.CycleOptions{
		ToTier2:        true,
		ToTier3:        true,
		Namespace:      "cons",
		ActiveSessions: []string{"sess-1"},
	})
	// The tier2 backend failing per-candidate still yields a report; the
	// tier3 step must run regardless.
	if report.Tier2 == nil || report.Tier2.Skipped != 1 {
		t.Errorf("tier2 step report = %+v", report.Tier2)
	}
	if len(report.Sessions) != 1 {
		t.Fatalf("sessions = %+v", report.Sessions)
	}
	s := report.Sessions[0]
	if s.Err != nil || s.Report == nil || !s.Report.Consolidated {
		t.Errorf("tier3 step blocked by tier2 failure: %+v", s)
	}
}

func TestRunLoopCancellation(t *testing.T) {
	f := newFixture()
	p := f.pipeline(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.RunLoop(ctx, 10*time.Millisecond, consolidate.CycleOptions{ToTier2: true, Namespace: "cons"})
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop within one interval of cancellation")
	}
}
