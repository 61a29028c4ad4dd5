// Package engine wires the memory subsystems into one application-level
// object. Nothing here is global: every collaborator is passed in at
// construction, so multiple differently-configured engines can coexist in
// one process.
package engine

import (
	"context"
	"time"

	"github.com/stratamem/strata-go/core"
	"github.com/stratamem/strata-go/memory"
	"github.com/stratamem/strata-go/memory/consolidate"
	"github.com/stratamem/strata-go/memory/relevance"
	"github.com/stratamem/strata-go/memory/router"
	"github.com/stratamem/strata-go/memory/tier1"
)

// Engine exposes the memory system's operations behind one facade: tiered
// storage, routed search, and consolidation.
type Engine struct {
	cache    *tier1.Cache
	router   *router.Router
	pipeline *consolidate.Pipeline
}

type settings struct {
	tier3       memory.Tier3Store
	strategy    router.Strategy
	scorer      *relevance.Scorer
	policies    []consolidate.Policy
	tier1Cfg    *tier1.Config
	routerCfg   *router.Config
	pipelineCfg *consolidate.Config
}

// Option configures the engine.
type Option func(*settings)

// WithTier3 enables the episodic tier.
func WithTier3(store memory.Tier3Store) Option {
	return func(s *settings) {
		s.tier3 = store
	}
}

// WithStrategy sets the routing strategy. Default is the hybrid of
// query-type and recency routing.
func WithStrategy(strategy router.Strategy) Option {
	return func(s *settings) {
		s.strategy = strategy
	}
}

// WithScorer sets the relevance scorer used by consolidation.
func WithScorer(scorer *relevance.Scorer) Option {
	return func(s *settings) {
		s.scorer = scorer
	}
}

// WithPolicies sets the consolidation policies (OR-composed).
func WithPolicies(policies ...consolidate.Policy) Option {
	return func(s *settings) {
		s.policies = policies
	}
}

// WithTier1Config overrides the Tier1 cache tuning.
func WithTier1Config(cfg tier1.Config) Option {
	return func(s *settings) {
		s.tier1Cfg = &cfg
	}
}

// WithRouterConfig overrides the router tuning and layer enablement.
func WithRouterConfig(cfg router.Config) Option {
	return func(s *settings) {
		s.routerCfg = &cfg
	}
}

// WithPipelineConfig overrides the consolidation tuning.
func WithPipelineConfig(cfg consolidate.Config) Option {
	return func(s *settings) {
		s.pipelineCfg = &cfg
	}
}

// New builds an engine from a Tier1 backend, a semantic store, and an
// embedder. Tier3 stays disabled unless WithTier3 is given.
func New(tier1Store memory.Tier1Store, tier2 memory.Tier2Store, embedder memory.Embedder, opts ...Option) *Engine {
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.strategy == nil {
		s.strategy = router.NewHybridStrategy(
			router.NewQueryTypeStrategy(),
			router.NewRecencyBasedStrategy(0, 0),
		)
	}
	if s.scorer == nil {
		s.scorer = relevance.MustNew(relevance.DefaultWeights)
	}
	if len(s.policies) == 0 {
		s.policies = []consolidate.Policy{
			consolidate.AccessCountPolicy{MinAccessCount: 3},
			consolidate.TimeBasedPolicy{MinAge: 24 * time.Hour},
		}
	}

	cache := tier1.New(tier1Store, s.tier1Cfg)
	rtr := router.New(s.strategy, cache, tier2, s.tier3, embedder, s.routerCfg)
	pipeline := consolidate.New(cache, tier2, s.tier3, embedder, s.scorer, s.policies, s.pipelineCfg)

	return &Engine{
		cache:    cache,
		router:   rtr,
		pipeline: pipeline,
	}
}

// Tier1 exposes the cache for direct access (transcripts, eviction).
func (e *Engine) Tier1() *tier1.Cache {
	return e.cache
}

// Store writes an entry to the requested layers, reporting per-layer
// success independently.
func (e *Engine) Store(ctx context.Context, entry *core.Entry, layers []core.Layer) map[core.Layer]bool {
	return e.router.StoreMemory(ctx, entry, layers)
}

// RouteQuery returns the layers the configured strategy would consult.
func (e *Engine) RouteQuery(query string, meta core.QueryMetadata) []core.Layer {
	return e.router.RouteQuery(query, meta)
}

// Search routes the query and fans it out across the selected layers.
func (e *Engine) Search(ctx context.Context, query string, meta core.QueryMetadata, limitPerLayer int) (*router.SearchResponse, error) {
	return e.router.SearchMemory(ctx, query, meta, limitPerLayer)
}

// RunConsolidationCycle runs one consolidation cycle immediately.
func (e *Engine) RunConsolidationCycle(ctx context.Context, opts consolidate.CycleOptions) *consolidate.CycleReport {
	return e.pipeline.RunConsolidationCycle(ctx, opts)
}

// StartCronScheduler arms recurring consolidation on a 5-field cron
// expression.
func (e *Engine) StartCronScheduler(expr string, opts consolidate.CycleOptions) error {
	return e.pipeline.StartCronScheduler(expr, opts)
}

// StopScheduler stops the cron scheduler. Idempotent.
func (e *Engine) StopScheduler() {
	e.pipeline.StopScheduler()
}

// Stats aggregates per-layer observability figures.
func (e *Engine) Stats(ctx context.Context, namespace string) (*router.Stats, error) {
	return e.router.GetStats(ctx, namespace)
}
