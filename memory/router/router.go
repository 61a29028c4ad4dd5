package router

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratamem/strata-go/core"
	"github.com/stratamem/strata-go/memory"
	"github.com/stratamem/strata-go/memory/tier1"
)

// Config controls which layers the router may touch.
type Config struct {
	// Tier1Enabled / Tier2Enabled / Tier3Enabled administratively enable
	// each layer. Routing decisions are filtered against these.
	Tier1Enabled bool
	Tier2Enabled bool
	Tier3Enabled bool

	// DefaultLimit is the per-layer result cap when a caller passes 0.
	DefaultLimit int
}

// DefaultConfig enables every layer.
func DefaultConfig() Config {
	return Config{
		Tier1Enabled: true,
		Tier2Enabled: true,
		Tier3Enabled: true,
		DefaultLimit: 10,
	}
}

// Router executes routing decisions: it asks its Strategy for a tier list,
// fans out parallel per-tier lookups and writes, and merges the outcomes.
//
// All collaborators are injected at construction; the router holds no
// global state and is safe for concurrent use.
type Router struct {
	strategy Strategy
	tier1    *tier1.Cache
	tier2    memory.Tier2Store
	tier3    memory.Tier3Store
	embedder memory.Embedder
	cfg      Config
}

// New creates a router. tier2, tier3 and embedder may be nil when the
// corresponding layers are disabled in cfg.
func New(strategy Strategy, t1 *tier1.Cache, t2 memory.Tier2Store, t3 memory.Tier3Store, embedder memory.Embedder, cfg *Config) *Router {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
		if c.DefaultLimit <= 0 {
			c.DefaultLimit = 10
		}
	}
	if t2 == nil {
		c.Tier2Enabled = false
	}
	if t3 == nil {
		c.Tier3Enabled = false
	}
	return &Router{
		strategy: strategy,
		tier1:    t1,
		tier2:    t2,
		tier3:    t3,
		embedder: embedder,
		cfg:      c,
	}
}

// Enabled reports whether a layer is administratively enabled.
func (r *Router) Enabled(layer core.Layer) bool {
	switch layer {
	case core.LayerTier1:
		return r.cfg.Tier1Enabled
	case core.LayerTier2:
		return r.cfg.Tier2Enabled
	case core.LayerTier3:
		return r.cfg.Tier3Enabled
	}
	return false
}

// RouteQuery returns the layers to consult for a query: the strategy's
// selection filtered by administrative enablement. When filtering empties
// the selection the router falls back to every enabled layer rather than
// returning nothing. Pure decision, no I/O.
func (r *Router) RouteQuery(query string, meta core.QueryMetadata) []core.Layer {
	selected := r.strategy.SelectLayers(query, meta)
	layers := make([]core.Layer, 0, len(selected))
	for _, l := range selected {
		if r.Enabled(l) {
			layers = append(layers, l)
		}
	}
	if len(layers) > 0 {
		return layers
	}
	for _, l := range core.AllLayers() {
		if r.Enabled(l) {
			layers = append(layers, l)
		}
	}
	return layers
}

// LayerOutcome is one layer's search result: either a ranked result list or
// the error that made the layer unavailable, never both.
type LayerOutcome struct {
	Results []core.SearchResult
	Err     error
}

// SearchResponse aggregates per-layer outcomes of one SearchMemory call.
// Order among layers is not guaranteed; order within a layer is that
// layer's own ranking.
type SearchResponse struct {
	Layers map[core.Layer]LayerOutcome
}

// ResultsByLayer flattens the response into the classic per-layer result
// map: a failed layer appears with an empty list.
func (r *SearchResponse) ResultsByLayer() map[core.Layer][]core.SearchResult {
	out := make(map[core.Layer][]core.SearchResult, len(r.Layers))
	for layer, outcome := range r.Layers {
		if outcome.Err != nil {
			out[layer] = []core.SearchResult{}
			continue
		}
		out[layer] = outcome.Results
	}
	return out
}

// AllLayersFailedError reports that every selected layer's lookup failed.
type AllLayersFailedError struct {
	Errs []error
}

func (e *AllLayersFailedError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return "all memory layer searches failed: " + strings.Join(msgs, "; ")
}

func (e *AllLayersFailedError) Unwrap() []error {
	return e.Errs
}

// SearchMemory routes the query, launches one lookup per selected layer,
// and waits for all of them (no early cancellation). A layer whose lookup
// fails is logged and recorded as an empty result with its error attached;
// only when every selected layer fails does the call return an
// AllLayersFailedError.
func (r *Router) SearchMemory(ctx context.Context, query string, meta core.QueryMetadata, limitPerLayer int) (*SearchResponse, error) {
	if limitPerLayer <= 0 {
		limitPerLayer = r.cfg.DefaultLimit
	}
	layers := r.RouteQuery(query, meta)
	if len(layers) == 0 {
		return nil, fmt.Errorf("search: no memory layers enabled")
	}

	resp := &SearchResponse{Layers: make(map[core.Layer]LayerOutcome, len(layers))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, layer := range layers {
		wg.Add(1)
		go func(layer core.Layer) {
			defer wg.Done()
			results, err := r.searchLayer(ctx, layer, query, meta, limitPerLayer)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("[ROUTER] %s search failed, degrading to empty: %v", layer, err)
				resp.Layers[layer] = LayerOutcome{Err: err}
				return
			}
			resp.Layers[layer] = LayerOutcome{Results: results}
		}(layer)
	}
	wg.Wait()

	var errs []error
	for _, outcome := range resp.Layers {
		if outcome.Err != nil {
			errs = append(errs, outcome.Err)
		}
	}
	if len(errs) == len(layers) {
		return nil, &AllLayersFailedError{Errs: errs}
	}
	return resp, nil
}

func (r *Router) searchLayer(ctx context.Context, layer core.Layer, query string, meta core.QueryMetadata, limit int) ([]core.SearchResult, error) {
	started := time.Now()
	switch layer {
	case core.LayerTier1:
		return r.searchTier1(ctx, query, meta, limit, started)
	case core.LayerTier2:
		return r.searchTier2(ctx, query, meta, limit, started)
	case core.LayerTier3:
		return r.searchTier3(ctx, query, limit, started)
	}
	return nil, fmt.Errorf("search: unknown layer %q", layer)
}

func (r *Router) searchTier1(ctx context.Context, query string, meta core.QueryMetadata, limit int, started time.Time) ([]core.SearchResult, error) {
	tags := queryTags(query)
	if len(tags) == 0 {
		return nil, nil
	}
	entries, err := r.tier1.Search(ctx, tags, meta.Namespace, limit)
	if err != nil {
		return nil, err
	}
	results := make([]core.SearchResult, 0, len(entries))
	for _, entry := range entries {
		matched := 0
		for _, tag := range tags {
			if entry.HasTag(tag) {
				matched++
			}
		}
		score := float64(matched) / float64(len(tags))
		res, err := core.NewSearchResult(entry, score, core.LayerTier1, time.Since(started))
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

func (r *Router) searchTier2(ctx context.Context, query string, meta core.QueryMetadata, limit int, started time.Time) ([]core.SearchResult, error) {
	if r.embedder == nil {
		return nil, memory.NewTierError(core.LayerTier2, "search", fmt.Errorf("no embedder configured"))
	}
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, memory.NewTierError(core.LayerTier2, "search", err)
	}
	matches, err := r.tier2.Search(ctx, meta.Namespace, embedding, limit)
	if err != nil {
		return nil, memory.NewTierError(core.LayerTier2, "search", err)
	}
	results := make([]core.SearchResult, 0, len(matches))
	for _, m := range matches {
		entry := core.Entry{
			Key:       m.ID,
			Value:     m.Text,
			Metadata:  m.Metadata,
			Namespace: meta.Namespace,
		}
		res, err := core.NewSearchResult(entry, clampScore(m.Score), core.LayerTier2, time.Since(started))
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

func (r *Router) searchTier3(ctx context.Context, query string, limit int, started time.Time) ([]core.SearchResult, error) {
	matches, err := r.tier3.Search(ctx, query, limit)
	if err != nil {
		return nil, memory.NewTierError(core.LayerTier3, "search", err)
	}
	results := make([]core.SearchResult, 0, len(matches))
	for _, m := range matches {
		entry := core.Entry{
			Key:      m.ID,
			Value:    m.Content,
			Metadata: m.Metadata,
		}
		res, err := core.NewSearchResult(entry, clampScore(m.Score), core.LayerTier3, time.Since(started))
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// StoreMemory fans the entry out to each requested layer independently:
// one layer's failure neither blocks nor rolls back the others. The result
// maps each requested layer to its write's success.
func (r *Router) StoreMemory(ctx context.Context, entry *core.Entry, targetLayers []core.Layer) map[core.Layer]bool {
	if len(targetLayers) == 0 {
		targetLayers = []core.Layer{core.LayerTier1}
	}

	outcome := make(map[core.Layer]bool, len(targetLayers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	seen := make(map[core.Layer]struct{}, len(targetLayers))
	for _, layer := range targetLayers {
		if _, dup := seen[layer]; dup {
			continue
		}
		seen[layer] = struct{}{}

		if !layer.Valid() || !r.Enabled(layer) {
			outcome[layer] = false
			continue
		}
		wg.Add(1)
		go func(layer core.Layer) {
			defer wg.Done()
			err := r.storeLayer(ctx, layer, entry)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("[ROUTER] %s store failed: %v", layer, err)
				outcome[layer] = false
				return
			}
			outcome[layer] = true
		}(layer)
	}
	wg.Wait()
	return outcome
}

func (r *Router) storeLayer(ctx context.Context, layer core.Layer, entry *core.Entry) error {
	switch layer {
	case core.LayerTier1:
		_, err := r.tier1.Store(ctx, entry)
		return err

	case core.LayerTier2:
		if r.embedder == nil {
			return memory.NewTierError(core.LayerTier2, "store", fmt.Errorf("no embedder configured"))
		}
		embedding, err := r.embedder.Embed(ctx, entry.Value)
		if err != nil {
			return memory.NewTierError(core.LayerTier2, "store", err)
		}
		id := entry.Key
		if id == "" {
			id = uuid.New().String()
		}
		err = r.tier2.Upsert(ctx, memory.SemanticDocument{
			ID:        id,
			Text:      entry.Value,
			Embedding: embedding,
			Metadata:  entry.Metadata,
			Namespace: entry.Namespace,
		})
		if err != nil {
			return memory.NewTierError(core.LayerTier2, "store", err)
		}
		return nil

	case core.LayerTier3:
		meta := map[string]string{"key": entry.Key, "namespace": entry.Namespace}
		for k, v := range entry.Metadata {
			meta[k] = v
		}
		_, err := r.tier3.AddEpisode(ctx, entry.Value, "memory_store", meta)
		if err != nil {
			return memory.NewTierError(core.LayerTier3, "store", err)
		}
		return nil
	}
	return fmt.Errorf("store: unknown layer %q", layer)
}

// LayerStats is one layer's observability snapshot.
type LayerStats struct {
	Enabled       bool    `json:"enabled"`
	Entries       int     `json:"entries,omitempty"`
	CapacityRatio float64 `json:"capacity_ratio,omitempty"`
}

// Stats aggregates tier-level statistics.
type Stats struct {
	Layers map[core.Layer]LayerStats `json:"layers"`
}

// GetStats reports per-layer enablement plus Tier1 entry count and capacity
// for the given namespace. Tier2 and Tier3 are opaque services; only their
// enablement is known here.
func (r *Router) GetStats(ctx context.Context, namespace string) (*Stats, error) {
	stats := &Stats{Layers: make(map[core.Layer]LayerStats, 3)}

	t1 := LayerStats{Enabled: r.cfg.Tier1Enabled}
	if r.cfg.Tier1Enabled {
		count, err := r.tier1.Count(ctx, namespace)
		if err != nil {
			return nil, err
		}
		ratio, err := r.tier1.Capacity(ctx)
		if err != nil {
			return nil, err
		}
		t1.Entries = count
		t1.CapacityRatio = ratio
	}
	stats.Layers[core.LayerTier1] = t1
	stats.Layers[core.LayerTier2] = LayerStats{Enabled: r.cfg.Tier2Enabled}
	stats.Layers[core.LayerTier3] = LayerStats{Enabled: r.cfg.Tier3Enabled}
	return stats, nil
}

// stopwords excluded from Tier1 tag matching.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "about": {},
	"did": {}, "does": {}, "was": {}, "were": {}, "have": {}, "has": {},
	"you": {}, "your": {}, "our": {}, "are": {}, "how": {}, "who": {},
}

// queryTags extracts normalized tag candidates from free-form query text:
// lowercased alphanumeric tokens of three or more characters, stopwords
// removed, deduplicated, capped at eight.
func queryTags(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	var tags []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tags = append(tags, f)
		if len(tags) >= 8 {
			break
		}
	}
	return tags
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
