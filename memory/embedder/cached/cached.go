// Package cached wraps any embedder with a ristretto cache. Consolidation
// re-embeds the same candidate texts cycle after cycle; caching turns those
// repeats into lookups.
package cached

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/stratamem/strata-go/memory"
)

// Config tunes the embedding cache.
type Config struct {
	// MaxEntries bounds how many embeddings the cache holds.
	MaxEntries int64

	// TTL expires cached embeddings. Zero keeps them until evicted.
	TTL time.Duration
}

// DefaultConfig returns the standard cache tuning.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 10_000,
		TTL:        time.Hour,
	}
}

// Embedder caches the results of an inner embedder keyed by exact text.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
	ttl   time.Duration
}

// New wraps inner with a cache. A nil cfg selects DefaultConfig.
func New(inner memory.Embedder, cfg *Config) (*Embedder, error) {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
		if c.MaxEntries <= 0 {
			c.MaxEntries = DefaultConfig().MaxEntries
		}
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		// Ristretto recommends 10x the expected entry count.
		NumCounters: c.MaxEntries * 10,
		MaxCost:     c.MaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Embedder{
		inner: inner,
		cache: cache,
		ttl:   c.TTL,
	}, nil
}

// Embed returns the cached vector for text, falling through to the inner
// embedder on a miss. Cached vectors are shared; callers must not mutate
// the returned slice.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if e.ttl > 0 {
		e.cache.SetWithTTL(text, vec, 1, e.ttl)
	} else {
		e.cache.Set(text, vec, 1)
	}
	return vec, nil
}

// Dimensions returns the inner embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Wait blocks until pending cache writes are applied. Test hook: ristretto
// applies Set asynchronously.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() {
	e.cache.Close()
}
