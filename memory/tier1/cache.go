// Package tier1 implements the ephemeral cache tier: bounded, TTL-based
// storage with tag search and capacity-aware eviction, layered over an
// opaque Tier1Store backend.
package tier1

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/stratamem/strata-go/core"
	"github.com/stratamem/strata-go/memory"
)

// Config tunes the cache manager.
type Config struct {
	// EvictionThreshold is the capacity ratio at which a store triggers a
	// synchronous eviction pass before writing. Default: 0.8.
	EvictionThreshold float64

	// EvictionFraction is the share of entries removed per eviction pass
	// (at least one entry when any exist). Default: 0.2.
	EvictionFraction float64

	// CapacityWindow bounds how often the backend is asked for memory info
	// on the write path; readings are cached this long. Default: 10s.
	CapacityWindow time.Duration

	// KeyPrefix namespaces all backend keys. Default: "strata".
	KeyPrefix string
}

// DefaultConfig returns the standard cache tuning.
func DefaultConfig() Config {
	return Config{
		EvictionThreshold: 0.8,
		EvictionFraction:  0.2,
		CapacityWindow:    10 * time.Second,
		KeyPrefix:         "strata",
	}
}

// Cache is the Tier1 cache manager.
//
// The backend is a shared external service: no in-process lock is held over
// it and consistency is best-effort. Two concurrent Store calls may both
// trigger eviction; the pass is idempotent, if redundant.
type Cache struct {
	store memory.Tier1Store
	cfg   Config
	clock func() time.Time

	capMu    sync.Mutex // guards the cached capacity reading
	capRatio float64
	capAt    time.Time
}

// New creates a cache manager over the given backend. A nil cfg uses
// DefaultConfig.
func New(store memory.Tier1Store, cfg *Config) *Cache {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
		if c.EvictionThreshold <= 0 {
			c.EvictionThreshold = 0.8
		}
		if c.EvictionFraction <= 0 {
			c.EvictionFraction = 0.2
		}
		if c.CapacityWindow <= 0 {
			c.CapacityWindow = 10 * time.Second
		}
		if c.KeyPrefix == "" {
			c.KeyPrefix = "strata"
		}
	}
	return &Cache{
		store: store,
		cfg:   c,
		clock: time.Now,
	}
}

// SetClock overrides the cache's time source. Test helper.
func (c *Cache) SetClock(clock func() time.Time) {
	c.clock = clock
}

// record is the stored form of an entry plus its server-side access count.
type record struct {
	Entry       core.Entry `json:"entry"`
	AccessCount int        `json:"access_count"`
}

// Candidate pairs an entry with its server-side access count, for
// consolidation and eviction decisions.
type Candidate struct {
	Entry       core.Entry
	AccessCount int
}

// SessionNamespace returns the Tier1 namespace that holds a session's
// conversation transcript.
func SessionNamespace(sessionID string) string {
	return "session:" + sessionID
}

func namespaceOrDefault(ns string) string {
	if ns == "" {
		return "default"
	}
	return ns
}

func (c *Cache) entryKey(ns, key string) string {
	return fmt.Sprintf("%s:%s:%s", c.cfg.KeyPrefix, namespaceOrDefault(ns), key)
}

func (c *Cache) tagKey(ns, tag string) string {
	return fmt.Sprintf("%s:tags:%s:%s", c.cfg.KeyPrefix, namespaceOrDefault(ns), tag)
}

func (c *Cache) entryPattern(ns string) string {
	return fmt.Sprintf("%s:%s:*", c.cfg.KeyPrefix, namespaceOrDefault(ns))
}

func (c *Cache) tagPattern(ns string) string {
	return fmt.Sprintf("%s:tags:%s:*", c.cfg.KeyPrefix, namespaceOrDefault(ns))
}

// Store validates and persists an entry under its TTL, indexing its tags.
// When the cached capacity reading is at or above the eviction threshold the
// call synchronously evicts the least valuable entries first, so a write
// under memory pressure pays the eviction latency.
func (c *Cache) Store(ctx context.Context, entry *core.Entry) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, err
	}

	ratio, err := c.Capacity(ctx)
	if err != nil {
		// Capacity monitoring is best-effort: a failed reading must not
		// block writes.
		log.Printf("[TIER1] capacity check failed, skipping eviction check: %v", err)
	} else if ratio >= c.cfg.EvictionThreshold {
		evicted, err := c.EvictOldEntries(ctx, entry.Namespace)
		if err != nil {
			log.Printf("[TIER1] eviction before store failed: %v", err)
		} else {
			log.Printf("[TIER1] capacity %.2f >= %.2f, evicted %d entries", ratio, c.cfg.EvictionThreshold, evicted)
		}
	}

	stored := entry.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = c.clock()
	}

	data, err := json.Marshal(record{Entry: *stored, AccessCount: 0})
	if err != nil {
		return false, memory.NewTierError(core.LayerTier1, "store", err)
	}
	if err := c.store.Set(ctx, c.entryKey(stored.Namespace, stored.Key), string(data), stored.TTL); err != nil {
		return false, memory.NewTierError(core.LayerTier1, "store", err)
	}

	for _, tag := range stored.Tags {
		tk := c.tagKey(stored.Namespace, tag)
		if err := c.store.SAdd(ctx, tk, stored.Key); err != nil {
			return false, memory.NewTierError(core.LayerTier1, "store", err)
		}
		// The tag set inherits this entry's TTL. Inserting resets any
		// previous expiry on the set, so sets shared by entries with
		// differing TTLs track whichever entry was indexed last.
		if stored.TTL > 0 {
			if err := c.store.Expire(ctx, tk, stored.TTL); err != nil {
				return false, memory.NewTierError(core.LayerTier1, "store", err)
			}
		}
	}
	return true, nil
}

// Retrieve returns the entry for key, or (nil, nil) on miss. With
// trackAccess the server-side access count is incremented and the record is
// rewritten under its remaining TTL; the lifetime is never extended.
func (c *Cache) Retrieve(ctx context.Context, key, ns string, trackAccess bool) (*core.Entry, error) {
	rec, found, err := c.load(ctx, c.entryKey(ns, key))
	if err != nil {
		return nil, memory.NewTierError(core.LayerTier1, "retrieve", err)
	}
	if !found {
		return nil, nil
	}

	if trackAccess {
		rec.AccessCount++
		remaining, ok, err := c.store.TTL(ctx, c.entryKey(ns, key))
		if err != nil {
			return nil, memory.NewTierError(core.LayerTier1, "retrieve", err)
		}
		if ok {
			if remaining < 0 {
				remaining = 0 // no expiry
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return nil, memory.NewTierError(core.LayerTier1, "retrieve", err)
			}
			if err := c.store.Set(ctx, c.entryKey(ns, key), string(data), remaining); err != nil {
				return nil, memory.NewTierError(core.LayerTier1, "retrieve", err)
			}
		}
	}

	entry := rec.Entry
	return &entry, nil
}

// Search returns up to limit entries in ns carrying every given tag. The
// tag index is consulted first; when it yields nothing the namespace is
// scanned in full and filtered by tag intersection, so entries stored before
// their tag sets expired are still reachable.
func (c *Cache) Search(ctx context.Context, tags []string, ns string, limit int) ([]core.Entry, error) {
	if len(tags) == 0 {
		return nil, core.NewValidationError("tags", "at least one tag is required")
	}
	for _, tag := range tags {
		if !core.NormalizedTag(tag) {
			return nil, core.NewValidationError("tags", "tag %q is not normalized", tag)
		}
	}
	if limit <= 0 {
		limit = 10
	}

	keys, err := c.intersectTagSets(ctx, tags, ns)
	if err != nil {
		return nil, memory.NewTierError(core.LayerTier1, "search", err)
	}

	var entries []core.Entry
	for _, key := range keys {
		rec, found, err := c.load(ctx, c.entryKey(ns, key))
		if err != nil {
			return nil, memory.NewTierError(core.LayerTier1, "search", err)
		}
		if !found {
			continue // expired since it was indexed
		}
		entries = append(entries, rec.Entry)
		if len(entries) >= limit {
			return entries, nil
		}
	}
	if len(entries) > 0 {
		return entries, nil
	}

	// Index came up empty: fall back to a full namespace scan.
	log.Printf("[TIER1] tag index empty for %v in %q, falling back to scan", tags, namespaceOrDefault(ns))
	recs, err := c.scanRecords(ctx, ns)
	if err != nil {
		return nil, memory.NewTierError(core.LayerTier1, "search", err)
	}
	for _, rec := range recs {
		if !hasAllTags(&rec.Entry, tags) {
			continue
		}
		entries = append(entries, rec.Entry)
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func hasAllTags(entry *core.Entry, tags []string) bool {
	for _, tag := range tags {
		if !entry.HasTag(tag) {
			return false
		}
	}
	return true
}

func (c *Cache) intersectTagSets(ctx context.Context, tags []string, ns string) ([]string, error) {
	var keys []string
	for i, tag := range tags {
		members, err := c.store.SMembers(ctx, c.tagKey(ns, tag))
		if err != nil {
			return nil, err
		}
		if i == 0 {
			keys = members
			continue
		}
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		var kept []string
		for _, k := range keys {
			if _, ok := set[k]; ok {
				kept = append(kept, k)
			}
		}
		keys = kept
		if len(keys) == 0 {
			return nil, nil
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Capacity returns used/max memory as a ratio in [0, 1], 0 when the backend
// is unlimited. The reading is cached for CapacityWindow to bound monitoring
// cost on the write path; a deliberately stale value is acceptable.
func (c *Cache) Capacity(ctx context.Context) (float64, error) {
	c.capMu.Lock()
	defer c.capMu.Unlock()

	now := c.clock()
	if !c.capAt.IsZero() && now.Sub(c.capAt) < c.cfg.CapacityWindow {
		return c.capRatio, nil
	}

	used, max, err := c.store.MemoryInfo(ctx)
	if err != nil {
		return 0, memory.NewTierError(core.LayerTier1, "capacity", err)
	}
	ratio := 0.0
	if max > 0 {
		ratio = float64(used) / float64(max)
	}
	c.capRatio = ratio
	c.capAt = now
	return ratio, nil
}

// CapacityInfo is an uncached snapshot of Tier1 memory usage.
type CapacityInfo struct {
	UsedBytes         int64   `json:"used_bytes"`
	MaxBytes          int64   `json:"max_bytes"`
	Ratio             float64 `json:"ratio"`
	EvictionThreshold float64 `json:"eviction_threshold"`
}

// GetCapacityInfo reports current usage straight from the backend.
func (c *Cache) GetCapacityInfo(ctx context.Context) (*CapacityInfo, error) {
	used, max, err := c.store.MemoryInfo(ctx)
	if err != nil {
		return nil, memory.NewTierError(core.LayerTier1, "capacity", err)
	}
	info := &CapacityInfo{
		UsedBytes:         used,
		MaxBytes:          max,
		EvictionThreshold: c.cfg.EvictionThreshold,
	}
	if max > 0 {
		info.Ratio = float64(used) / float64(max)
	}
	return info, nil
}

// EvictOldEntries removes the least valuable entries in ns: all entries are
// ranked by (access count ascending, created-at ascending) and the lowest
// EvictionFraction are deleted, at least one when any exist. Returns how
// many entries were removed.
func (c *Cache) EvictOldEntries(ctx context.Context, ns string) (int, error) {
	recs, err := c.scanRecords(ctx, ns)
	if err != nil {
		return 0, memory.NewTierError(core.LayerTier1, "evict", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].AccessCount != recs[j].AccessCount {
			return recs[i].AccessCount < recs[j].AccessCount
		}
		return recs[i].Entry.CreatedAt.Before(recs[j].Entry.CreatedAt)
	})

	count := int(math.Ceil(c.cfg.EvictionFraction * float64(len(recs))))
	if count < 1 {
		count = 1
	}

	evicted := 0
	for _, rec := range recs[:count] {
		key := rec.Entry.Key
		if _, err := c.store.Delete(ctx, c.entryKey(ns, key)); err != nil {
			return evicted, memory.NewTierError(core.LayerTier1, "evict", err)
		}
		for _, tag := range rec.Entry.Tags {
			// Best-effort index cleanup; a dangling member is filtered at
			// read time anyway.
			_ = c.store.SRem(ctx, c.tagKey(ns, tag), key)
		}
		evicted++
	}
	log.Printf("[TIER1] evicted %d/%d entries from %q", evicted, len(recs), namespaceOrDefault(ns))
	return evicted, nil
}

// Delete removes one entry and its tag-index memberships. Returns whether
// the entry existed.
func (c *Cache) Delete(ctx context.Context, key, ns string) (bool, error) {
	rec, found, err := c.load(ctx, c.entryKey(ns, key))
	if err != nil {
		return false, memory.NewTierError(core.LayerTier1, "delete", err)
	}
	if !found {
		return false, nil
	}
	if _, err := c.store.Delete(ctx, c.entryKey(ns, key)); err != nil {
		return false, memory.NewTierError(core.LayerTier1, "delete", err)
	}
	for _, tag := range rec.Entry.Tags {
		_ = c.store.SRem(ctx, c.tagKey(ns, tag), key)
	}
	return true, nil
}

// Count returns how many live entries ns holds.
func (c *Cache) Count(ctx context.Context, ns string) (int, error) {
	keys, err := c.store.Scan(ctx, c.entryPattern(ns))
	if err != nil {
		return 0, memory.NewTierError(core.LayerTier1, "count", err)
	}
	return len(keys), nil
}

// ClearAll removes every entry and tag set in ns. Returns the number of
// entries removed.
func (c *Cache) ClearAll(ctx context.Context, ns string) (int, error) {
	keys, err := c.store.Scan(ctx, c.entryPattern(ns))
	if err != nil {
		return 0, memory.NewTierError(core.LayerTier1, "clear", err)
	}
	removed := 0
	if len(keys) > 0 {
		n, err := c.store.Delete(ctx, keys...)
		if err != nil {
			return 0, memory.NewTierError(core.LayerTier1, "clear", err)
		}
		removed = n
	}
	tagKeys, err := c.store.Scan(ctx, c.tagPattern(ns))
	if err != nil {
		return removed, memory.NewTierError(core.LayerTier1, "clear", err)
	}
	if len(tagKeys) > 0 {
		if _, err := c.store.Delete(ctx, tagKeys...); err != nil {
			return removed, memory.NewTierError(core.LayerTier1, "clear", err)
		}
	}
	return removed, nil
}

// Candidates returns entries in ns with at least minAccess tracked
// retrievals, most accessed first, capped at limit (0 = no cap). Used by
// the consolidation pipeline to pick migration candidates.
func (c *Cache) Candidates(ctx context.Context, ns string, minAccess, limit int) ([]Candidate, error) {
	recs, err := c.scanRecords(ctx, ns)
	if err != nil {
		return nil, memory.NewTierError(core.LayerTier1, "candidates", err)
	}

	var out []Candidate
	for _, rec := range recs {
		if rec.AccessCount < minAccess {
			continue
		}
		out = append(out, Candidate{Entry: rec.Entry, AccessCount: rec.AccessCount})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccessCount != out[j].AccessCount {
			return out[i].AccessCount > out[j].AccessCount
		}
		return out[i].Entry.Key < out[j].Entry.Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transcript returns a session's messages ordered by creation time.
// Conversation turns live in the session's own namespace, one entry per
// message.
func (c *Cache) Transcript(ctx context.Context, sessionID string) ([]core.Entry, error) {
	recs, err := c.scanRecords(ctx, SessionNamespace(sessionID))
	if err != nil {
		return nil, memory.NewTierError(core.LayerTier1, "transcript", err)
	}
	entries := make([]core.Entry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, rec.Entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

func (c *Cache) load(ctx context.Context, storeKey string) (*record, bool, error) {
	raw, found, err := c.store.Get(ctx, storeKey)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt record at %s: %w", storeKey, err)
	}
	return &rec, true, nil
}

func (c *Cache) scanRecords(ctx context.Context, ns string) ([]*record, error) {
	keys, err := c.store.Scan(ctx, c.entryPattern(ns))
	if err != nil {
		return nil, err
	}
	recs := make([]*record, 0, len(keys))
	for _, key := range keys {
		rec, found, err := c.load(ctx, key)
		if err != nil {
			log.Printf("[TIER1] skipping unreadable record %s: %v", key, err)
			continue
		}
		if found {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}
