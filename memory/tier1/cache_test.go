package tier1_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stratamem/strata-go/core"
	"github.com/stratamem/strata-go/memory/store/inmem"
	"github.com/stratamem/strata-go/memory/tier1"
)

// fakeClock is a manually advanced time source shared between a cache and
// its backing store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(maxMemory int64) (*tier1.Cache, *inmem.Store, *fakeClock) {
	clock := newFakeClock()
	store := inmem.NewStore(maxMemory)
	store.SetClock(clock.Now)
	cache := tier1.New(store, nil)
	cache.SetClock(clock.Now)
	return cache, store, clock
}

func entry(key string, ttl time.Duration, tags ...string) *core.Entry {
	return &core.Entry{
		Key:       key,
		Value:     "value of " + key,
		TTL:       ttl,
		Tags:      tags,
		Namespace: "test",
	}
}

func TestStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(0)

	in := entry("greeting", time.Hour, "smalltalk")
	in.Metadata = map[string]string{"source": "chat"}
	ok, err := cache.Store(ctx, in)
	if err != nil || !ok {
		t.Fatalf("Store failed: ok=%v err=%v", ok, err)
	}

	got, err := cache.Retrieve(ctx, "greeting", "test", false)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a hit")
	}
	if got.Value != in.Value || got.Metadata["source"] != "chat" {
		t.Errorf("retrieved entry differs: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned on store")
	}
}

func TestStoreRejectsInvalidEntry(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(0)

	if _, err := cache.Store(ctx, &core.Entry{Key: ""}); err == nil {
		t.Error("empty key accepted")
	}
	if _, err := cache.Store(ctx, &core.Entry{Key: "k", TTL: -time.Second}); err == nil {
		t.Error("negative TTL accepted")
	}
	if _, err := cache.Store(ctx, &core.Entry{Key: "k", Tags: []string{"Bad Tag"}}); err == nil {
		t.Error("non-normalized tag accepted")
	}
}

func TestRetrieveMissReturnsNil(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(0)

	got, err := cache.Retrieve(ctx, "absent", "test", true)
	if err != nil {
		t.Fatalf("miss should not error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on miss, got %+v", got)
	}
}

func TestTrackAccessPreservesRemainingTTL(t *testing.T) {
	ctx := context.Background()
	cache, store, clock := newTestCache(0)

	if _, err := cache.Store(ctx, entry("fact", 100*time.Second)); err != nil {
		t.Fatalf("Store: %v", err)
	}

	clock.Advance(40 * time.Second)
	if _, err := cache.Retrieve(ctx, "fact", "test", true); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	remaining, ok, err := store.TTL(ctx, "strata:test:fact")
	if err != nil || !ok {
		t.Fatalf("TTL lookup failed: ok=%v err=%v", ok, err)
	}
	if remaining > 60*time.Second || remaining < 59*time.Second {
		t.Errorf("tracked retrieve changed the TTL: remaining=%s, want ~60s", remaining)
	}

	// Entry must be gone after the original deadline.
	clock.Advance(61 * time.Second)
	got, err := cache.Retrieve(ctx, "fact", "test", false)
	if err != nil {
		t.Fatalf("Retrieve after expiry: %v", err)
	}
	if got != nil {
		t.Error("tracked retrieve extended the entry's lifetime")
	}
}

func TestSearchViaTagIndex(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(0)

	for i := 0; i < 3; i++ {
		e := entry(fmt.Sprintf("pref-%d", i), time.Hour, "prefs")
		if i == 0 {
			e.Tags = append(e.Tags, "ui")
		}
		if _, err := cache.Store(ctx, e); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	all, err := cache.Search(ctx, []string{"prefs"}, "test", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d entries for tag prefs, want 3", len(all))
	}

	both, err := cache.Search(ctx, []string{"prefs", "ui"}, "test", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(both) != 1 || both[0].Key != "pref-0" {
		t.Errorf("tag intersection wrong: %+v", both)
	}
}

func TestSearchFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestCache(0)

	if _, err := cache.Store(ctx, entry("orphan", time.Hour, "rare")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// Drop the tag set to simulate an index that expired ahead of the entry.
	if _, err := store.Delete(ctx, "strata:tags:test:rare"); err != nil {
		t.Fatalf("Delete tag set: %v", err)
	}

	got, err := cache.Search(ctx, []string{"rare"}, "test", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Key != "orphan" {
		t.Errorf("fallback scan missed the entry: %+v", got)
	}
}

func TestSearchValidatesTags(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(0)

	if _, err := cache.Search(ctx, nil, "test", 10); err == nil {
		t.Error("empty tag list accepted")
	}
	if _, err := cache.Search(ctx, []string{"Not Normalized"}, "test", 10); err == nil {
		t.Error("non-normalized tag accepted")
	}
}

func TestEvictOldEntriesOrderAndCount(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestCache(0)

	// Ten entries with distinct access counts: pref-i accessed i times.
	const n = 10
	for i := 0; i < n; i++ {
		e := entry(fmt.Sprintf("e-%d", i), 0)
		if _, err := cache.Store(ctx, e); err != nil {
			t.Fatalf("Store: %v", err)
		}
		clock.Advance(time.Second)
		for j := 0; j < i; j++ {
			if _, err := cache.Retrieve(ctx, e.Key, "test", true); err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
		}
	}

	evicted, err := cache.EvictOldEntries(ctx, "test")
	if err != nil {
		t.Fatalf("EvictOldEntries: %v", err)
	}
	if evicted != 2 { // ceil(0.2 * 10)
		t.Errorf("evicted %d, want 2", evicted)
	}

	count, err := cache.Count(ctx, "test")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != n-2 {
		t.Errorf("%d entries remain, want %d", count, n-2)
	}

	// The removed entries were the least accessed.
	for _, key := range []string{"e-0", "e-1"} {
		got, err := cache.Retrieve(ctx, key, "test", false)
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if got != nil {
			t.Errorf("%s survived eviction but had the lowest rank", key)
		}
	}
	for _, key := range []string{"e-2", "e-9"} {
		got, err := cache.Retrieve(ctx, key, "test", false)
		if err != nil {
			t.Fatalf("Retrieve: %v", err)
		}
		if got == nil {
			t.Errorf("%s evicted despite higher rank", key)
		}
	}
}

func TestEvictionAtLeastOne(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(0)

	if _, err := cache.Store(ctx, entry("only", 0)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	evicted, err := cache.EvictOldEntries(ctx, "test")
	if err != nil {
		t.Fatalf("EvictOldEntries: %v", err)
	}
	if evicted != 1 {
		t.Errorf("evicted %d, want 1", evicted)
	}
}

func TestStoreEvictsWhenOverThreshold(t *testing.T) {
	ctx := context.Background()
	// Tiny budget: a handful of entries pushes used/max past 0.8.
	cache, _, clock := newTestCache(600)

	for i := 0; i < 8; i++ {
		if _, err := cache.Store(ctx, entry(fmt.Sprintf("bulk-%d", i), 0)); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	before, _ := cache.Count(ctx, "test")

	// Step past the capacity cache window so the next write sees the
	// current pressure.
	clock.Advance(11 * time.Second)
	if _, err := cache.Store(ctx, entry("trigger", 0)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	after, _ := cache.Count(ctx, "test")
	if after > before {
		t.Errorf("no eviction under pressure: before=%d after=%d", before, after)
	}
}

func TestCapacityReadingIsCached(t *testing.T) {
	ctx := context.Background()
	cache, store, clock := newTestCache(1000)

	first, err := cache.Capacity(ctx)
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}

	// Grow usage; the cached reading must hold inside the window.
	if err := store.Set(ctx, "filler", string(make([]byte, 500)), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clock.Advance(2 * time.Second)
	cached, err := cache.Capacity(ctx)
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	if cached != first {
		t.Errorf("reading refreshed inside the window: %g -> %g", first, cached)
	}

	clock.Advance(10 * time.Second)
	fresh, err := cache.Capacity(ctx)
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	if fresh <= first {
		t.Errorf("reading not refreshed after the window: %g -> %g", first, fresh)
	}
}

func TestCapacityUnlimitedIsZero(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(0)

	if _, err := cache.Store(ctx, entry("a", 0)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	ratio, err := cache.Capacity(ctx)
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	if ratio != 0 {
		t.Errorf("unlimited store reports ratio %g, want 0", ratio)
	}
}

func TestDeleteCleansTagIndex(t *testing.T) {
	ctx := context.Background()
	cache, store, _ := newTestCache(0)

	if _, err := cache.Store(ctx, entry("tagged", time.Hour, "cleanup")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	existed, err := cache.Delete(ctx, "tagged", "test")
	if err != nil || !existed {
		t.Fatalf("Delete: existed=%v err=%v", existed, err)
	}

	members, err := store.SMembers(ctx, "strata:tags:test:cleanup")
	if err != nil {
		t.Fatalf("SMembers: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("tag set still holds %v after delete", members)
	}

	existed, err = cache.Delete(ctx, "tagged", "test")
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if existed {
		t.Error("second delete reported the entry as existing")
	}
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(0)

	for i := 0; i < 4; i++ {
		if _, err := cache.Store(ctx, entry(fmt.Sprintf("c-%d", i), 0, "bulk")); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	removed, err := cache.ClearAll(ctx, "test")
	if err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if removed != 4 {
		t.Errorf("removed %d, want 4", removed)
	}
	count, _ := cache.Count(ctx, "test")
	if count != 0 {
		t.Errorf("%d entries remain after ClearAll", count)
	}
	got, err := cache.Search(ctx, []string{"bulk"}, "test", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("tag search still finds %d entries", len(got))
	}
}

func TestCandidates(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newTestCache(0)

	for i, accesses := range []int{0, 3, 7} {
		e := entry(fmt.Sprintf("cand-%d", i), 0)
		if _, err := cache.Store(ctx, e); err != nil {
			t.Fatalf("Store: %v", err)
		}
		for j := 0; j < accesses; j++ {
			if _, err := cache.Retrieve(ctx, e.Key, "test", true); err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
		}
	}

	cands, err := cache.Candidates(ctx, "test", 3, 0)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates with >=3 accesses, want 2", len(cands))
	}
	if cands[0].AccessCount != 7 || cands[1].AccessCount != 3 {
		t.Errorf("candidates not sorted by access count desc: %+v", cands)
	}

	all, err := cache.Candidates(ctx, "test", 0, 2)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("limit not applied: got %d", len(all))
	}
}

func TestTranscriptOrdering(t *testing.T) {
	ctx := context.Background()
	cache, _, clock := newTestCache(0)

	session := tier1.SessionNamespace("s-42")
	for i, text := range []string{"user: hi", "assistant: hello", "user: bye"} {
		e := &core.Entry{
			Key:       fmt.Sprintf("msg-%d", i),
			Value:     text,
			Namespace: session,
		}
		if _, err := cache.Store(ctx, e); err != nil {
			t.Fatalf("Store: %v", err)
		}
		clock.Advance(time.Second)
	}

	transcript, err := cache.Transcript(ctx, "s-42")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(transcript) != 3 {
		t.Fatalf("got %d messages, want 3", len(transcript))
	}
	if transcript[0].Value != "user: hi" || transcript[2].Value != "user: bye" {
		t.Errorf("transcript out of order: %+v", transcript)
	}
}
