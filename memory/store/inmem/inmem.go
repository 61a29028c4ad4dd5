// Package inmem provides in-process backends for the Tier1 and Tier3
// contracts. They are meant for local development and tests; production
// deployments use store/redis and a real episodic service.
package inmem

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// Store is an in-process Tier1Store: a TTL key-value map with set support,
// glob scans and a synthetic memory-info report.
type Store struct {
	mu        sync.Mutex
	values    map[string]valueItem
	sets      map[string]setItem
	maxMemory int64
	clock     func() time.Time
}

type valueItem struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type setItem struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewStore creates a store. maxMemoryBytes bounds the synthetic capacity
// report; zero means unlimited.
func NewStore(maxMemoryBytes int64) *Store {
	return &Store{
		values:    make(map[string]valueItem),
		sets:      make(map[string]setItem),
		maxMemory: maxMemoryBytes,
		clock:     time.Now,
	}
}

// SetClock overrides the store's time source. Test helper.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *Store) expired(at time.Time) bool {
	return !at.IsZero() && !s.clock().Before(at)
}

// Get returns the value for key, expiring it lazily.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.values[key]
	if !ok {
		return "", false, nil
	}
	if s.expired(item.expiresAt) {
		delete(s.values, key)
		return "", false, nil
	}
	return item.value, true, nil
}

// Set writes value under key. A zero TTL means no expiry.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := valueItem{value: value}
	if ttl > 0 {
		item.expiresAt = s.clock().Add(ttl)
	}
	s.values[key] = item
	return nil
}

// Delete removes keys and returns how many existed.
func (s *Store) Delete(_ context.Context, keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, key := range keys {
		if item, ok := s.values[key]; ok {
			if !s.expired(item.expiresAt) {
				n++
			}
			delete(s.values, key)
		}
		if set, ok := s.sets[key]; ok {
			if !s.expired(set.expiresAt) {
				n++
			}
			delete(s.sets, key)
		}
	}
	return n, nil
}

// Scan returns live value keys matching a glob pattern, sorted.
func (s *Store) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, item := range s.values {
		if s.expired(item.expiresAt) {
			delete(s.values, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key, set := range s.sets {
		if s.expired(set.expiresAt) {
			delete(s.sets, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// TTL returns the remaining lifetime of key; negative means no expiry.
func (s *Store) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.values[key]; ok && !s.expired(item.expiresAt) {
		if item.expiresAt.IsZero() {
			return -1, true, nil
		}
		return item.expiresAt.Sub(s.clock()), true, nil
	}
	if set, ok := s.sets[key]; ok && !s.expired(set.expiresAt) {
		if set.expiresAt.IsZero() {
			return -1, true, nil
		}
		return set.expiresAt.Sub(s.clock()), true, nil
	}
	return 0, false, nil
}

// SAdd adds members to the set at key, creating it if needed.
func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok || s.expired(set.expiresAt) {
		set = setItem{members: make(map[string]struct{})}
	}
	for _, m := range members {
		set.members[m] = struct{}{}
	}
	s.sets[key] = set
	return nil
}

// SMembers returns all members of the set at key, sorted; nil if absent.
func (s *Store) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	if s.expired(set.expiresAt) {
		delete(s.sets, key)
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// SRem removes members from the set at key, dropping the set when empty.
func (s *Store) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok || s.expired(set.expiresAt) {
		return nil
	}
	for _, m := range members {
		delete(set.members, m)
	}
	if len(set.members) == 0 {
		delete(s.sets, key)
	} else {
		s.sets[key] = set
	}
	return nil
}

// Expire sets the TTL of an existing key. Zero removes the expiry.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.clock().Add(ttl)
	}
	if item, ok := s.values[key]; ok && !s.expired(item.expiresAt) {
		item.expiresAt = expiresAt
		s.values[key] = item
		return nil
	}
	if set, ok := s.sets[key]; ok && !s.expired(set.expiresAt) {
		set.expiresAt = expiresAt
		s.sets[key] = set
	}
	return nil
}

// MemoryInfo reports used bytes (sum of key and value sizes) against the
// configured maximum. Max of zero means unlimited.
func (s *Store) MemoryInfo(_ context.Context) (used, max int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, item := range s.values {
		if s.expired(item.expiresAt) {
			delete(s.values, key)
			continue
		}
		used += int64(len(key) + len(item.value))
	}
	for key, set := range s.sets {
		if s.expired(set.expiresAt) {
			delete(s.sets, key)
			continue
		}
		used += int64(len(key))
		for m := range set.members {
			used += int64(len(m))
		}
	}
	return used, s.maxMemory, nil
}
