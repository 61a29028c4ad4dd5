package core

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// Entry is a single memory record as seen by callers.
//
// Entries are created by callers via the store path, retrieved and searched
// through the router, and destroyed by explicit delete, TTL expiry, or
// eviction. An entry may additionally be consolidated: copied into Tier2 or
// Tier3 as a new, independent record owned by that tier. The server-side
// access count is not part of the entry itself.
type Entry struct {
	// Key uniquely identifies the entry within its namespace. Required.
	Key string `json:"key"`

	// Value is the string payload.
	Value string `json:"value"`

	// TTL is how long the entry lives in Tier1. Zero means no expiry.
	TTL time.Duration `json:"ttl"`

	// Tags index the entry for tag search. Each tag must be normalized:
	// non-empty, lowercase, no whitespace. Insertion order is irrelevant.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the entry was created. Zero means "set on store".
	CreatedAt time.Time `json:"created_at"`

	// Metadata holds string-keyed scalar values. Consolidation scoring reads
	// "access_count", "stored_at" and "user_rating" from here when present.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Namespace partitions entries for multi-tenancy. Empty means "default".
	Namespace string `json:"namespace,omitempty"`
}

// Validate checks the entry invariants: non-empty key, non-negative TTL,
// normalized tags. Returns a *ValidationError describing the first problem.
func (e *Entry) Validate() error {
	if e.Key == "" {
		return NewValidationError("key", "must not be empty")
	}
	if e.TTL < 0 {
		return NewValidationError("ttl", "must not be negative, got %s", e.TTL)
	}
	for _, tag := range e.Tags {
		if !NormalizedTag(tag) {
			return NewValidationError("tags", "tag %q is not normalized (lowercase, no whitespace, non-empty)", tag)
		}
	}
	return nil
}

// NormalizedTag reports whether tag is in canonical form: non-empty,
// lowercase, and free of whitespace.
func NormalizedTag(tag string) bool {
	if tag == "" {
		return false
	}
	if tag != strings.ToLower(tag) {
		return false
	}
	for _, r := range tag {
		if unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// entryJSON is the wire form of Entry. TTL is serialized in whole seconds
// to stay readable in the backing store.
type entryJSON struct {
	Key        string            `json:"key"`
	Value      string            `json:"value"`
	TTLSeconds int64             `json:"ttl_seconds"`
	Tags       []string          `json:"tags,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Namespace  string            `json:"namespace,omitempty"`
}

// MarshalJSON serializes the entry with ttl_seconds semantics.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		Key:        e.Key,
		Value:      e.Value,
		TTLSeconds: int64(e.TTL / time.Second),
		Tags:       e.Tags,
		CreatedAt:  e.CreatedAt,
		Metadata:   e.Metadata,
		Namespace:  e.Namespace,
	})
}

// UnmarshalJSON restores an entry serialized by MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Key = w.Key
	e.Value = w.Value
	e.TTL = time.Duration(w.TTLSeconds) * time.Second
	e.Tags = w.Tags
	e.CreatedAt = w.CreatedAt
	e.Metadata = w.Metadata
	e.Namespace = w.Namespace
	return nil
}
