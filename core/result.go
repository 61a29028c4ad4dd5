package core

import (
	"time"
)

// SearchResult is one ranked hit produced by a memory layer.
type SearchResult struct {
	// Entry is the found memory entry.
	Entry Entry `json:"entry"`

	// Score is the layer's relevance estimate in [0, 1].
	Score float64 `json:"score"`

	// Layer identifies which tier produced the result.
	Layer Layer `json:"layer"`

	// RetrievalTime is how long the lookup took.
	RetrievalTime time.Duration `json:"retrieval_time"`
}

// NewSearchResult builds a SearchResult, validating the score range, the
// layer name, and that the retrieval time is non-negative.
func NewSearchResult(entry Entry, score float64, layer Layer, retrievalTime time.Duration) (*SearchResult, error) {
	if score < 0 || score > 1 {
		return nil, NewValidationError("score", "must be in [0, 1], got %g", score)
	}
	if !layer.Valid() {
		return nil, NewValidationError("layer", "unknown layer %q", layer)
	}
	if retrievalTime < 0 {
		return nil, NewValidationError("retrieval_time", "must not be negative, got %s", retrievalTime)
	}
	return &SearchResult{
		Entry:         entry,
		Score:         score,
		Layer:         layer,
		RetrievalTime: retrievalTime,
	}, nil
}

// QueryMetadata carries per-request hints for routing decisions.
// Zero-valued fields mean "unknown".
type QueryMetadata struct {
	// SessionStart is when the current session began, if known.
	SessionStart time.Time

	// Timestamp is when the request was issued, if known. Used as a
	// fallback when SessionStart is unset.
	Timestamp time.Time

	// Namespace scopes Tier1 and Tier2 lookups. Empty means "default".
	Namespace string
}
