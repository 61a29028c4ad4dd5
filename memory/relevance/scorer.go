// Package relevance scores memory entries for consolidation ranking.
//
// A score combines three signals, each in [0, 1]: how often the entry was
// retrieved (frequency), how recently it was stored (recency), and explicit
// user feedback. Scores are produced fresh per call and never persisted;
// they only rank and select candidates.
package relevance

import (
	"math"
	"strconv"
	"time"

	"github.com/stratamem/strata-go/core"
)

// Weights are the relative contributions of the three signals.
// They must each lie in [0, 1] and sum to 1.0.
type Weights struct {
	Frequency float64
	Recency   float64
	Feedback  float64
}

// DefaultWeights is the standard blend: recency slightly ahead of the rest.
var DefaultWeights = Weights{Frequency: 0.3, Recency: 0.4, Feedback: 0.3}

const (
	// DefaultMaxAccessCount is the access count at which the frequency
	// signal saturates.
	DefaultMaxAccessCount = 100

	// DefaultHalfLife is the age at which the recency signal halves.
	DefaultHalfLife = 7 * 24 * time.Hour

	// neutralFeedback is used when no user rating was supplied.
	neutralFeedback = 0.5

	weightEpsilon = 1e-9
)

// Score is the breakdown of one scoring call. All fields are in [0, 1].
type Score struct {
	Frequency float64 `json:"frequency_score"`
	Recency   float64 `json:"recency_score"`
	Feedback  float64 `json:"user_feedback"`
	Total     float64 `json:"total_score"`
}

// Scorer is a pure scoring function object. Construct with New; the zero
// value is not usable.
type Scorer struct {
	weights        Weights
	maxAccessCount int
	halfLife       time.Duration
}

// Option tunes a Scorer.
type Option func(*Scorer)

// WithMaxAccessCount sets the access count at which frequency saturates.
func WithMaxAccessCount(n int) Option {
	return func(s *Scorer) {
		s.maxAccessCount = n
	}
}

// WithHalfLife sets the age at which the recency signal halves.
func WithHalfLife(d time.Duration) Option {
	return func(s *Scorer) {
		s.halfLife = d
	}
}

// New creates a Scorer. Construction fails with a ValidationError when any
// weight is outside [0, 1] or the weights do not sum to 1.0.
func New(w Weights, opts ...Option) (*Scorer, error) {
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"frequency", w.Frequency},
		{"recency", w.Recency},
		{"feedback", w.Feedback},
	} {
		if v.value < 0 || v.value > 1 {
			return nil, core.NewValidationError("weights", "%s weight %g outside [0, 1]", v.name, v.value)
		}
	}
	if sum := w.Frequency + w.Recency + w.Feedback; math.Abs(sum-1.0) > weightEpsilon {
		return nil, core.NewValidationError("weights", "must sum to 1.0, got %g", sum)
	}

	s := &Scorer{
		weights:        w,
		maxAccessCount: DefaultMaxAccessCount,
		halfLife:       DefaultHalfLife,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAccessCount < 1 {
		return nil, core.NewValidationError("max_access_count", "must be >= 1, got %d", s.maxAccessCount)
	}
	if s.halfLife <= 0 {
		return nil, core.NewValidationError("half_life", "must be positive, got %s", s.halfLife)
	}
	return s, nil
}

// MustNew is New for static configuration; it panics on invalid weights.
func MustNew(w Weights, opts ...Option) *Scorer {
	s, err := New(w, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// FrequencyScore maps an access count onto [0, 1] with logarithmic
// saturation: 0 at zero accesses, ~1 at maxAccessCount and beyond.
func (s *Scorer) FrequencyScore(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	score := math.Log(float64(accessCount)+1) / math.Log(float64(s.maxAccessCount)+1)
	return math.Min(score, 1)
}

// RecencyScore maps an entry age onto (0, 1] with exponential decay: 1 at
// age zero, exactly 0.5 at the half-life. Negative ages are rejected.
func (s *Scorer) RecencyScore(age time.Duration) (float64, error) {
	if age < 0 {
		return 0, core.NewValidationError("age", "must not be negative, got %s", age)
	}
	halfLives := float64(age) / float64(s.halfLife)
	return math.Exp2(-halfLives), nil
}

// Score combines the three signals. feedback nil means "no rating" and
// contributes the neutral 0.5; a supplied rating must lie in [0, 1].
func (s *Scorer) Score(accessCount int, age time.Duration, feedback *float64) (*Score, error) {
	recency, err := s.RecencyScore(age)
	if err != nil {
		return nil, err
	}
	fb := neutralFeedback
	if feedback != nil {
		if *feedback < 0 || *feedback > 1 {
			return nil, core.NewValidationError("user_rating", "must be in [0, 1], got %g", *feedback)
		}
		fb = *feedback
	}
	freq := s.FrequencyScore(accessCount)

	return &Score{
		Frequency: freq,
		Recency:   recency,
		Feedback:  fb,
		Total:     s.weights.Frequency*freq + s.weights.Recency*recency + s.weights.Feedback*fb,
	}, nil
}

// ScoreMetadata computes a score from an entry's metadata map. Required
// keys: "access_count" (integer) and "stored_at" (RFC 3339). Optional:
// "user_rating" (float in [0, 1]). A stored_at in the future relative to
// now is rejected.
func (s *Scorer) ScoreMetadata(meta map[string]string, now time.Time) (*Score, error) {
	rawCount, ok := meta["access_count"]
	if !ok {
		return nil, core.NewValidationError("access_count", "missing from metadata")
	}
	accessCount, err := strconv.Atoi(rawCount)
	if err != nil {
		return nil, core.NewValidationError("access_count", "not an integer: %q", rawCount)
	}

	rawStored, ok := meta["stored_at"]
	if !ok {
		return nil, core.NewValidationError("stored_at", "missing from metadata")
	}
	storedAt, err := time.Parse(time.RFC3339, rawStored)
	if err != nil {
		return nil, core.NewValidationError("stored_at", "not an RFC 3339 timestamp: %q", rawStored)
	}
	if storedAt.After(now) {
		return nil, core.NewValidationError("stored_at", "is in the future: %s", rawStored)
	}

	var feedback *float64
	if rawRating, ok := meta["user_rating"]; ok {
		rating, err := strconv.ParseFloat(rawRating, 64)
		if err != nil {
			return nil, core.NewValidationError("user_rating", "not a number: %q", rawRating)
		}
		feedback = &rating
	}

	return s.Score(accessCount, now.Sub(storedAt), feedback)
}
