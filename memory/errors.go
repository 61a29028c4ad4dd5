package memory

import (
	"errors"
	"fmt"

	"github.com/stratamem/strata-go/core"
)

// TierError reports a failed operation against one tier's backend.
// Callers should treat it as "this tier is currently unavailable".
type TierError struct {
	// Layer is the tier whose backend failed.
	Layer core.Layer

	// Op names the operation that failed ("store", "retrieve", "search", ...).
	Op string

	// Err is the underlying backend error.
	Err error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Layer, e.Op, e.Err)
}

func (e *TierError) Unwrap() error {
	return e.Err
}

// NewTierError wraps a backend error with the tier and operation it came from.
func NewTierError(layer core.Layer, op string, err error) *TierError {
	return &TierError{Layer: layer, Op: op, Err: err}
}

// IsTierError reports whether err is (or wraps) a TierError.
func IsTierError(err error) bool {
	var te *TierError
	return errors.As(err, &te)
}
