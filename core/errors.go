package core

import "fmt"

// ValidationError reports malformed input at construction or call time.
// Validation failures are always surfaced immediately, never coerced.
type ValidationError struct {
	// Field is the name of the offending field or parameter.
	Field string

	// Reason describes what was wrong with the value.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
