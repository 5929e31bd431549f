package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrModelUnavailable is returned by the anomaly scorer when no trained model is loaded.
	ErrModelUnavailable = errors.New("anomaly model unavailable")

	// ErrLedgerUnavailable wraps persistence and history read failures.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrSchemaMismatch means the feature encoding used at scoring time differs
	// from the one the model was trained with. It is not recoverable.
	ErrSchemaMismatch = errors.New("feature schema mismatch")

	ErrNotFound = errors.New("record not found")
)

// ValidationError reports a malformed or missing transaction field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
