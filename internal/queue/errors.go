package queue

import (
	"errors"

	"clinicq/internal/store"
)

var (
	ErrPatientNotFound = store.ErrPatientNotFound
	ErrUnauthorized    = errors.New("verification failed")
)

// ValidationError reports malformed input. Message is safe to show to the
// caller.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(message string) error {
	return &ValidationError{Message: message}
}
