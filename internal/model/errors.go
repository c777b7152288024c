package model

import (
	"errors"
)

// Failure taxonomy shared by the backend, its clients and the sync core.
// Errors are wrapped with %w and classified with errors.Is.
var (
	// ErrTransient is a network or service hiccup; retrying is appropriate.
	ErrTransient = errors.New("transient failure")
	// ErrValidation is input rejected before or by the store.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means the conversation is missing or no longer accessible.
	ErrNotFound = errors.New("not found")
	// ErrSubscriptionLost means a live feed dropped after establishment.
	ErrSubscriptionLost = errors.New("subscription lost")
)

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrSubscriptionLost)
}
