package messaging

import "errors"

// Sentinel kinds. Typed errors in errors.go unwrap to one of these so callers
// can branch with errors.Is regardless of which layer produced the failure.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrNotParticipant   = errors.New("not a participant")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrConflict         = errors.New("conflict")
	ErrPersistence      = errors.New("persistence failure")
	ErrUpload           = errors.New("upload failure")
)

// Subscription stream terminal errors.
var (
	// ErrSubscriptionOverflow means the consumer fell too far behind and was evicted.
	// Events were lost; the caller must re-list history and subscribe again.
	ErrSubscriptionOverflow = errors.New("subscription overflow")

	// ErrSubscriptionClosed is returned by Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)
