package engine

import "errors"

var (
	// ErrNotFound is returned when a follow-up or campaign does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not valid for the current status
	ErrInvalidState = errors.New("invalid state")

	// ErrAlreadyExists is returned when the client already runs the campaign
	ErrAlreadyExists = errors.New("already exists")

	// ErrStoreUnavailable wraps storage failures; the operation can be retried
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidRequest is returned for missing required arguments
	ErrInvalidRequest = errors.New("invalid request")
)
