package engine

import "errors"

// Error taxonomy surfaced to callers. The repo's ErrNotFound covers unknown
// entities; everything here is an authenticated-caller failure. Delivery
// failures never appear in this set: the notifier is its own failure domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
)
