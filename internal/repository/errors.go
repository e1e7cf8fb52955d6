package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the store rejected a value.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrConflict indicates a constraint blocked the mutation.
	ErrConflict = errors.New("repository: conflict")
	// ErrQuotaExceeded indicates a conditional quota increment found no capacity.
	ErrQuotaExceeded = errors.New("repository: quota exceeded")
	// ErrUnavailable indicates the store did not answer within the configured
	// bound; the whole request is safe to retry.
	ErrUnavailable = errors.New("repository: store unavailable")
)
