package storage

import "errors"

// Storage errors for cache stores.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrClosed is returned when a store is used after Close.
	ErrClosed = errors.New("store closed")
)
