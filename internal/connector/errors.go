package connector

import "fmt"

// Error classes used in metrics labels.
const (
	classNetwork  = "network"
	classDecode   = "decode"
	classRejected = "rejected"
)

// NetworkError is a transient transport failure. Always safe to retry, except for
// submissions, which callers deduplicate by seqno.
type NetworkError struct {
	Method string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Method, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports that the error is retryable.
func (e *NetworkError) Temporary() bool {
	return true
}

// DecodeError is a malformed response. Not retryable.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode error: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Temporary reports that the error is not retryable.
func (e *DecodeError) Temporary() bool {
	return false
}

// RejectedError means the ledger explicitly refused a submission. Terminal.
type RejectedError struct {
	Method  string
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected (%d): %s", e.Method, e.Code, e.Message)
}

// Temporary reports that the error is not retryable.
func (e *RejectedError) Temporary() bool {
	return false
}
