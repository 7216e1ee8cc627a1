package transport

import (
	"errors"
	"fmt"
	"time"
)

// TransientError marks failures worth retrying automatically: no
// connection, network errors, send timeouts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectionError is a server-side rejection (validation, rate limit).
// It is surfaced to the user, not silently retried; RetryAfter, when
// non-zero, suppresses automatic retry until it elapses.
type RejectionError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *RejectionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("server rejected send (code %d): %s (retry after %s)", e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("server rejected send (code %d): %s", e.Code, e.Message)
}

// ErrNotConnected is returned by Send when no channel is available.
var ErrNotConnected = errors.New("no connection to server")

// IsTransient reports whether err should be retried automatically.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrNotConnected)
}

// AsRejection extracts a RejectionError if err carries one.
func AsRejection(err error) (*RejectionError, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
