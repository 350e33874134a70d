package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// VenueError is a classified failure from a venue call.
type VenueError struct {
	Venue      VenueName
	Op         string
	HTTPStatus int
	Message    string
	Timeout    bool // network timeout: outcome on the venue side is unknown
	Retryable  bool
}

func (e *VenueError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timeout", e.Venue, e.Op)
	}
	return fmt.Sprintf("%s %s: %s (status %d)", e.Venue, e.Op, e.Message, e.HTTPStatus)
}

// CircuitOpenError is returned without touching the network when a venue's
// breaker is open.
type CircuitOpenError struct {
	Venue VenueName
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Venue)
}

// IsTimeout reports whether the error is a venue timeout, meaning the
// outcome of the call is unknown and must be resolved by reconciliation.
func IsTimeout(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether the error is transient (timeouts, 5xx).
// Rejections and other 4xx responses are not retryable.
func IsRetryable(err error) bool {
	if IsTimeout(err) {
		return true
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// IsCircuitOpen reports whether the error came from an open breaker.
func IsCircuitOpen(err error) bool {
	var ce *CircuitOpenError
	return errors.As(err, &ce)
}

// IsRejected reports whether the venue definitively rejected the request.
func IsRejected(err error) bool {
	var ve *VenueError
	if errors.As(err, &ve) {
		return !ve.Timeout && !ve.Retryable
	}
	return false
}
