package upstream

import (
	"errors"
	"fmt"
	"time"
)

const (
	OutcomeSuccess       = "success"
	OutcomeAuthError     = "auth_error"
	OutcomeRateLimited   = "rate_limited"
	OutcomeUpstreamError = "upstream_error"
	OutcomeNetworkError  = "network_error"
	// OutcomeError covers failures outside the request pipeline.
	OutcomeError = "error"
)

// ErrAuthExpired means there is no usable credential or the platform
// rejected the one that was sent. The credential store has been invalidated
// by the time this error is returned.
var ErrAuthExpired = errors.New("credential expired, please log in again")

// RateLimitedError is returned when the platform throttled the request or
// when the local limiter would have to wait longer than allowed.
type RateLimitedError struct {
	RetryAfter time.Duration
	// Local is true when the request never left the process.
	Local bool
}

func (e *RateLimitedError) Error() string {
	if e.Local {
		return fmt.Sprintf("rate limited locally, retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by upstream, retry after %s", e.RetryAfter)
}

// UpstreamError is any other unsuccessful response.
type UpstreamError struct {
	Status int
	// Code is the platform status_code when the body carried one.
	Code int
	Body string
}

func (e *UpstreamError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("upstream error: http %d, status_code %d: %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("upstream error: http %d: %s", e.Status, e.Body)
}

// NetworkError wraps transport failures: timeouts, resets, dns.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s", e.Err.Error())
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func retryable(err error) bool {
	var network *NetworkError
	if errors.As(err, &network) {
		return true
	}
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return !limited.Local
	}
	return false
}
