package client

import (
	"errors"
	"fmt"
	"time"
)

// ErrAllProvidersFailed means every provider in the chain failed the turn.
// Nothing was billed; the turn may be retried later.
var ErrAllProvidersFailed = errors.New("all providers failed")

// RateLimitedError means the caller used up the current window
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// InvalidRequestError means the request was rejected as malformed.
// Retrying it unchanged fails the same way.
type InvalidRequestError struct {
	Detail string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Detail
}

// APIError is any other non-200 answer
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Message)
}
