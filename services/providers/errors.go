package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies provider failures for the fallback chain
type ErrorKind string

const (
	// KindAuth is a bad or expired credential; fatal for the provider
	KindAuth ErrorKind = "auth"

	// KindRateLimit is vendor-side throttling
	KindRateLimit ErrorKind = "rate_limit"

	// KindTransient covers network failures, timeouts and 5xx responses
	KindTransient ErrorKind = "transient"

	// KindInvalidRequest is a 4xx caused by the request itself
	KindInvalidRequest ErrorKind = "invalid_request"
)

// ProviderError represents a classified error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Kind decides how the orchestrator reacts
	Kind ErrorKind

	// Message is the vendor's error message, if any
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// RetryAfter is the vendor hint for rate limit errors
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s error", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider string, kind ErrorKind, statusCode int, message string, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Kind:       kind,
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// NewRateLimitError creates a rate limit error carrying the vendor retry hint
func NewRateLimitError(provider string, statusCode int, message string, retryAfter time.Duration) *ProviderError {
	err := NewProviderError(provider, KindRateLimit, statusCode, message, nil)
	err.RetryAfter = retryAfter
	return err
}

// KindOf returns the classification of err. Unclassified errors count as transient.
func KindOf(err error) ErrorKind {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Kind
	}
	return KindTransient
}

// IsRetryable checks if an error may be retried on the same provider
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// RetryAfterOf extracts the vendor retry hint, zero when absent
func RetryAfterOf(err error) time.Duration {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.RetryAfter
	}
	return 0
}

// ClassifyStatus maps a non-2xx vendor HTTP status into the error taxonomy
func ClassifyStatus(provider string, statusCode int, header http.Header, message string) *ProviderError {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewProviderError(provider, KindAuth, statusCode, message, nil)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(provider, statusCode, message, ParseRetryAfter(header, time.Now()))
	case statusCode == http.StatusRequestTimeout || statusCode >= 500:
		return NewProviderError(provider, KindTransient, statusCode, message, nil)
	default:
		return NewProviderError(provider, KindInvalidRequest, statusCode, message, nil)
	}
}

// ParseRetryAfter reads a Retry-After header given as seconds or an HTTP date
func ParseRetryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
