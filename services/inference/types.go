package inference

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/upb/fitchat-gateway/services/providers"
)

// ChatInput is one inbound chat turn from an authenticated user
type ChatInput struct {
	UserID    string                 `validate:"required"`
	RequestID string
	Messages  []providers.Message    `validate:"required,min=1,dive"`
	Tools     []providers.ToolSchema `validate:"omitempty,dive"`

	// Temperature is nil to use the vendor default
	Temperature *float64 `validate:"omitempty,gte=0,lte=2"`
}

// ChatOutput is the result of a successful turn
type ChatOutput struct {
	Content           string
	ToolCallsExecuted []providers.ToolResult
	Usage             providers.Usage
	Cost              decimal.Decimal
	ProviderUsed      string

	// Rounds is the number of model calls made
	Rounds int

	// Truncated is set when the tool round bound forced the answer
	Truncated bool

	// Billed is false when the ledger write failed after a served turn
	Billed bool
}

// Error codes surfaced to clients
const (
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeRateLimitExceeded  = "rate_limit_exceeded"
	ErrCodeAllProvidersFailed = "all_providers_failed"
	ErrCodeClientClosed       = "client_closed_request"
	ErrCodeInternal           = "internal_error"
)

// StatusClientClosedRequest is the non-standard status logged when the caller went away
const StatusClientClosedRequest = 499

// InferenceError represents a fatal error of a chat turn. No usage is billed
// when one is returned.
type InferenceError struct {
	Code       string
	Message    string
	StatusCode int

	// RetryAfter is set for rate limit rejections, and for provider
	// exhaustion when a vendor supplied a hint
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface
func (e *InferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *InferenceError) Unwrap() error {
	return e.Err
}

// NewInvalidRequestError creates a 400 error; message is shown to the caller
func NewInvalidRequestError(message string, err error) *InferenceError {
	return &InferenceError{
		Code:       ErrCodeInvalidRequest,
		Message:    message,
		StatusCode: 400,
		Err:        err,
	}
}

// NewRateLimitError creates a 429 error
func NewRateLimitError(retryAfter time.Duration) *InferenceError {
	return &InferenceError{
		Code:       ErrCodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		StatusCode: 429,
		RetryAfter: retryAfter,
	}
}

// NewAllProvidersFailedError creates a 502 error
func NewAllProvidersFailedError(retryAfter time.Duration, err error) *InferenceError {
	return &InferenceError{
		Code:       ErrCodeAllProvidersFailed,
		Message:    "all providers failed",
		StatusCode: 502,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// NewClientClosedError is returned when the caller cancelled the turn
func NewClientClosedError(err error) *InferenceError {
	return &InferenceError{
		Code:       ErrCodeClientClosed,
		Message:    "request cancelled by client",
		StatusCode: StatusClientClosedRequest,
		Err:        err,
	}
}

// NewInternalError creates a 500 error
func NewInternalError(message string, err error) *InferenceError {
	return &InferenceError{
		Code:       ErrCodeInternal,
		Message:    message,
		StatusCode: 500,
		Err:        err,
	}
}
