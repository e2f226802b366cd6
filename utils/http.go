package utils

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// InvalidRequestResponse is the body of a rejected chat request
type InvalidRequestResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// RateLimitedResponse is the body of a 429
type RateLimitedResponse struct {
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Data    interface{} `json:"data"`
	Message string      `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteOK writes a 200 OK response with optional data
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Data: data})
}

// WriteBadRequest writes a 400 Bad Request response with error details
func WriteBadRequest(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "bad_request",
		Message: message,
		Details: details,
	})
}

// WriteInvalidRequest writes {"error":"invalid_request","detail":...}
func WriteInvalidRequest(w http.ResponseWriter, detail string) error {
	return WriteJSON(w, http.StatusBadRequest, InvalidRequestResponse{
		Error:  "invalid_request",
		Detail: detail,
	})
}

// WriteUnauthorized writes a 401 Unauthorized response
func WriteUnauthorized(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Authentication required"
	}
	return WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:   "unauthorized",
		Message: message,
	})
}

// WriteNotFound writes a 404 Not Found response
func WriteNotFound(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Resource not found"
	}
	return WriteJSON(w, http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Message: message,
	})
}

// WriteRateLimited writes a 429 with the wait in whole seconds, rounded up,
// in both the body and the Retry-After header.
func WriteRateLimited(w http.ResponseWriter, retryAfter time.Duration) error {
	seconds := RetryAfterSeconds(retryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	return WriteJSON(w, http.StatusTooManyRequests, RateLimitedResponse{RetryAfterSeconds: seconds})
}

// WriteBadGateway writes a 502 with a fixed error code. The Retry-After
// header is set only when a wait is known.
func WriteBadGateway(w http.ResponseWriter, code string, retryAfter time.Duration) error {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(retryAfter)))
	}
	return WriteJSON(w, http.StatusBadGateway, map[string]string{"error": code})
}

// WriteInternalServerError writes a 500 Internal Server Error response
func WriteInternalServerError(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Internal server error"
	}
	return WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: message,
	})
}

// RetryAfterSeconds rounds a wait up to whole seconds, never below one
func RetryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
