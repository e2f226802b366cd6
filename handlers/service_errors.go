package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/fitchat-gateway/services"
	"github.com/upb/fitchat-gateway/services/inference"
	"github.com/upb/fitchat-gateway/utils"
	"go.uber.org/zap"
)

// WriteInferenceError renders a failed chat turn. Only the four documented
// bodies reach the client; a cancelled turn writes nothing because nobody
// is listening.
func WriteInferenceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var ierr *inference.InferenceError
	if !errors.As(err, &ierr) {
		logger.Error("unexpected chat error", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "An unexpected error occurred")
		return
	}

	var writeErr error
	switch ierr.Code {
	case inference.ErrCodeInvalidRequest:
		writeErr = utils.WriteInvalidRequest(w, ierr.Message)

	case inference.ErrCodeRateLimitExceeded:
		writeErr = utils.WriteRateLimited(w, ierr.RetryAfter)

	case inference.ErrCodeAllProvidersFailed:
		writeErr = utils.WriteBadGateway(w, inference.ErrCodeAllProvidersFailed, ierr.RetryAfter)

	case inference.ErrCodeClientClosed:
		logger.Debug("client closed request before the turn finished")
		return

	default:
		logger.Error("chat turn failed", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response",
			zap.String("code", ierr.Code),
			zap.Error(writeErr))
	}
}

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var writeErr error
	switch {
	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, clientMessage(err))

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, clientMessage(err), services.GetErrorDetails(err))

	case services.IsUnauthorizedError(err):
		writeErr = utils.WriteUnauthorized(w, clientMessage(err))

	case services.IsInternalError(err):
		// log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// clientMessage is the domain message without the wrapped cause
func clientMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}

// validationError turns a struct validation failure into a domain error
// carrying one detail per rejected field
func validationError(err error) *services.DomainError {
	derr := services.NewValidationError("Validation failed", err)
	for field, msg := range utils.GetValidationFields(err) {
		derr.WithDetail(field, msg)
	}
	return derr
}
