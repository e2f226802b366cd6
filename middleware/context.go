package middleware

import (
	"context"

	"github.com/upb/fitchat-gateway/auth"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// IdentityKey is the context key for the authenticated caller
	IdentityKey contextKey = "identity"

	// UserIDKey is the context key for user ID
	UserIDKey contextKey = "user_id"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetIdentityFromContext retrieves the authenticated caller from context
func GetIdentityFromContext(ctx context.Context) *auth.Identity {
	if val := ctx.Value(IdentityKey); val != nil {
		if id, ok := val.(*auth.Identity); ok {
			return id
		}
	}
	return nil
}

// WithIdentity adds the authenticated caller and its user ID to the context
func WithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	ctx = context.WithValue(ctx, IdentityKey, id)
	return WithUserID(ctx, id.UserID)
}

// GetUserIDFromContext retrieves the user ID from context
func GetUserIDFromContext(ctx context.Context) string {
	if val := ctx.Value(UserIDKey); val != nil {
		if userID, ok := val.(string); ok {
			return userID
		}
	}
	return ""
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
