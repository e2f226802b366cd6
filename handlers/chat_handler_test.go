package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/fitchat-gateway/middleware"
	"github.com/upb/fitchat-gateway/services/inference"
	"github.com/upb/fitchat-gateway/services/providers"
	"go.uber.org/zap"
)

// MockChatService is a mock implementation of ChatService
type MockChatService struct {
	mock.Mock
}

func (m *MockChatService) ProcessChat(ctx context.Context, in *inference.ChatInput) (*inference.ChatOutput, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*inference.ChatOutput), args.Error(1)
}

func chatRequest(body, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/ai/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	ctx := middleware.WithRequestID(req.Context(), "req-1")
	if userID != "" {
		ctx = middleware.WithUserID(ctx, userID)
	}
	return req.WithContext(ctx)
}

func TestHandleChat_Success(t *testing.T) {
	service := new(MockChatService)
	handler := NewChatHandler(service, zap.NewNop())

	out := &inference.ChatOutput{
		Content: "Logged 20 pushups. Nice work!",
		ToolCallsExecuted: []providers.ToolResult{{
			Name:          "log_exercise",
			CorrelationID: "call_1",
			Payload:       json.RawMessage(`{"id":42}`),
			Success:       true,
		}},
		Usage:        providers.Usage{PromptTokens: 120, CompletionTokens: 30},
		Cost:         decimal.RequireFromString("0.000036"),
		ProviderUsed: "openai",
		Rounds:       2,
		Billed:       true,
	}

	service.On("ProcessChat", mock.Anything, mock.MatchedBy(func(in *inference.ChatInput) bool {
		return in.UserID == "user-1" &&
			in.RequestID == "req-1" &&
			len(in.Messages) == 1 &&
			len(in.Tools) == 1 &&
			in.Temperature != nil && *in.Temperature == 0.3
	})).Return(out, nil)

	body := `{"messages":[{"role":"user","content":"I did 20 pushups"}],
		"tools":[{"name":"log_exercise","parameters":{"type":"object"}}],
		"temperature":0.3}`

	w := httptest.NewRecorder()
	handler.HandleChat(w, chatRequest(body, "user-1"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"content": "Logged 20 pushups. Nice work!",
		"tool_calls_executed": [{"name":"log_exercise","correlation_id":"call_1","payload":{"id":42},"success":true}],
		"usage": {"prompt_tokens":120,"completion_tokens":30},
		"cost": 0.000036,
		"provider_used": "openai"
	}`, w.Body.String())
	service.AssertExpectations(t)
}

func TestHandleChat_EmptyToolListIsArray(t *testing.T) {
	service := new(MockChatService)
	handler := NewChatHandler(service, zap.NewNop())

	service.On("ProcessChat", mock.Anything, mock.Anything).Return(&inference.ChatOutput{
		Content:      "hi",
		Cost:         decimal.Zero,
		ProviderUsed: "groq",
	}, nil)

	w := httptest.NewRecorder()
	handler.HandleChat(w, chatRequest(`{"messages":[{"role":"user","content":"hi"}]}`, "user-1"))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "[]", string(body["tool_calls_executed"]))
	assert.Equal(t, "0", string(body["cost"]))
}

func TestHandleChat_Errors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantBody    string
		wantRetryAt string
	}{
		{
			name:        "rate limited",
			err:         inference.NewRateLimitError(90 * time.Minute),
			wantStatus:  http.StatusTooManyRequests,
			wantBody:    `{"retry_after_seconds":5400}`,
			wantRetryAt: "5400",
		},
		{
			name:       "all providers failed",
			err:        inference.NewAllProvidersFailedError(0, errors.New("exhausted")),
			wantStatus: http.StatusBadGateway,
			wantBody:   `{"error":"all_providers_failed"}`,
		},
		{
			name:        "all providers rate limited with hint",
			err:         inference.NewAllProvidersFailedError(20*time.Second, errors.New("exhausted")),
			wantStatus:  http.StatusBadGateway,
			wantBody:    `{"error":"all_providers_failed"}`,
			wantRetryAt: "20",
		},
		{
			name:       "invalid request",
			err:        inference.NewInvalidRequestError("at least one user message is required", nil),
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"invalid_request","detail":"at least one user message is required"}`,
		},
		{
			name:       "internal",
			err:        inference.NewInternalError("rate limiter unavailable", errors.New("dial tcp")),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"internal_error","message":"An internal error occurred"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockChatService)
			handler := NewChatHandler(service, zap.NewNop())
			service.On("ProcessChat", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := httptest.NewRecorder()
			handler.HandleChat(w, chatRequest(`{"messages":[{"role":"user","content":"hi"}]}`, "user-1"))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
			assert.Equal(t, tt.wantRetryAt, w.Header().Get("Retry-After"))
		})
	}
}

func TestHandleChat_ClientClosedWritesNothing(t *testing.T) {
	service := new(MockChatService)
	handler := NewChatHandler(service, zap.NewNop())
	service.On("ProcessChat", mock.Anything, mock.Anything).
		Return(nil, inference.NewClientClosedError(context.Canceled))

	w := httptest.NewRecorder()
	handler.HandleChat(w, chatRequest(`{"messages":[{"role":"user","content":"hi"}]}`, "user-1"))

	assert.Empty(t, w.Body.String())
}

func TestHandleChat_MalformedBody(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"empty body", "", "request body is empty"},
		{"not json", "{messages:", "malformed JSON body"},
		{"wrong type", `{"messages":"hello"}`, "malformed JSON body"},
		{"trailing data", `{"messages":[]} {"messages":[]}`, "single JSON object"},
		{"too large", `{"messages":[{"role":"user","content":"` + strings.Repeat("a", maxChatBodyBytes) + `"}]}`, "exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockChatService)
			handler := NewChatHandler(service, zap.NewNop())

			w := httptest.NewRecorder()
			handler.HandleChat(w, chatRequest(tt.body, "user-1"))

			assert.Equal(t, http.StatusBadRequest, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "invalid_request", body["error"])
			assert.Contains(t, body["detail"], tt.detail)
			service.AssertNotCalled(t, "ProcessChat", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleChat_RequiresIdentity(t *testing.T) {
	service := new(MockChatService)
	handler := NewChatHandler(service, zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleChat(w, chatRequest(`{"messages":[{"role":"user","content":"hi"}]}`, ""))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	service.AssertNotCalled(t, "ProcessChat", mock.Anything, mock.Anything)
}
