package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/fitchat-gateway/services/providers"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewAdapter(providers.ProviderConfig{
		Name:    "openai",
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
		BaseURL: server.URL,
	}, nil)
}

func TestNewAdapter(t *testing.T) {
	adapter := NewAdapter(providers.ProviderConfig{APIKey: "test-key", Model: "gpt-4o"}, nil)

	assert.Equal(t, "openai", adapter.Name())
	assert.Equal(t, "gpt-4o", adapter.Model())
	assert.Equal(t, defaultBaseURL, adapter.config.BaseURL)
}

func TestAdapter_Send(t *testing.T) {
	var captured ChatRequest

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Great job!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	})

	temp := 0.3
	resp, err := adapter.Send(context.Background(), &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "You are a fitness coach"},
			{Role: providers.RoleUser, Content: "I did 20 pushups"},
		},
		Temperature: &temp,
		UserID:      "u1",
	}, time.Second)

	require.NoError(t, err)
	assert.Equal(t, "Great job!", resp.Content)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, providers.Usage{PromptTokens: 12, CompletionTokens: 4}, resp.Usage)

	assert.Equal(t, "gpt-4o-mini", captured.Model)
	assert.Equal(t, "u1", captured.User)
	require.NotNil(t, captured.Temperature)
	assert.Equal(t, 0.3, *captured.Temperature)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
}

func TestAdapter_SendToolCalls(t *testing.T) {
	var captured ChatRequest

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "log_exercise", "arguments": "{\"exercise\":\"pushups\",\"reps\":20}"}}
			]}}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 9}
		}`))
	})

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "log 20 pushups"},
			{Role: providers.RoleAssistant, ToolCalls: []providers.ToolCall{{CorrelationID: "call_0", Name: "get_stats", Arguments: json.RawMessage(`{}`)}}},
			{Role: providers.RoleTool, ToolCallID: "call_0", Name: "get_stats", Content: `{"success":true}`},
		},
		Tools: []providers.ToolSchema{{
			Name:        "log_exercise",
			Description: "Log an exercise",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"exercise":{"type":"string"}}}`),
		}},
	}

	resp, err := adapter.Send(context.Background(), req, time.Second)

	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].CorrelationID)
	assert.Equal(t, "log_exercise", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"exercise":"pushups","reps":20}`, string(resp.ToolCalls[0].Arguments))

	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "function", captured.Tools[0].Type)
	assert.Equal(t, "log_exercise", captured.Tools[0].Function.Name)

	require.Len(t, captured.Messages, 3)
	assert.Nil(t, captured.Messages[1].Content)
	require.Len(t, captured.Messages[1].ToolCalls, 1)
	assert.Equal(t, "{}", captured.Messages[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "call_0", captured.Messages[2].ToolCallID)
}

func TestAdapter_SendErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		expectKind providers.ErrorKind
	}{
		{name: "invalid key", status: 401, body: `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`, expectKind: providers.KindAuth},
		{name: "quota", status: 429, body: `{"error":{"message":"Rate limit reached","type":"requests"}}`, expectKind: providers.KindRateLimit},
		{name: "server", status: 500, body: `{"error":{"message":"server error"}}`, expectKind: providers.KindTransient},
		{name: "bad request", status: 400, body: `{"error":{"message":"context length exceeded"}}`, expectKind: providers.KindInvalidRequest},
		{name: "empty choices", status: 200, body: `{"choices":[]}`, expectKind: providers.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := adapter.Send(context.Background(), &providers.ChatRequest{
				Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
			}, time.Second)

			require.Error(t, err)
			assert.Equal(t, tt.expectKind, providers.KindOf(err))
		})
	}
}

func TestDecodeError(t *testing.T) {
	assert.Equal(t, "Incorrect API key", DecodeError([]byte(`{"error":{"message":"Incorrect API key"}}`)))
	assert.Empty(t, DecodeError([]byte(`<html>`)))
}

func TestArgumentsJSON(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(argumentsJSON(`{"a":1}`)))
	assert.Equal(t, `{}`, string(argumentsJSON("  ")))
	assert.Equal(t, `"not json"`, string(argumentsJSON("not json")))
}
