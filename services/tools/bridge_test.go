package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/fitchat-gateway/services/providers"
	"github.com/upb/fitchat-gateway/services/routing"
	"go.uber.org/zap"
)

// scriptedCompleter returns its responses in order and records every request
type scriptedCompleter struct {
	mu        sync.Mutex
	responses []*providers.AssistantMessage
	errs      []error
	requests  []*providers.ChatRequest
}

func (c *scriptedCompleter) Complete(ctx context.Context, req *providers.ChatRequest) (*routing.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	msg := c.responses[len(c.responses)-1]
	if i < len(c.responses) {
		msg = c.responses[i]
	}
	return &routing.Result{Message: msg, Provider: "openai", Model: "gpt-4o-mini", Attempts: 1}, nil
}

func toolCallMsg(calls ...providers.ToolCall) *providers.AssistantMessage {
	return &providers.AssistantMessage{
		ToolCalls: calls,
		Usage:     providers.Usage{PromptTokens: 50, CompletionTokens: 10},
	}
}

func textMsg(content string) *providers.AssistantMessage {
	return &providers.AssistantMessage{
		Content: content,
		Usage:   providers.Usage{PromptTokens: 80, CompletionTokens: 20},
	}
}

func newBaseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "log 20 pushups"}},
		Tools:    []providers.ToolSchema{{Name: "log_exercise"}},
		UserID:   "u1",
	}
}

func newTestRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("log_exercise", func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]any{"points": 20, "user": UserIDFromContext(ctx)}, nil
	})
	reg.Register("broken", func(ctx context.Context, args json.RawMessage) (any, error) {
		return nil, errors.New("exercise not found")
	})
	reg.Register("explode", func(ctx context.Context, args json.RawMessage) (any, error) {
		panic("boom")
	})
	reg.Register("slow", func(ctx context.Context, args json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return reg
}

func newTestBridge(completer Completer, maxRounds int) *Bridge {
	return NewBridge(Config{MaxRounds: maxRounds, ToolTimeout: 50 * time.Millisecond},
		completer, newTestRegistry(), nil, zap.NewNop())
}

func TestBridge_NoToolCalls(t *testing.T) {
	completer := &scriptedCompleter{responses: []*providers.AssistantMessage{textMsg("Great job!")}}
	bridge := newTestBridge(completer, 3)

	outcome, err := bridge.Run(context.Background(), newBaseRequest())
	require.NoError(t, err)

	assert.Equal(t, "Great job!", outcome.Content)
	assert.Empty(t, outcome.Executed)
	assert.Len(t, outcome.Rounds, 1)
	assert.False(t, outcome.Truncated)
	assert.Equal(t, "openai", outcome.Provider())
	assert.Len(t, completer.requests, 1)
}

func TestBridge_ExecutesToolsAndResubmits(t *testing.T) {
	completer := &scriptedCompleter{responses: []*providers.AssistantMessage{
		toolCallMsg(providers.ToolCall{CorrelationID: "call_1", Name: "log_exercise", Arguments: json.RawMessage(`{"reps":20}`)}),
		textMsg("Logged 20 pushups."),
	}}
	bridge := newTestBridge(completer, 3)

	req := newBaseRequest()
	outcome, err := bridge.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Logged 20 pushups.", outcome.Content)
	require.Len(t, outcome.Executed, 1)
	assert.True(t, outcome.Executed[0].Success)
	assert.Equal(t, "call_1", outcome.Executed[0].CorrelationID)
	assert.JSONEq(t, `{"points":20,"user":"u1"}`, string(outcome.Executed[0].Payload))

	assert.Equal(t, providers.Usage{PromptTokens: 130, CompletionTokens: 30}, outcome.Usage())
	assert.Len(t, outcome.Rounds, 2)

	// the original request is left untouched
	assert.Len(t, req.Messages, 1)

	require.Len(t, completer.requests, 2)
	second := completer.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, providers.RoleAssistant, second[1].Role)
	assert.Equal(t, providers.RoleTool, second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.JSONEq(t, `{"success":true,"result":{"points":20,"user":"u1"}}`, second[2].Content)
}

func TestBridge_ToolFailuresDoNotAbortTurn(t *testing.T) {
	completer := &scriptedCompleter{responses: []*providers.AssistantMessage{
		toolCallMsg(
			providers.ToolCall{CorrelationID: "a", Name: "broken"},
			providers.ToolCall{CorrelationID: "b", Name: "explode"},
			providers.ToolCall{CorrelationID: "c", Name: "missing"},
			providers.ToolCall{CorrelationID: "d", Name: "slow"},
			providers.ToolCall{CorrelationID: "e", Name: "log_exercise"},
		),
		textMsg("Partially done."),
	}}
	bridge := newTestBridge(completer, 3)

	outcome, err := bridge.Run(context.Background(), newBaseRequest())
	require.NoError(t, err)
	require.Len(t, outcome.Executed, 5)

	tests := []struct {
		name    string
		success bool
		errText string
	}{
		{name: "broken", errText: "exercise not found"},
		{name: "explode", errText: "tool panicked: boom"},
		{name: "missing", errText: "unknown tool: missing"},
		{name: "slow", errText: "context deadline exceeded"},
		{name: "log_exercise", success: true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := outcome.Executed[i]
			assert.Equal(t, tt.name, res.Name)
			assert.Equal(t, tt.success, res.Success)
			if !tt.success {
				var reason string
				require.NoError(t, json.Unmarshal(res.Payload, &reason))
				assert.Equal(t, tt.errText, reason)
			}
		})
	}

	toolMsgs := completer.requests[1].Messages[2:]
	require.Len(t, toolMsgs, 5)
	assert.JSONEq(t, `{"success":false,"error":"exercise not found"}`, toolMsgs[0].Content)
}

func TestBridge_RoundLimitForcesFinalAnswer(t *testing.T) {
	looping := &providers.AssistantMessage{
		Content:   "still thinking",
		ToolCalls: []providers.ToolCall{{CorrelationID: "same", Name: "log_exercise"}},
		Usage:     providers.Usage{PromptTokens: 10, CompletionTokens: 5},
	}
	completer := &scriptedCompleter{responses: []*providers.AssistantMessage{looping}}
	bridge := newTestBridge(completer, 3)

	outcome, err := bridge.Run(context.Background(), newBaseRequest())
	require.NoError(t, err)

	assert.True(t, outcome.Truncated)
	assert.Equal(t, "still thinking", outcome.Content)
	assert.Len(t, completer.requests, 3)
	assert.Len(t, outcome.Rounds, 3)
	// the last round's calls are not executed
	assert.Len(t, outcome.Executed, 2)

	ids := map[string]bool{}
	for _, res := range outcome.Executed {
		assert.False(t, ids[res.CorrelationID], "duplicate correlation id %s", res.CorrelationID)
		ids[res.CorrelationID] = true
	}
}

func TestBridge_RoundLimitWithoutContent(t *testing.T) {
	silent := toolCallMsg(providers.ToolCall{CorrelationID: "same", Name: "log_exercise"})
	completer := &scriptedCompleter{responses: []*providers.AssistantMessage{silent}}
	bridge := newTestBridge(completer, 2)

	outcome, err := bridge.Run(context.Background(), newBaseRequest())
	require.NoError(t, err)

	assert.True(t, outcome.Truncated)
	assert.Equal(t, TruncatedNotice, outcome.Content)
	assert.Len(t, outcome.Rounds, 2)
}

func TestBridge_ProviderFailureAbortsTurn(t *testing.T) {
	exhausted := &routing.ExhaustedError{Attempted: []string{"openai"}}
	completer := &scriptedCompleter{
		responses: []*providers.AssistantMessage{
			toolCallMsg(providers.ToolCall{CorrelationID: "x", Name: "log_exercise"}),
		},
		errs: []error{nil, exhausted},
	}
	bridge := newTestBridge(completer, 3)

	outcome, err := bridge.Run(context.Background(), newBaseRequest())
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, routing.ErrAllProvidersUnavailable)
}

func TestAssignCorrelationIDs(t *testing.T) {
	seen := map[string]struct{}{"used": {}}
	calls := assignCorrelationIDs([]providers.ToolCall{
		{CorrelationID: "fresh", Name: "a"},
		{CorrelationID: "", Name: "b"},
		{CorrelationID: "used", Name: "c"},
		{CorrelationID: "fresh", Name: "d"},
	}, seen)

	assert.Equal(t, "fresh", calls[0].CorrelationID)
	assert.NotEmpty(t, calls[1].CorrelationID)
	assert.NotEqual(t, "used", calls[2].CorrelationID)
	assert.NotEqual(t, "fresh", calls[3].CorrelationID)

	unique := map[string]struct{}{}
	for _, c := range calls {
		unique[c.CorrelationID] = struct{}{}
	}
	assert.Len(t, unique, 4)
}
