package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fitchat-gateway/internal/observability"
	"github.com/upb/fitchat-gateway/services/providers"
	"github.com/upb/fitchat-gateway/services/routing"
	"go.uber.org/zap"
)

// TruncatedNotice replaces an empty reply when the round limit stops a turn
const TruncatedNotice = "I could not finish that request within the allowed steps. Please try again with a simpler question."

// Completer produces one model response for a conversation
type Completer interface {
	Complete(ctx context.Context, req *providers.ChatRequest) (*routing.Result, error)
}

// Round is one successful model call inside a turn
type Round struct {
	Provider string
	Model    string
	Usage    providers.Usage
}

// Outcome is the result of a complete chat turn
type Outcome struct {
	// Content of the final assistant message
	Content string

	// Executed lists every tool call run during the turn, in order
	Executed []providers.ToolResult

	// Rounds lists the billed model calls, in order
	Rounds []Round

	// Truncated is set when the round bound cut off further tool calls
	Truncated bool
}

// Usage sums token usage over all rounds
func (o *Outcome) Usage() providers.Usage {
	var total providers.Usage
	for _, r := range o.Rounds {
		total = total.Add(r.Usage)
	}
	return total
}

// Provider returns the provider that produced the final answer
func (o *Outcome) Provider() string {
	if len(o.Rounds) == 0 {
		return ""
	}
	return o.Rounds[len(o.Rounds)-1].Provider
}

// Config holds bridge settings
type Config struct {
	// MaxRounds bounds the number of model calls per turn
	MaxRounds int

	// ToolTimeout bounds each tool execution
	ToolTimeout time.Duration
}

// Bridge runs the model/tool loop: call the model, execute the tools it asks
// for, append the results and call it again, at most MaxRounds times.
type Bridge struct {
	config    Config
	completer Completer
	executor  Executor
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewBridge creates a new tool-call bridge
func NewBridge(config Config, completer Completer, executor Executor, metrics *observability.Metrics, logger *zap.Logger) *Bridge {
	if config.MaxRounds < 1 {
		config.MaxRounds = 1
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 10 * time.Second
	}
	return &Bridge{
		config:    config,
		completer: completer,
		executor:  executor,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run executes one chat turn. Any model failure aborts the whole turn and
// discards earlier rounds; tool failures are reported to the model instead.
func (b *Bridge) Run(ctx context.Context, req *providers.ChatRequest) (*Outcome, error) {
	outcome := &Outcome{}
	conversation := req
	seen := make(map[string]struct{})

	for round := 1; ; round++ {
		result, err := b.completer.Complete(ctx, conversation)
		if err != nil {
			return nil, err
		}

		msg := result.Message
		outcome.Rounds = append(outcome.Rounds, Round{
			Provider: result.Provider,
			Model:    result.Model,
			Usage:    msg.Usage,
		})
		outcome.Content = msg.Content

		if len(msg.ToolCalls) == 0 {
			return outcome, nil
		}

		if round >= b.config.MaxRounds {
			b.logger.Warn("tool round limit reached, returning last content",
				zap.String("user_id", req.UserID),
				zap.Int("round", round),
				zap.Int("pending_tool_calls", len(msg.ToolCalls)))
			outcome.Truncated = true
			if strings.TrimSpace(outcome.Content) == "" {
				outcome.Content = TruncatedNotice
			}
			return outcome, nil
		}

		calls := assignCorrelationIDs(msg.ToolCalls, seen)
		assistant := msg.AsMessage()
		assistant.ToolCalls = calls

		b.logger.Debug("executing tool calls",
			zap.String("user_id", req.UserID),
			zap.String("provider", result.Provider),
			zap.Int("round", round),
			zap.Int("calls", len(calls)))

		toolMessages := make([]providers.Message, 0, len(calls))
		for _, call := range calls {
			res := b.execute(ctx, req.UserID, call)
			outcome.Executed = append(outcome.Executed, res)
			toolMessages = append(toolMessages, resultMessage(res))
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conversation = conversation.WithMessages(append([]providers.Message{assistant}, toolMessages...)...)
	}
}

// execute runs one tool call, converting every failure into a failed result
func (b *Bridge) execute(ctx context.Context, userID string, call providers.ToolCall) (res providers.ToolResult) {
	res = providers.ToolResult{Name: call.Name, CorrelationID: call.CorrelationID}

	ctx, cancel := context.WithTimeout(WithUserID(ctx, userID), b.config.ToolTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tool panicked",
				zap.String("tool", call.Name),
				zap.Any("panic", r))
			res = failedResult(call, fmt.Errorf("tool panicked: %v", r))
		}
		b.metrics.ObserveToolCall(call.Name, res.Success)
	}()

	payload, err := b.executor.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		b.logger.Info("tool call failed",
			zap.String("tool", call.Name),
			zap.String("correlation_id", call.CorrelationID),
			zap.Error(err))
		return failedResult(call, err)
	}

	if len(payload) == 0 || !json.Valid(payload) {
		return failedResult(call, fmt.Errorf("tool returned invalid JSON"))
	}

	res.Payload = payload
	res.Success = true
	return res
}

func failedResult(call providers.ToolCall, err error) providers.ToolResult {
	msg, _ := json.Marshal(err.Error())
	return providers.ToolResult{
		Name:          call.Name,
		CorrelationID: call.CorrelationID,
		Payload:       msg,
		Success:       false,
	}
}

// resultMessage encodes a tool result as the tool message returned to the model
func resultMessage(res providers.ToolResult) providers.Message {
	var envelope []byte
	if res.Success {
		envelope, _ = json.Marshal(struct {
			Success bool            `json:"success"`
			Result  json.RawMessage `json:"result"`
		}{true, res.Payload})
	} else {
		var reason string
		_ = json.Unmarshal(res.Payload, &reason)
		envelope, _ = json.Marshal(struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}{false, reason})
	}

	return providers.Message{
		Role:       providers.RoleTool,
		Content:    string(envelope),
		ToolCallID: res.CorrelationID,
		Name:       res.Name,
	}
}

// assignCorrelationIDs keeps vendor IDs where they are unique within the
// turn and replaces missing or repeated ones.
func assignCorrelationIDs(calls []providers.ToolCall, seen map[string]struct{}) []providers.ToolCall {
	out := make([]providers.ToolCall, len(calls))
	for i, call := range calls {
		if _, dup := seen[call.CorrelationID]; call.CorrelationID == "" || dup {
			call.CorrelationID = "call_" + uuid.NewString()
		}
		seen[call.CorrelationID] = struct{}{}
		out[i] = call
	}
	return out
}
