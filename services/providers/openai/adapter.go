package openai

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fitchat-gateway/services/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
)

// Adapter implements the Provider interface for the OpenAI chat completions
// API and any vendor exposing the same wire format.
type Adapter struct {
	config    providers.ProviderConfig
	transport *providers.Transport
}

// NewAdapter creates a new OpenAI-compatible adapter
func NewAdapter(config providers.ProviderConfig, transport *providers.Transport) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Name == "" {
		config.Name = "openai"
	}
	if transport == nil {
		transport = providers.NewTransport(config, nil, DecodeError)
	}

	return &Adapter{
		config:    config,
		transport: transport,
	}
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return a.config.Name
}

// Model returns the configured model
func (a *Adapter) Model() string {
	return a.config.Model
}

// Capabilities returns the configured capability flags
func (a *Adapter) Capabilities() providers.Capabilities {
	return a.config.Capabilities
}

// Send performs a chat completion request
func (a *Adapter) Send(ctx context.Context, req *providers.ChatRequest, timeout time.Duration) (*providers.AssistantMessage, error) {
	wireReq := a.buildRequest(req)

	headers := map[string]string{
		"Authorization": "Bearer " + a.config.APIKey,
	}

	var wireResp ChatResponse
	if err := a.transport.PostJSON(ctx, a.config.BaseURL+"/chat/completions", headers, timeout, wireReq, &wireResp); err != nil {
		return nil, err
	}

	if len(wireResp.Choices) == 0 {
		return nil, providers.NewProviderError(a.Name(), providers.KindTransient, 200, "response contained no choices", nil)
	}

	return a.convertResponse(&wireResp), nil
}

// buildRequest converts the canonical request to OpenAI format
func (a *Adapter) buildRequest(req *providers.ChatRequest) *ChatRequest {
	wireReq := &ChatRequest{
		Model:       a.config.Model,
		Messages:    make([]Message, 0, len(req.Messages)),
		Temperature: req.Temperature,
		User:        req.UserID,
	}

	if a.config.MaxOutputTokens > 0 {
		maxTokens := a.config.MaxOutputTokens
		wireReq.MaxTokens = &maxTokens
	}

	for _, msg := range req.Messages {
		wireMsg := Message{
			Role:       msg.Role,
			ToolCallID: msg.ToolCallID,
		}

		// assistant turns that only call tools carry a null content
		if msg.Content != "" || len(msg.ToolCalls) == 0 {
			content := msg.Content
			wireMsg.Content = &content
		}

		for _, tc := range msg.ToolCalls {
			wireMsg.ToolCalls = append(wireMsg.ToolCalls, ToolCall{
				ID:   tc.CorrelationID,
				Type: "function",
				Function: FunctionCall{
					Name:      tc.Name,
					Arguments: argumentsString(tc.Arguments),
				},
			})
		}

		wireReq.Messages = append(wireReq.Messages, wireMsg)
	}

	for _, tool := range req.Tools {
		wireReq.Tools = append(wireReq.Tools, Tool{
			Type: "function",
			Function: FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  parametersOrEmpty(tool.Parameters),
			},
		})
	}

	return wireReq
}

// convertResponse converts the first choice into the canonical response
func (a *Adapter) convertResponse(wireResp *ChatResponse) *providers.AssistantMessage {
	choice := wireResp.Choices[0]

	msg := &providers.AssistantMessage{
		Model: wireResp.Model,
		Usage: providers.Usage{
			PromptTokens:     wireResp.Usage.PromptTokens,
			CompletionTokens: wireResp.Usage.CompletionTokens,
		},
	}
	if choice.Message.Content != nil {
		msg.Content = *choice.Message.Content
	}

	for _, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
			CorrelationID: id,
			Name:          tc.Function.Name,
			Arguments:     argumentsJSON(tc.Function.Arguments),
		})
	}

	return msg
}

// DecodeError extracts the message of an OpenAI error envelope
func DecodeError(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return ""
	}
	return errResp.Error.Message
}

// argumentsString renders canonical arguments as the JSON string OpenAI expects
func argumentsString(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	return string(args)
}

// argumentsJSON keeps valid JSON as-is and wraps anything else as a JSON string
func argumentsJSON(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(trimmed)
	return quoted
}

func parametersOrEmpty(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return params
}

// OpenAI-specific request/response types

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	User        string    `json:"user,omitempty"`
}

type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}
