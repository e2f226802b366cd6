package providers

import (
	"context"
	"encoding/json"
	"time"
)

// Message roles understood by every adapter
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider represents a unified LLM provider interface.
// Implementations translate the canonical request into the vendor wire format
// and classify every failure as a *ProviderError.
type Provider interface {
	// Name returns the configured provider name (e.g., "openai", "groq")
	Name() string

	// Model returns the model identifier requests are sent to
	Model() string

	// Capabilities reports what the configured model can handle
	Capabilities() Capabilities

	// Send performs one chat completion bounded by timeout
	Send(ctx context.Context, req *ChatRequest, timeout time.Duration) (*AssistantMessage, error)
}

// Capabilities are the static capability flags of a provider/model pair
type Capabilities struct {
	SupportsTools    bool `json:"supports_tools" yaml:"supports_tools"`
	MaxContextTokens int  `json:"max_context_tokens" yaml:"max_context_tokens"`
}

// ChatRequest is the canonical chat request. It must not be mutated once it
// has been handed to the orchestrator; use WithMessages to extend it.
type ChatRequest struct {
	// Messages in the conversation, oldest first
	Messages []Message `json:"messages"`

	// Tools the model may call
	Tools []ToolSchema `json:"tools,omitempty"`

	// Temperature is nil when the caller did not set one
	Temperature *float64 `json:"temperature,omitempty"`

	// UserID is the caller identity, forwarded to vendors that accept it
	UserID string `json:"-"`
}

// WithMessages returns a copy of the request with extra messages appended.
func (r *ChatRequest) WithMessages(extra ...Message) *ChatRequest {
	msgs := make([]Message, 0, len(r.Messages)+len(extra))
	msgs = append(msgs, r.Messages...)
	msgs = append(msgs, extra...)

	clone := *r
	clone.Messages = msgs
	return &clone
}

// HasTools reports whether the request offers any tool to the model
func (r *ChatRequest) HasTools() bool {
	return len(r.Tools) > 0
}

// EstimatePromptTokens gives a rough prompt size (4 chars per token average)
func (r *ChatRequest) EstimatePromptTokens() int {
	totalChars := 0
	for _, msg := range r.Messages {
		totalChars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Name) + len(tc.Arguments)
		}
	}
	for _, tool := range r.Tools {
		totalChars += len(tool.Name) + len(tool.Description) + len(tool.Parameters)
	}
	return totalChars / 4
}

// Message represents a single message in a conversation
type Message struct {
	// Role is one of system, user, assistant, tool
	Role string `json:"role" validate:"required,oneof=system user assistant tool"`

	// Content is the message text (JSON result envelope for tool messages)
	Content string `json:"content"`

	// ToolCalls carried by an assistant message
	ToolCalls []ToolCall `json:"tool_calls,omitempty" validate:"omitempty,dive"`

	// ToolCallID links a tool message to the call it answers
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name of the tool that produced a tool message
	Name string `json:"name,omitempty"`
}

// ToolSchema describes a callable tool
type ToolSchema struct {
	Name        string          `json:"name" validate:"required,max=64"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a model-emitted request to run a tool
type ToolCall struct {
	// CorrelationID is unique within one conversation turn
	CorrelationID string          `json:"correlation_id"`
	Name          string          `json:"name" validate:"required"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of executing a ToolCall
type ToolResult struct {
	Name          string          `json:"name"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	Success       bool            `json:"success"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add returns the element-wise sum of two usages
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
	}
}

// Reported is false when the vendor returned no token accounting at all
func (u Usage) Reported() bool {
	return u.PromptTokens > 0 || u.CompletionTokens > 0
}

// AssistantMessage is the canonical provider response
type AssistantMessage struct {
	// Content may be empty when only tool calls are present
	Content string `json:"content"`

	// ToolCalls requested by the model
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Usage reported by the vendor for this call
	Usage Usage `json:"usage"`

	// Model the vendor says served the call
	Model string `json:"model,omitempty"`
}

// AsMessage converts the response into the assistant turn to append to a conversation
func (m *AssistantMessage) AsMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   m.Content,
		ToolCalls: m.ToolCalls,
	}
}

// ProviderConfig holds the process-lifetime configuration of one provider.
// It is read-only after startup; circuit state lives elsewhere.
type ProviderConfig struct {
	// Name is the unique provider name used for routing, metrics and billing
	Name string `yaml:"name"`

	// Vendor selects the wire protocol: openai, groq, gemini, anthropic
	Vendor string `yaml:"vendor"`

	// Priority rank, lower is tried first
	Priority int `yaml:"priority"`

	// APIKeyEnv names the environment variable holding the credential
	APIKeyEnv string `yaml:"api_key_env"`

	// APIKey is resolved from APIKeyEnv at load time and never serialized
	APIKey string `yaml:"-" json:"-"`

	// Model identifier sent to the vendor
	Model string `yaml:"model"`

	// BaseURL overrides the vendor default endpoint
	BaseURL string `yaml:"base_url"`

	// MaxOutputTokens caps completion length where the vendor requires it
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// RequestsPerSecond paces outbound calls; zero disables pacing
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst for outbound pacing
	Burst int `yaml:"burst"`

	Capabilities Capabilities `yaml:"capabilities"`
}
