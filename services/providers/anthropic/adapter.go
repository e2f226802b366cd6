// Package anthropic implements the Provider interface over the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fitchat-gateway/services/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Adapter implements the Provider interface for Anthropic
type Adapter struct {
	config    providers.ProviderConfig
	transport *providers.Transport
}

// NewAdapter creates a new Anthropic adapter
func NewAdapter(config providers.ProviderConfig, transport *providers.Transport) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Name == "" {
		config.Name = "anthropic"
	}
	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = defaultMaxTokens
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

// Send performs a Messages API request
func (a *Adapter) Send(ctx context.Context, req *providers.ChatRequest, timeout time.Duration) (*providers.AssistantMessage, error) {
	wireReq := a.buildRequest(req)

	headers := map[string]string{
		"x-api-key":         a.config.APIKey,
		"anthropic-version": apiVersion,
	}

	var wireResp MessagesResponse
	if err := a.transport.PostJSON(ctx, a.config.BaseURL+"/v1/messages", headers, timeout, wireReq, &wireResp); err != nil {
		return nil, err
	}

	return convertResponse(&wireResp), nil
}

// buildRequest converts the canonical request. System messages move to the
// top-level system field, tool results travel as user turns, and consecutive
// turns of the same role are merged because the API requires alternation.
func (a *Adapter) buildRequest(req *providers.ChatRequest) *MessagesRequest {
	wireReq := &MessagesRequest{
		Model:       a.config.Model,
		MaxTokens:   a.config.MaxOutputTokens,
		Temperature: req.Temperature,
	}

	var system []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case providers.RoleSystem:
			system = append(system, msg.Content)
		case providers.RoleTool:
			wireReq.Messages = appendBlocks(wireReq.Messages, "user", ContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   toolFailed(msg.Content),
			})
		case providers.RoleAssistant:
			var blocks []ContentBlock
			if msg.Content != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, ContentBlock{Type: "tool_use", ID: tc.CorrelationID, Name: tc.Name, Input: input})
			}
			wireReq.Messages = appendBlocks(wireReq.Messages, "assistant", blocks...)
		default:
			wireReq.Messages = appendBlocks(wireReq.Messages, "user", ContentBlock{Type: "text", Text: msg.Content})
		}
	}
	wireReq.System = strings.Join(system, "\n\n")

	for _, tool := range req.Tools {
		schema := tool.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		wireReq.Tools = append(wireReq.Tools, Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	return wireReq
}

func appendBlocks(msgs []Message, role string, blocks ...ContentBlock) []Message {
	if len(blocks) == 0 {
		return msgs
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
		return msgs
	}
	return append(msgs, Message{Role: role, Content: blocks})
}

// toolFailed peeks at the tool result envelope
func toolFailed(content string) bool {
	var envelope struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal([]byte(content), &envelope); err != nil || envelope.Success == nil {
		return false
	}
	return !*envelope.Success
}

func convertResponse(wireResp *MessagesResponse) *providers.AssistantMessage {
	msg := &providers.AssistantMessage{
		Model: wireResp.Model,
		Usage: providers.Usage{
			PromptTokens:     wireResp.Usage.InputTokens,
			CompletionTokens: wireResp.Usage.OutputTokens,
		},
	}

	var text []string
	for _, block := range wireResp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			id := block.ID
			if id == "" {
				id = "toolu_" + uuid.NewString()
			}
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
				CorrelationID: id,
				Name:          block.Name,
				Arguments:     block.Input,
			})
		}
	}
	msg.Content = strings.Join(text, "")

	return msg
}

// DecodeError extracts the message of an Anthropic error envelope
func DecodeError(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return ""
	}
	if errResp.Error.Type != "" && errResp.Error.Message != "" {
		return errResp.Error.Type + ": " + errResp.Error.Message
	}
	return errResp.Error.Message
}

// Anthropic-specific request/response types

type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type MessagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ErrorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
