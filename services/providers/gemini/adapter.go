// Package gemini implements the Provider interface over the Gemini generateContent API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fitchat-gateway/services/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// Gemini answers an unknown key with 400 instead of 401
	invalidKeyReason = "API_KEY_INVALID"
)

// Adapter implements the Provider interface for Gemini
type Adapter struct {
	config    providers.ProviderConfig
	transport *providers.Transport
}

// NewAdapter creates a new Gemini adapter
func NewAdapter(config providers.ProviderConfig, transport *providers.Transport) *Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Name == "" {
		config.Name = "gemini"
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

// Send performs a generateContent request
func (a *Adapter) Send(ctx context.Context, req *providers.ChatRequest, timeout time.Duration) (*providers.AssistantMessage, error) {
	wireReq := a.buildRequest(req)

	endpoint := a.config.BaseURL + "/models/" + url.PathEscape(a.config.Model) + ":generateContent"
	headers := map[string]string{
		"x-goog-api-key": a.config.APIKey,
	}

	var wireResp GenerateResponse
	if err := a.transport.PostJSON(ctx, endpoint, headers, timeout, wireReq, &wireResp); err != nil {
		return nil, reclassify(err)
	}

	if len(wireResp.Candidates) == 0 {
		reason := ""
		if wireResp.PromptFeedback != nil {
			reason = wireResp.PromptFeedback.BlockReason
		}
		if reason != "" {
			return nil, providers.NewProviderError(a.Name(), providers.KindInvalidRequest, 200, "prompt blocked: "+reason, nil)
		}
		return nil, providers.NewProviderError(a.Name(), providers.KindTransient, 200, "response contained no candidates", nil)
	}

	return convertResponse(&wireResp), nil
}

func reclassify(err error) error {
	var provErr *providers.ProviderError
	if errors.As(err, &provErr) && provErr.Kind == providers.KindInvalidRequest && strings.Contains(provErr.Message, invalidKeyReason) {
		provErr.Kind = providers.KindAuth
	}
	return err
}

// buildRequest converts the canonical request. Gemini keys tool responses by
// function name: the name of the originating call wins, then the name the
// bridge recorded on the tool message. A response with neither is dropped.
func (a *Adapter) buildRequest(req *providers.ChatRequest) *GenerateRequest {
	wireReq := &GenerateRequest{}
	callNames := make(map[string]string)

	var system []Part
	for _, msg := range req.Messages {
		switch msg.Role {
		case providers.RoleSystem:
			system = append(system, Part{Text: msg.Content})
		case providers.RoleTool:
			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.Name
			}
			if name == "" {
				continue
			}
			wireReq.Contents = appendParts(wireReq.Contents, "user", Part{
				FunctionResponse: &FunctionResponse{
					Name:     name,
					Response: responseObject(msg.Content),
				},
			})
		case providers.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				if tc.CorrelationID != "" {
					callNames[tc.CorrelationID] = tc.Name
				}
			}
			var parts []Part
			if msg.Content != "" {
				parts = append(parts, Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				parts = append(parts, Part{FunctionCall: &FunctionCall{Name: tc.Name, Args: args}})
			}
			wireReq.Contents = appendParts(wireReq.Contents, "model", parts...)
		default:
			wireReq.Contents = appendParts(wireReq.Contents, "user", Part{Text: msg.Content})
		}
	}

	if len(system) > 0 {
		wireReq.SystemInstruction = &Content{Parts: system}
	}

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		wireReq.Tools = []Tool{{FunctionDeclarations: decls}}
	}

	if req.Temperature != nil || a.config.MaxOutputTokens > 0 {
		wireReq.GenerationConfig = &GenerationConfig{Temperature: req.Temperature}
		if a.config.MaxOutputTokens > 0 {
			maxTokens := a.config.MaxOutputTokens
			wireReq.GenerationConfig.MaxOutputTokens = &maxTokens
		}
	}

	return wireReq
}

func appendParts(contents []Content, role string, parts ...Part) []Content {
	if len(parts) == 0 {
		return contents
	}
	if n := len(contents); n > 0 && contents[n-1].Role == role {
		contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		return contents
	}
	return append(contents, Content{Role: role, Parts: parts})
}

// responseObject turns tool output into the JSON object functionResponse requires
func responseObject(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"content": content})
	return wrapped
}

func convertResponse(wireResp *GenerateResponse) *providers.AssistantMessage {
	msg := &providers.AssistantMessage{
		Model: wireResp.ModelVersion,
	}
	if wireResp.UsageMetadata != nil {
		msg.Usage = providers.Usage{
			PromptTokens:     wireResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: wireResp.UsageMetadata.CandidatesTokenCount,
		}
	}

	var text []string
	for _, part := range wireResp.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			// Gemini has no call IDs; results are matched back by these
			msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{
				CorrelationID: "call_" + uuid.NewString(),
				Name:          part.FunctionCall.Name,
				Arguments:     part.FunctionCall.Args,
			})
			continue
		}
		if part.Text != "" {
			text = append(text, part.Text)
		}
	}
	msg.Content = strings.Join(text, "")

	return msg
}

// DecodeError extracts status, message and reasons of a Google API error
func DecodeError(body []byte) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return ""
	}

	parts := []string{}
	if errResp.Error.Status != "" {
		parts = append(parts, errResp.Error.Status)
	}
	if errResp.Error.Message != "" {
		parts = append(parts, errResp.Error.Message)
	}
	for _, detail := range errResp.Error.Details {
		if detail.Reason != "" {
			parts = append(parts, detail.Reason)
		}
	}
	return strings.Join(parts, ": ")
}

// Gemini-specific request/response types

type GenerateRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type FunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type GenerateResponse struct {
	Candidates     []Candidate     `json:"candidates"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type PromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type ErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}
