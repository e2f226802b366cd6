// Package client is the caller used by the chat UI. It hides provider
// selection entirely: callers see the answer, what it cost, and typed
// errors for rate limiting and provider outages.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/upb/fitchat-gateway/models"
	"github.com/upb/fitchat-gateway/services/providers"
)

const (
	defaultTimeout = 120 * time.Second

	// maxResponseBytes bounds how much of a response body is read
	maxResponseBytes = 4 << 20
)

// ChatInput is one chat turn as sent by the UI
type ChatInput struct {
	Messages    []providers.Message    `json:"messages"`
	Tools       []providers.ToolSchema `json:"tools,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
}

// ChatOutput is the gateway's answer to one turn
type ChatOutput struct {
	Content           string                 `json:"content"`
	ToolCallsExecuted []providers.ToolResult `json:"tool_calls_executed"`
	Usage             providers.Usage        `json:"usage"`
	Cost              decimal.Decimal        `json:"cost"`
	ProviderUsed      string                 `json:"provider_used"`

	// RequestID echoes X-Request-ID for support tickets
	RequestID string `json:"-"`
}

// TokenSource supplies the bearer token for each call
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource for a fixed token
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenSource sets how bearer tokens are obtained
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// Client calls the gateway. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

// New creates a client for the gateway at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat runs one chat turn. Errors are *RateLimitedError, ErrAllProvidersFailed,
// *InvalidRequestError or *APIError when the gateway answered; transport
// failures are returned as is.
func (c *Client) Chat(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	var out ChatOutput
	resp, err := c.do(ctx, http.MethodPost, "/ai/chat", in, &out)
	if err != nil {
		return nil, err
	}
	out.RequestID = resp.Header.Get("X-Request-ID")
	return &out, nil
}

// Usage returns the caller's accumulated usage
func (c *Client) Usage(ctx context.Context) (*models.UsageSummary, error) {
	var envelope struct {
		Data models.UsageSummary `json:"data"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/ai/usage", nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(raw) > maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseBytes)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

func decodeError(resp *http.Response, raw []byte) error {
	var body struct {
		Error             string `json:"error"`
		Message           string `json:"message"`
		Detail            string `json:"detail"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	}
	_ = json.Unmarshal(raw, &body)

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		seconds := body.RetryAfterSeconds
		if seconds == 0 {
			seconds, _ = strconv.Atoi(resp.Header.Get("Retry-After"))
		}
		return &RateLimitedError{RetryAfter: time.Duration(seconds) * time.Second}
	case http.StatusBadGateway:
		if body.Error == "all_providers_failed" {
			return ErrAllProvidersFailed
		}
	case http.StatusBadRequest:
		if body.Error == "invalid_request" {
			return &InvalidRequestError{Detail: body.Detail}
		}
	}

	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Code: body.Error, Message: msg}
}
