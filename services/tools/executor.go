package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownTool is returned when no handler is registered under a tool name
var ErrUnknownTool = errors.New("unknown tool")

// Executor runs a named tool with JSON arguments and returns a JSON result.
// Implementations are owned by the fitness domain; the bridge only routes.
type Executor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

type userIDKey struct{}

// WithUserID attaches the caller identity for executors that act on behalf of a user
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the caller identity set by WithUserID
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// Func is an in-process tool handler
type Func func(ctx context.Context, args json.RawMessage) (any, error)

// Registry is an in-process Executor keyed by tool name
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a handler, replacing any previous one with the same name
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Names returns the registered tool names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute implements Executor
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	out, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(out)
}

// HTTPExecutor delegates tool execution to the fitness domain service
type HTTPExecutor struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPExecutor creates an executor that POSTs every call to url
func NewHTTPExecutor(url, token string, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPExecutor{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: client,
	}
}

type executeRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	UserID    string          `json:"user_id,omitempty"`
}

type executeResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// Execute implements Executor
func (e *HTTPExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(executeRequest{Name: name, Arguments: args, UserID: UserIDFromContext(ctx)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool service request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var decoded executeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid tool response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case decoded.Error != "":
		return nil, errors.New(decoded.Error)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("tool service returned status %d", resp.StatusCode)
	}

	if len(decoded.Result) == 0 {
		return json.RawMessage(`null`), nil
	}
	return decoded.Result, nil
}
