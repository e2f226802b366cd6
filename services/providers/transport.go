package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const maxResponseBytes = 8 << 20

// ErrorDecoder extracts a human-readable message from a vendor error body
type ErrorDecoder func(body []byte) string

// Transport performs the JSON POST every adapter needs and classifies failures.
// It holds no per-request state and is safe for concurrent use.
type Transport struct {
	provider    string
	httpClient  *http.Client
	limiter     *rate.Limiter
	decodeError ErrorDecoder
}

// NewTransport creates a transport for one provider. A nil client uses a
// fresh http.Client; per-call deadlines come from the context.
func NewTransport(cfg ProviderConfig, client *http.Client, decodeError ErrorDecoder) *Transport {
	if client == nil {
		client = &http.Client{}
	}

	t := &Transport{
		provider:    cfg.Name,
		httpClient:  client,
		decodeError: decodeError,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return t
}

// PostJSON sends payload to url and decodes a 2xx body into out.
// Cancellation of ctx is returned as ctx.Err() so callers can tell it apart
// from a provider failure.
func (t *Transport) PostJSON(ctx context.Context, url string, headers map[string]string, timeout time.Duration, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewProviderError(t.provider, KindInvalidRequest, 0, "failed to marshal request", err)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(callCtx); err != nil {
			return t.transportError(ctx, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return NewProviderError(t.provider, KindInvalidRequest, 0, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return t.transportError(ctx, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return t.transportError(ctx, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		message := ""
		if t.decodeError != nil {
			message = t.decodeError(respBody)
		}
		if message == "" {
			message = truncate(string(respBody), 256)
		}
		return ClassifyStatus(t.provider, httpResp.StatusCode, httpResp.Header, message)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return NewProviderError(t.provider, KindTransient, httpResp.StatusCode, "malformed response body", err)
	}

	return nil
}

// transportError separates caller cancellation from network failures
func (t *Transport) transportError(parent context.Context, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(t.provider, KindTransient, 0, "request timed out", err)
	}
	return NewProviderError(t.provider, KindTransient, 0, "request failed", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
