package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoPayload struct {
	Value string `json:"value"`
}

func TestTransport_PostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		var in echoPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(echoPayload{Value: in.Value + "!"})
	}))
	defer server.Close()

	transport := NewTransport(ProviderConfig{Name: "test"}, server.Client(), nil)

	var out echoPayload
	err := transport.PostJSON(context.Background(), server.URL, map[string]string{"X-Api-Key": "secret"}, time.Second, echoPayload{Value: "hi"}, &out)

	require.NoError(t, err)
	assert.Equal(t, "hi!", out.Value)
}

func TestTransport_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		expectKind ErrorKind
	}{
		{name: "auth", status: http.StatusUnauthorized, body: `{"error":"bad key"}`, expectKind: KindAuth},
		{name: "rate limit", status: http.StatusTooManyRequests, body: `{}`, expectKind: KindRateLimit},
		{name: "server", status: http.StatusBadGateway, body: `oops`, expectKind: KindTransient},
		{name: "client", status: http.StatusBadRequest, body: `{"error":"bad"}`, expectKind: KindInvalidRequest},
		{name: "malformed success", status: http.StatusOK, body: `not json`, expectKind: KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			decoded := ""
			transport := NewTransport(ProviderConfig{Name: "test"}, server.Client(), func(body []byte) string {
				decoded = string(body)
				return "decoded"
			})

			var out echoPayload
			err := transport.PostJSON(context.Background(), server.URL, nil, time.Second, echoPayload{}, &out)

			require.Error(t, err)
			assert.Equal(t, tt.expectKind, KindOf(err))
			if tt.status != http.StatusOK {
				assert.Equal(t, tt.body, decoded)
			}
		})
	}
}

func TestTransport_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	transport := NewTransport(ProviderConfig{Name: "slow"}, server.Client(), nil)

	var out echoPayload
	err := transport.PostJSON(context.Background(), server.URL, nil, 20*time.Millisecond, echoPayload{}, &out)

	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestTransport_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	transport := NewTransport(ProviderConfig{Name: "slow"}, server.Client(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var out echoPayload
	err := transport.PostJSON(ctx, server.URL, nil, 5*time.Second, echoPayload{}, &out)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransport_Pacing(t *testing.T) {
	transport := NewTransport(ProviderConfig{Name: "paced", RequestsPerSecond: 5, Burst: 2}, nil, nil)
	require.NotNil(t, transport.limiter)
	assert.Equal(t, 2, transport.limiter.Burst())

	unpaced := NewTransport(ProviderConfig{Name: "free"}, nil, nil)
	assert.Nil(t, unpaced.limiter)
}
