package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry()
	reg.Register("get_stats", func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]int{"total_points": 120}, nil
	})
	reg.Register("raw", func(ctx context.Context, args json.RawMessage) (any, error) {
		return json.RawMessage(`[1,2,3]`), nil
	})

	out, err := reg.Execute(context.Background(), "get_stats", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_points":120}`, string(out))

	out, err = reg.Execute(context.Background(), "raw", nil)
	require.NoError(t, err)
	assert.Equal(t, `[1,2,3]`, string(out))

	_, err = reg.Execute(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)

	assert.Equal(t, []string{"get_stats", "raw"}, reg.Names())
}

func TestHTTPExecutor_Execute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body executeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		switch body.Name {
		case "log_exercise":
			assert.Equal(t, "u1", body.UserID)
			assert.JSONEq(t, `{"reps":10}`, string(body.Arguments))
			_, _ = w.Write([]byte(`{"result":{"points":10}}`))
		case "fails":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"reps must be positive"}`))
		case "crash":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	exec := NewHTTPExecutor(server.URL, "secret", server.Client())
	ctx := WithUserID(context.Background(), "u1")

	out, err := exec.Execute(ctx, "log_exercise", json.RawMessage(`{"reps":10}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"points":10}`, string(out))

	_, err = exec.Execute(ctx, "fails", nil)
	require.Error(t, err)
	assert.Equal(t, "reps must be positive", err.Error())

	_, err = exec.Execute(ctx, "crash", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	_, err = exec.Execute(ctx, "unknown", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}
