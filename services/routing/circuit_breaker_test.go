package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/fitchat-gateway/services/providers"
)

func failure(provider string, kind providers.ErrorKind) func() error {
	return func() error {
		return providers.NewProviderError(provider, kind, 0, "scripted", nil)
	}
}

func succeed() error { return nil }

func TestCircuitBreakers_Lifecycle(t *testing.T) {
	cb := NewCircuitBreakers(30*time.Millisecond, nil)

	assert.Equal(t, CircuitClosed, cb.State("openai"))
	require.NoError(t, cb.Execute("openai", succeed))

	err := cb.Execute("openai", failure("openai", providers.KindAuth))
	assert.Equal(t, providers.KindAuth, providers.KindOf(err))
	assert.Equal(t, CircuitOpen, cb.State("openai"))

	called := false
	err = cb.Execute("openai", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	require.Eventually(t, func() bool { return cb.State("openai") == CircuitHalfOpen },
		time.Second, 5*time.Millisecond)

	// exactly one trial call is admitted while it is in flight
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute("openai", func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	assert.ErrorIs(t, cb.Execute("openai", succeed), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State("openai"))
	assert.NoError(t, cb.Execute("openai", succeed))
}

func TestCircuitBreakers_FailedTrialReopens(t *testing.T) {
	cb := NewCircuitBreakers(20*time.Millisecond, nil)

	_ = cb.Execute("groq", failure("groq", providers.KindTransient))
	require.Eventually(t, func() bool { return cb.State("groq") == CircuitHalfOpen },
		time.Second, 5*time.Millisecond)

	_ = cb.Execute("groq", failure("groq", providers.KindTransient))
	assert.Equal(t, CircuitOpen, cb.State("groq"))
	assert.ErrorIs(t, cb.Execute("groq", succeed), ErrCircuitOpen)
	assert.Equal(t, 2, cb.Status("groq").Trips)
}

func TestCircuitBreakers_HealthyOutcomesDoNotTrip(t *testing.T) {
	cb := NewCircuitBreakers(time.Minute, nil)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"invalid request", failure("gemini", providers.KindInvalidRequest)},
		{"caller cancelled", func() error { return context.Canceled }},
		{"caller deadline", func() error { return context.DeadlineExceeded }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cb.Execute("gemini", tt.fn)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrCircuitOpen)
			assert.Equal(t, CircuitClosed, cb.State("gemini"))
		})
	}
}

func TestCircuitBreakers_InvalidRequestTrialFreesCircuit(t *testing.T) {
	cb := NewCircuitBreakers(20*time.Millisecond, nil)

	_ = cb.Execute("gemini", failure("gemini", providers.KindAuth))
	require.Eventually(t, func() bool { return cb.State("gemini") == CircuitHalfOpen },
		time.Second, 5*time.Millisecond)

	_ = cb.Execute("gemini", failure("gemini", providers.KindInvalidRequest))
	assert.NoError(t, cb.Execute("gemini", succeed))
}

func TestCircuitBreakers_RetryAfterExtendsCooldown(t *testing.T) {
	cb := NewCircuitBreakers(20*time.Millisecond, nil)

	err := cb.Execute("openai", func() error {
		return providers.NewRateLimitError("openai", 429, "slow down", 200*time.Millisecond)
	})
	require.Error(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, CircuitOpen, cb.State("openai"))
	assert.ErrorIs(t, cb.Execute("openai", succeed), ErrCircuitOpen)
	require.NotNil(t, cb.Status("openai").OpenUntil)

	require.Eventually(t, func() bool {
		return cb.Execute("openai", succeed) == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, CircuitClosed, cb.State("openai"))
}

func TestCircuitBreakers_IndependentProviders(t *testing.T) {
	cb := NewCircuitBreakers(time.Minute, nil)

	_ = cb.Execute("openai", failure("openai", providers.KindAuth))

	assert.ErrorIs(t, cb.Execute("openai", succeed), ErrCircuitOpen)
	assert.NoError(t, cb.Execute("groq", succeed))
}

func TestCircuitBreakers_Status(t *testing.T) {
	cb := NewCircuitBreakers(time.Minute, nil)

	unseen := cb.Status("anthropic")
	assert.Equal(t, CircuitClosed, unseen.State)
	assert.Nil(t, unseen.OpenUntil)

	_ = cb.Execute("openai", failure("openai", providers.KindAuth))

	status := cb.Status("openai")
	assert.Equal(t, "openai", status.Provider)
	assert.Equal(t, CircuitOpen, status.State)
	assert.Equal(t, 1, status.Trips)
	require.NotNil(t, status.OpenUntil)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *status.OpenUntil, 5*time.Second)
}

func TestCircuitBreakers_OnChange(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	cb := NewCircuitBreakers(20*time.Millisecond, func(provider string, from, to CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, provider+":"+from.String()+"->"+to.String())
	})

	require.NoError(t, cb.Execute("openai", succeed))
	_ = cb.Execute("openai", failure("openai", providers.KindAuth))
	_ = cb.Execute("openai", failure("openai", providers.KindAuth))

	require.Eventually(t, func() bool { return cb.Execute("openai", succeed) == nil },
		time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"openai:closed->open",
		"openai:open->half_open",
		"openai:half_open->closed",
	}, transitions)
}
