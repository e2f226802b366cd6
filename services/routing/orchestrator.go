package routing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/upb/fitchat-gateway/internal/observability"
	"github.com/upb/fitchat-gateway/services/providers"
	"go.uber.org/zap"
)

// ErrAllProvidersUnavailable is returned when the fallback chain is exhausted
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

// ExhaustedError describes an exhausted fallback chain
type ExhaustedError struct {
	// Attempted lists providers that were called, in order
	Attempted []string

	// Skipped lists providers passed over (open circuit or missing capability)
	Skipped []string

	// RetryAfter is the largest vendor retry hint seen
	RetryAfter time.Duration

	// LastErr is the last provider failure
	LastErr error
}

// Error implements the error interface
func (e *ExhaustedError) Error() string {
	msg := ErrAllProvidersUnavailable.Error()
	if len(e.Attempted) > 0 {
		msg += " (attempted: " + strings.Join(e.Attempted, ", ") + ")"
	}
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

// Is matches ErrAllProvidersUnavailable
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersUnavailable
}

// Unwrap returns the last provider failure
func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Config holds orchestrator settings
type Config struct {
	// ProviderTimeout bounds each provider call
	ProviderTimeout time.Duration

	// MaxRetries is the number of extra attempts on a transient failure
	MaxRetries int

	// RetryBaseDelay is the first backoff interval
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps a single backoff interval
	RetryMaxDelay time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		ProviderTimeout: 30 * time.Second,
		MaxRetries:      2,
		RetryBaseDelay:  200 * time.Millisecond,
		RetryMaxDelay:   2 * time.Second,
	}
}

// ProviderSource yields providers in priority order
type ProviderSource interface {
	Ordered() []providers.Provider
}

// Result is a successful completion and the provider that served it
type Result struct {
	Message  *providers.AssistantMessage
	Provider string
	Model    string
	Attempts int
}

// Orchestrator walks the provider chain in priority order. Per provider the
// states are: skip (open circuit or capability mismatch), attempt with
// bounded retries on transient errors, then advance, abort or return.
type Orchestrator struct {
	config   Config
	source   ProviderSource
	breakers *CircuitBreakers
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewOrchestrator creates a new fallback orchestrator
func NewOrchestrator(config Config, source ProviderSource, breakers *CircuitBreakers, metrics *observability.Metrics, logger *zap.Logger) *Orchestrator {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 200 * time.Millisecond
	}
	if config.RetryMaxDelay < config.RetryBaseDelay {
		config.RetryMaxDelay = config.RetryBaseDelay
	}
	return &Orchestrator{
		config:   config,
		source:   source,
		breakers: breakers,
		metrics:  metrics,
		logger:   logger,
	}
}

// Breakers exposes the circuit state for status reporting
func (o *Orchestrator) Breakers() *CircuitBreakers {
	return o.breakers
}

// Complete returns the first successful completion along the chain.
// InvalidRequest errors abort immediately; caller cancellation returns ctx.Err().
func (o *Orchestrator) Complete(ctx context.Context, req *providers.ChatRequest) (*Result, error) {
	exhausted := &ExhaustedError{}

	for _, p := range o.source.Ordered() {
		name := p.Name()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if reason := o.skipReason(p, req); reason != "" {
			o.logger.Debug("skipping provider", zap.String("provider", name), zap.String("reason", reason))
			exhausted.Skipped = append(exhausted.Skipped, name)
			continue
		}

		var (
			msg      *providers.AssistantMessage
			attempts int
			called   bool
		)
		err := o.breakers.Execute(name, func() error {
			called = true
			var err error
			msg, attempts, err = o.attempt(ctx, p, req)
			if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
				return ctxErr
			}
			return err
		})
		if !called {
			o.logger.Debug("skipping provider with open circuit", zap.String("provider", name))
			exhausted.Skipped = append(exhausted.Skipped, name)
			continue
		}

		exhausted.Attempted = append(exhausted.Attempted, name)
		if err == nil {
			// billing is keyed by the configured model, not the vendor's alias
			return &Result{Message: msg, Provider: name, Model: p.Model(), Attempts: attempts}, nil
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, err
		}

		kind := providers.KindOf(err)
		switch kind {
		case providers.KindInvalidRequest:
			o.logger.Info("provider rejected request, aborting fallback",
				zap.String("provider", name),
				zap.Error(err),
			)
			return nil, err

		default:
			// auth, rate limit and exhausted transient retries have opened the circuit
			retryAfter := providers.RetryAfterOf(err)
			if retryAfter > exhausted.RetryAfter {
				exhausted.RetryAfter = retryAfter
			}
			exhausted.LastErr = err

			o.logger.Warn("provider failed, advancing to next provider",
				zap.String("provider", name),
				zap.String("kind", string(kind)),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
		}
	}

	return nil, exhausted
}

// skipReason reports why p cannot serve req, empty if it can
func (o *Orchestrator) skipReason(p providers.Provider, req *providers.ChatRequest) string {
	caps := p.Capabilities()
	if req.HasTools() && !caps.SupportsTools {
		return "tool calling not supported"
	}
	if caps.MaxContextTokens > 0 && req.EstimatePromptTokens() > caps.MaxContextTokens {
		return "prompt exceeds context window"
	}
	return ""
}

// attempt calls one provider, retrying transient failures with exponential backoff
func (o *Orchestrator) attempt(ctx context.Context, p providers.Provider, req *providers.ChatRequest) (*providers.AssistantMessage, int, error) {
	var (
		msg      *providers.AssistantMessage
		attempts int
	)

	operation := func() error {
		attempts++
		start := time.Now()

		resp, err := p.Send(ctx, req, o.config.ProviderTimeout)
		o.metrics.ObserveProviderCall(p.Name(), outcomeOf(ctx, err), time.Since(start))

		if err == nil {
			msg = resp
			return nil
		}
		if ctx.Err() != nil || !providers.IsRetryable(err) {
			return backoff.Permanent(err)
		}

		o.logger.Debug("transient provider error",
			zap.String("provider", p.Name()),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return err
	}

	if err := backoff.Retry(operation, o.newBackOff(ctx)); err != nil {
		return nil, attempts, err
	}
	return msg, attempts, nil
}

func (o *Orchestrator) newBackOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = o.config.RetryBaseDelay
	expo.MaxInterval = o.config.RetryMaxDelay
	expo.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(o.config.MaxRetries)), ctx)
}

func outcomeOf(ctx context.Context, err error) string {
	if err == nil {
		return "success"
	}
	if ctx.Err() != nil {
		return "canceled"
	}
	return string(providers.KindOf(err))
}
