package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/upb/fitchat-gateway/services/providers"
)

// ErrCircuitOpen is returned by Execute when the provider may not be called
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState represents the state of a provider circuit
type CircuitState int

const (
	// CircuitClosed lets requests through
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks requests until the cooldown elapses
	CircuitOpen
	// CircuitHalfOpen admits a single trial request
	CircuitHalfOpen
)

// String returns the state name used in logs and the status endpoint
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// StateChangeFunc is notified on every transition
type StateChangeFunc func(provider string, from, to CircuitState)

type circuit struct {
	breaker *gobreaker.CircuitBreaker

	// guarded by CircuitBreakers.mu
	openUntil time.Time
	holdUntil time.Time
	trips     int
}

// CircuitBreakers keeps one gobreaker per provider name. A single failure
// opens the circuit for the cooldown; after it one trial call is let through.
// A vendor Retry-After longer than the cooldown holds the circuit open
// until it has passed. Provider configuration is never touched.
type CircuitBreakers struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	circuits map[string]*circuit
	onChange StateChangeFunc
}

// NewCircuitBreakers creates breakers that stay open for cooldown after a trip
func NewCircuitBreakers(cooldown time.Duration, onChange StateChangeFunc) *CircuitBreakers {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &CircuitBreakers{
		cooldown: cooldown,
		now:      time.Now,
		circuits: make(map[string]*circuit),
		onChange: onChange,
	}
}

func (cb *CircuitBreakers) get(provider string) *circuit {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if c, ok := cb.circuits[provider]; ok {
		return c
	}

	c := &circuit{}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     cb.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		IsSuccessful:  countsAsHealthy,
		OnStateChange: cb.stateChanged,
	})
	cb.circuits[provider] = c
	return c
}

// stateChanged runs under the gobreaker lock, so it must not call back into it
func (cb *CircuitBreakers) stateChanged(provider string, from, to gobreaker.State) {
	cb.mu.Lock()
	if c, ok := cb.circuits[provider]; ok {
		switch to {
		case gobreaker.StateOpen:
			c.trips++
			c.openUntil = cb.now().Add(cb.cooldown)
		case gobreaker.StateClosed:
			c.trips = 0
		}
	}
	cb.mu.Unlock()

	if cb.onChange != nil {
		cb.onChange(provider, fromGobreaker(from), fromGobreaker(to))
	}
}

// countsAsHealthy reports outcomes that say nothing bad about the provider:
// success, a rejected request, and caller cancellation.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	var perr *providers.ProviderError
	if errors.As(err, &perr) {
		return perr.Kind == providers.KindInvalidRequest
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Execute runs fn through the provider's breaker. It returns ErrCircuitOpen
// without calling fn when the circuit is open or its trial call is taken.
func (cb *CircuitBreakers) Execute(provider string, fn func() error) error {
	c := cb.get(provider)

	cb.mu.Lock()
	held := cb.now().Before(c.holdUntil)
	cb.mu.Unlock()
	if held {
		return ErrCircuitOpen
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}

	if retryAfter := providers.RetryAfterOf(err); retryAfter > cb.cooldown && !countsAsHealthy(err) {
		cb.mu.Lock()
		c.holdUntil = cb.now().Add(retryAfter)
		c.openUntil = c.holdUntil
		cb.mu.Unlock()
	}
	return err
}

// State returns the current state, reporting an expired open circuit as half-open
func (cb *CircuitBreakers) State(provider string) CircuitState {
	return cb.Status(provider).State
}

// CircuitStatus is a point-in-time view of one circuit
type CircuitStatus struct {
	Provider  string       `json:"provider"`
	State     CircuitState `json:"-"`
	OpenUntil *time.Time   `json:"open_until,omitempty"`
	Trips     int          `json:"consecutive_trips"`
}

// Status reports the circuit of provider; unseen providers are closed
func (cb *CircuitBreakers) Status(provider string) CircuitStatus {
	cb.mu.Lock()
	c, ok := cb.circuits[provider]
	cb.mu.Unlock()
	if !ok {
		return CircuitStatus{Provider: provider, State: CircuitClosed}
	}

	// may move open to half-open, which takes cb.mu in stateChanged
	state := fromGobreaker(c.breaker.State())

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if now.Before(c.holdUntil) {
		state = CircuitOpen
	}

	status := CircuitStatus{Provider: provider, State: state, Trips: c.trips}
	if state == CircuitOpen && now.Before(c.openUntil) {
		until := c.openUntil
		status.OpenUntil = &until
	}
	return status
}
