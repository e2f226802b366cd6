package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/fitchat-gateway/internal/observability"
	"go.uber.org/zap"
)

// WindowMode selects how the per-user window is anchored
type WindowMode string

const (
	// WindowFixedDaily resets every counter at UTC midnight
	WindowFixedDaily WindowMode = "fixed_daily"

	// WindowRolling starts a window of fixed length at the user's first request
	WindowRolling WindowMode = "rolling"
)

// Config holds rate limit policy. Values are injected, never hard-coded.
type Config struct {
	Limit     int
	Mode      WindowMode
	Window    time.Duration
	KeyPrefix string

	// FailOpen admits requests when the counter store is unreachable
	FailOpen bool
}

// Validate checks the policy is usable
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return errors.New("rate limit must be positive")
	}
	switch c.Mode {
	case WindowFixedDaily:
	case WindowRolling:
		if c.Window <= 0 {
			return errors.New("rolling window must be positive")
		}
	default:
		return fmt.Errorf("unknown window mode %q", c.Mode)
	}
	return nil
}

// Result represents the result of a rate limit check
type Result struct {
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RateLimitService performs per-user admission control against a shared counter store
type RateLimitService struct {
	config  Config
	store   CounterStore
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(config Config, store CounterStore, metrics *observability.Metrics, logger *zap.Logger) *RateLimitService {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ratelimit"
	}
	return &RateLimitService{
		config:  config,
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// CheckAndIncrement admits the request and consumes one slot, or rejects it
// with the time left until the window resets. The store performs the check
// and the increment as one atomic step.
func (s *RateLimitService) CheckAndIncrement(ctx context.Context, userID string) (*Result, error) {
	if userID == "" {
		return nil, errors.New("user id is required for rate limiting")
	}

	now := s.now()
	windowID, ttl := s.getWindowBounds(now)
	key := s.buildScopeKey(userID, windowID)

	decision, err := s.store.CheckAndIncrement(ctx, key, s.config.Limit, ttl)
	if err != nil {
		if s.config.FailOpen && ctx.Err() == nil {
			s.logger.Error("rate limit store unavailable, admitting request",
				zap.String("user_id", userID),
				zap.Error(err))
			return &Result{Allowed: true, Limit: s.config.Limit, Remaining: s.config.Limit}, nil
		}
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}

	result := &Result{
		Allowed: decision.Allowed,
		Count:   decision.Count,
		Limit:   s.config.Limit,
		ResetAt: now.Add(decision.TTL),
	}
	if remaining := s.config.Limit - decision.Count; remaining > 0 {
		result.Remaining = remaining
	}

	if !decision.Allowed {
		result.RetryAfter = decision.TTL
		if result.RetryAfter < time.Second {
			result.RetryAfter = time.Second
		}
		s.logger.Info("rate limit exceeded",
			zap.String("user_id", userID),
			zap.Int("limit", s.config.Limit),
			zap.Duration("retry_after", result.RetryAfter))
	}

	s.metrics.ObserveRateLimit(decision.Allowed)
	return result, nil
}

// getWindowBounds returns the window identifier for now and the time until it resets
func (s *RateLimitService) getWindowBounds(now time.Time) (windowID string, ttl time.Duration) {
	switch s.config.Mode {
	case WindowRolling:
		// one key per user; the key's expiry is the window
		return "rolling", s.config.Window
	default:
		utc := now.UTC()
		start := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
		reset := start.Add(24 * time.Hour)
		return start.Format("2006-01-02"), reset.Sub(utc)
	}
}

// buildScopeKey builds a unique key for the user and window
func (s *RateLimitService) buildScopeKey(userID, windowID string) string {
	return fmt.Sprintf("%s:user:%s:%s", s.config.KeyPrefix, userID, windowID)
}

type cleaner interface {
	Cleanup() int
}

// StartCleanupWorker periodically drops expired counters for stores that keep
// them in process memory. Stores with native expiry return immediately.
func (s *RateLimitService) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	c, ok := s.store.(cleaner)
	if !ok {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit cleanup worker", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if removed := c.Cleanup(); removed > 0 {
				s.logger.Debug("cleaned up expired rate limit counters", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}
