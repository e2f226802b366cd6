// Package inference runs one chat turn through the gateway pipeline:
// shape validation, per-user admission, the model/tool loop across the
// provider chain, and billing.
//
// A turn is not idempotent. Submitting the same input twice consumes two
// rate limit slots, is billed twice and may yield different content, since
// model output is not deterministic.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/fitchat-gateway/internal/observability"
	"github.com/upb/fitchat-gateway/models"
	"github.com/upb/fitchat-gateway/services/cost"
	"github.com/upb/fitchat-gateway/services/providers"
	"github.com/upb/fitchat-gateway/services/ratelimit"
	"github.com/upb/fitchat-gateway/services/routing"
	"github.com/upb/fitchat-gateway/services/tools"
	"github.com/upb/fitchat-gateway/utils"
	"go.uber.org/zap"
)

// billingTimeout bounds the ledger write, which outlives client cancellation
const billingTimeout = 5 * time.Second

// RateLimiter admits or rejects a user's request
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, userID string) (*ratelimit.Result, error)
}

// TurnRunner runs the model/tool loop
type TurnRunner interface {
	Run(ctx context.Context, req *providers.ChatRequest) (*tools.Outcome, error)
}

// UsageRecorder bills the model calls of a turn
type UsageRecorder interface {
	RecordTurn(ctx context.Context, userID, requestID string, charges []cost.Charge) (decimal.Decimal, []*models.UsageRecord, error)
}

// Config bounds inbound request shape
type Config struct {
	MaxMessages     int
	MaxMessageChars int
	MaxTools        int
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxMessages:     50,
		MaxMessageChars: 8000,
		MaxTools:        32,
	}
}

// InferenceService orchestrates the chat pipeline
type InferenceService struct {
	config  Config
	limiter RateLimiter
	runner  TurnRunner
	billing UsageRecorder
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewInferenceService creates a new inference service with all dependencies
func NewInferenceService(
	config Config,
	limiter RateLimiter,
	runner TurnRunner,
	billing UsageRecorder,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *InferenceService {
	return &InferenceService{
		config:  config,
		limiter: limiter,
		runner:  runner,
		billing: billing,
		metrics: metrics,
		logger:  logger,
	}
}

// ProcessChat runs one chat turn. Every returned error is an *InferenceError;
// nothing is billed when an error is returned.
func (s *InferenceService) ProcessChat(ctx context.Context, in *ChatInput) (*ChatOutput, error) {
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	start := time.Now()

	log := s.logger.With(
		zap.String("request_id", in.RequestID),
		zap.String("user_id", in.UserID))

	// Step 1: validate shape before consuming a slot
	log.Debug("step 1: validating request")
	if err := s.validate(in); err != nil {
		return nil, err
	}

	// Step 2: admission
	log.Debug("step 2: checking rate limit")
	decision, err := s.limiter.CheckAndIncrement(ctx, in.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewClientClosedError(ctx.Err())
		}
		log.Error("rate limiter unavailable", zap.Error(err))
		return nil, NewInternalError("rate limiter unavailable", err)
	}
	if !decision.Allowed {
		return nil, NewRateLimitError(decision.RetryAfter)
	}

	// Step 3: model/tool loop across the provider chain
	log.Debug("step 3: running chat turn", zap.Int("messages", len(in.Messages)))
	req := &providers.ChatRequest{
		Messages:    in.Messages,
		Tools:       in.Tools,
		Temperature: in.Temperature,
		UserID:      in.UserID,
	}
	outcome, err := s.runner.Run(ctx, req)
	if err != nil {
		return nil, s.mapTurnError(ctx, log, err)
	}

	// Step 4: billing, detached from client cancellation
	log.Debug("step 4: recording usage", zap.Int("rounds", len(outcome.Rounds)))
	billCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), billingTimeout)
	defer cancel()

	charges := make([]cost.Charge, 0, len(outcome.Rounds))
	for _, r := range outcome.Rounds {
		charges = append(charges, cost.Charge{Provider: r.Provider, Model: r.Model, Usage: r.Usage})
	}

	billed := true
	total, _, err := s.billing.RecordTurn(billCtx, in.UserID, in.RequestID, charges)
	if err != nil {
		// the provider already served the turn; answer and alert
		billed = false
		s.metrics.ObserveLedgerFailure()
		log.Error("turn served without billing", zap.Error(err))
	}

	out := &ChatOutput{
		Content:           outcome.Content,
		ToolCallsExecuted: outcome.Executed,
		Usage:             outcome.Usage(),
		Cost:              total,
		ProviderUsed:      outcome.Provider(),
		Rounds:            len(outcome.Rounds),
		Truncated:         outcome.Truncated,
		Billed:            billed,
	}
	if out.ToolCallsExecuted == nil {
		out.ToolCallsExecuted = []providers.ToolResult{}
	}

	log.Info("chat turn completed",
		zap.String("provider", out.ProviderUsed),
		zap.Int("rounds", out.Rounds),
		zap.Int("tool_calls", len(out.ToolCallsExecuted)),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.String("cost", out.Cost.String()),
		zap.Bool("truncated", out.Truncated),
		zap.Duration("latency", time.Since(start)))

	return out, nil
}

func (s *InferenceService) mapTurnError(ctx context.Context, log *zap.Logger, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		log.Info("chat turn cancelled by client")
		return NewClientClosedError(err)
	}

	var perr *providers.ProviderError
	if errors.As(err, &perr) && perr.Kind == providers.KindInvalidRequest {
		log.Info("provider rejected request", zap.String("provider", perr.Provider), zap.Error(err))
		detail := "request rejected by provider"
		if perr.Message != "" {
			detail += ": " + perr.Message
		}
		return NewInvalidRequestError(detail, err)
	}

	var exhausted *routing.ExhaustedError
	if errors.As(err, &exhausted) {
		log.Warn("all providers failed",
			zap.Strings("attempted", exhausted.Attempted),
			zap.Strings("skipped", exhausted.Skipped),
			zap.Error(exhausted.LastErr))
		return NewAllProvidersFailedError(exhausted.RetryAfter, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("chat turn timed out", zap.Error(err))
		return NewAllProvidersFailedError(0, err)
	}

	log.Error("chat turn failed", zap.Error(err))
	return NewInternalError("chat turn failed", err)
}

// validate checks request shape: non-empty, bounded count and size, known roles
func (s *InferenceService) validate(in *ChatInput) error {
	if err := utils.ValidateStruct(in); err != nil {
		return NewInvalidRequestError(validationDetail(err), err)
	}

	if s.config.MaxMessages > 0 && len(in.Messages) > s.config.MaxMessages {
		return NewInvalidRequestError(
			fmt.Sprintf("too many messages: %d exceeds limit of %d", len(in.Messages), s.config.MaxMessages), nil)
	}
	if s.config.MaxTools > 0 && len(in.Tools) > s.config.MaxTools {
		return NewInvalidRequestError(
			fmt.Sprintf("too many tools: %d exceeds limit of %d", len(in.Tools), s.config.MaxTools), nil)
	}

	hasUser := false
	for i, msg := range in.Messages {
		if s.config.MaxMessageChars > 0 && utf8.RuneCountInString(msg.Content) > s.config.MaxMessageChars {
			return NewInvalidRequestError(
				fmt.Sprintf("message %d exceeds %d characters", i, s.config.MaxMessageChars), nil)
		}
		if msg.Role == providers.RoleTool && msg.ToolCallID == "" {
			return NewInvalidRequestError(fmt.Sprintf("message %d: tool message requires tool_call_id", i), nil)
		}
		if msg.Role == providers.RoleUser {
			hasUser = true
		}
	}
	if !hasUser {
		return NewInvalidRequestError("at least one user message is required", nil)
	}

	seen := make(map[string]struct{}, len(in.Tools))
	for _, tool := range in.Tools {
		if _, dup := seen[tool.Name]; dup {
			return NewInvalidRequestError(fmt.Sprintf("duplicate tool name %q", tool.Name), nil)
		}
		seen[tool.Name] = struct{}{}
	}

	return nil
}

func validationDetail(err error) string {
	fields := utils.GetValidationFields(err)
	if len(fields) == 0 {
		return err.Error()
	}

	msgs := make([]string, 0, len(fields))
	for _, msg := range fields {
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}
