package cost

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/upb/fitchat-gateway/internal/observability"
	"github.com/upb/fitchat-gateway/models"
	"github.com/upb/fitchat-gateway/services/providers"
	"go.uber.org/zap"
)

// Charge is one successful provider call to bill
type Charge struct {
	Provider string
	Model    string
	Usage    providers.Usage
}

// Tracker converts token usage into cost and appends it to the ledger
type Tracker struct {
	prices  *PriceTable
	ledger  Ledger
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewTracker creates a new cost tracker
func NewTracker(prices *PriceTable, ledger Ledger, metrics *observability.Metrics, logger *zap.Logger) *Tracker {
	return &Tracker{
		prices:  prices,
		ledger:  ledger,
		metrics: metrics,
		logger:  logger,
	}
}

// Cost computes the cost of usage without recording it
func (t *Tracker) Cost(provider, model string, usage providers.Usage) (decimal.Decimal, error) {
	price, err := t.prices.Lookup(provider, model)
	if err != nil {
		return decimal.Zero, err
	}
	return price.Cost(usage), nil
}

// Record bills a single provider call
func (t *Tracker) Record(ctx context.Context, userID, provider, model string, usage providers.Usage) (decimal.Decimal, error) {
	total, _, err := t.RecordTurn(ctx, userID, "", []Charge{{Provider: provider, Model: model, Usage: usage}})
	return total, err
}

// RecordTurn bills every charge of one chat turn as a single ledger batch.
// Charges without reported usage are skipped. A model with no configured
// price is billed at zero and logged. The returned total is valid even when
// the ledger write fails.
func (t *Tracker) RecordTurn(ctx context.Context, userID, requestID string, charges []Charge) (decimal.Decimal, []*models.UsageRecord, error) {
	if userID == "" {
		return decimal.Zero, nil, errors.New("user id is required for billing")
	}

	total := decimal.Zero
	records := make([]*models.UsageRecord, 0, len(charges))

	for _, c := range charges {
		if !c.Usage.Reported() {
			t.logger.Debug("skipping charge without usage",
				zap.String("provider", c.Provider),
				zap.String("model", c.Model))
			continue
		}

		amount, err := t.Cost(c.Provider, c.Model, c.Usage)
		if err != nil {
			t.logger.Error("no price configured, billing at zero",
				zap.String("provider", c.Provider),
				zap.String("model", c.Model),
				zap.Error(err))
			amount = decimal.Zero
		}

		record := models.NewUsageRecord(userID, c.Provider, c.Model, c.Usage.PromptTokens, c.Usage.CompletionTokens, amount)
		record.RequestID = requestID
		records = append(records, record)
		total = total.Add(amount)
	}

	if len(records) == 0 {
		return total, nil, nil
	}

	if err := t.ledger.AppendBatch(ctx, records); err != nil {
		t.logger.Error("failed to append usage records",
			zap.String("user_id", userID),
			zap.String("request_id", requestID),
			zap.Int("records", len(records)),
			zap.String("cost", total.String()),
			zap.Error(err))
		return total, records, fmt.Errorf("failed to record usage: %w", err)
	}

	for _, r := range records {
		t.metrics.ObserveUsage(r.Provider, r.Model, r.PromptTokens, r.CompletionTokens, r.Cost.InexactFloat64())
	}
	return total, records, nil
}

// Summary returns the cumulative usage of a user
func (t *Tracker) Summary(ctx context.Context, userID string) (*models.UsageSummary, error) {
	summary, err := t.ledger.Summary(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage summary: %w", err)
	}
	return summary, nil
}

// History returns a page of a user's records, newest first
func (t *Tracker) History(ctx context.Context, userID string, limit, offset int) ([]*models.UsageRecord, error) {
	records, err := t.ledger.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	return records, nil
}
