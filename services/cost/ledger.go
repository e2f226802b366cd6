package cost

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/upb/fitchat-gateway/models"
)

// Ledger is the append-only store of usage records. Implementations must
// accept concurrent writers without losing or duplicating records.
type Ledger interface {
	AppendBatch(ctx context.Context, records []*models.UsageRecord) error
	Summary(ctx context.Context, userID string) (*models.UsageSummary, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.UsageRecord, error)
}

// MemoryLedger is a process-local Ledger guarded by a mutex
type MemoryLedger struct {
	mu      sync.Mutex
	records []*models.UsageRecord
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// AppendBatch implements Ledger
func (l *MemoryLedger) AppendBatch(ctx context.Context, records []*models.UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range records {
		copied := *r
		l.records = append(l.records, &copied)
	}
	return nil
}

// Summary implements Ledger
func (l *MemoryLedger) Summary(ctx context.Context, userID string) (*models.UsageSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	summary := &models.UsageSummary{UserID: userID, TotalCost: decimal.Zero}
	for _, r := range l.records {
		if r.UserID != userID {
			continue
		}
		summary.Records++
		summary.PromptTokens += int64(r.PromptTokens)
		summary.CompletionTokens += int64(r.CompletionTokens)
		summary.TotalCost = summary.TotalCost.Add(r.Cost)
	}
	return summary, nil
}

// ListByUser implements Ledger; newest first
func (l *MemoryLedger) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*models.UsageRecord
	skipped := 0
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if r.UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

// Records returns a copy of every record, in append order
func (l *MemoryLedger) Records() []models.UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.UsageRecord, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}
