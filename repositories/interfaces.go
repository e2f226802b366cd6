package repositories

import (
	"context"

	"github.com/upb/fitchat-gateway/models"
)

// TransactionManager runs work inside a database transaction
type TransactionManager interface {
	// InTransaction executes fn within a transaction.
	// Commits if fn succeeds, rolls back on error.
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// UsageRepository is the append-only usage ledger
type UsageRepository interface {
	// AppendBatch inserts all records or none
	AppendBatch(ctx context.Context, records []*models.UsageRecord) error

	// Summary aggregates every record of a user
	Summary(ctx context.Context, userID string) (*models.UsageSummary, error)

	// ListByUser returns a user's records, newest first
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.UsageRecord, error)
}
