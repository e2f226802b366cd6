package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/upb/fitchat-gateway/models"
	"github.com/upb/fitchat-gateway/repositories"
	"go.uber.org/zap"
)

var _ repositories.UsageRepository = (*UsageRepository)(nil)

// UsageRepository implements the repositories.UsageRepository interface
type UsageRepository struct {
	db     *DB
	tx     repositories.TransactionManager
	logger *zap.Logger
}

// NewUsageRepository creates a new usage ledger repository
func NewUsageRepository(db *DB, logger *zap.Logger) *UsageRepository {
	return &UsageRepository{
		db:     db,
		tx:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

// AppendBatch inserts the records of one chat turn in a single transaction.
// Concurrent turns interleave safely because every record is its own row.
func (r *UsageRepository) AppendBatch(ctx context.Context, records []*models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	return r.tx.InTransaction(ctx, func(ctx context.Context) error {
		for _, record := range records {
			if err := r.insert(ctx, record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *UsageRepository) insert(ctx context.Context, record *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			id, user_id, request_id, provider, model,
			prompt_tokens, completion_tokens, cost, timestamp
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		record.ID,
		record.UserID,
		record.RequestID,
		record.Provider,
		record.Model,
		record.PromptTokens,
		record.CompletionTokens,
		record.Cost,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	r.logger.Debug("usage record inserted",
		zap.String("id", record.ID.String()),
		zap.String("user_id", record.UserID),
		zap.String("provider", record.Provider))
	return nil
}

// Summary aggregates every record of a user
func (r *UsageRepository) Summary(ctx context.Context, userID string) (*models.UsageSummary, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE user_id = $1
	`

	summary := &models.UsageSummary{UserID: userID}
	var total decimal.Decimal

	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, query, userID).Scan(
		&summary.Records,
		&summary.PromptTokens,
		&summary.CompletionTokens,
		&total,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}

	summary.TotalCost = total
	return summary, nil
}

// ListByUser returns a user's records, newest first
func (r *UsageRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.UsageRecord, error) {
	query := `
		SELECT id, user_id, request_id, provider, model,
		       prompt_tokens, completion_tokens, cost, timestamp
		FROM usage_records
		WHERE user_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		record := &models.UsageRecord{}
		if err := rows.Scan(
			&record.ID,
			&record.UserID,
			&record.RequestID,
			&record.Provider,
			&record.Model,
			&record.PromptTokens,
			&record.CompletionTokens,
			&record.Cost,
			&record.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}
