package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/fitchat-gateway/models"
	"go.uber.org/zap"
)

func newMockRepository(t *testing.T) (*UsageRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return NewUsageRepository(Wrap(sqlDB, zap.NewNop()), zap.NewNop()), mock
}

func TestUsageRepository_AppendBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts every record in one transaction", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		records := []*models.UsageRecord{
			models.NewUsageRecord("user-1", "openai", "gpt-4o-mini", 100, 20, decimal.RequireFromString("0.000027")),
			models.NewUsageRecord("user-1", "openai", "gpt-4o-mini", 150, 30, decimal.RequireFromString("0.0000405")),
		}

		mock.ExpectBegin()
		for _, r := range records {
			mock.ExpectExec("INSERT INTO usage_records").
				WithArgs(r.ID, r.UserID, r.RequestID, r.Provider, r.Model,
					r.PromptTokens, r.CompletionTokens, r.Cost, r.Timestamp).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()

		require.NoError(t, repo.AppendBatch(ctx, records))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when an insert fails", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		records := []*models.UsageRecord{
			models.NewUsageRecord("user-1", "groq", "llama-3.1-8b-instant", 10, 5, decimal.Zero),
			models.NewUsageRecord("user-1", "groq", "llama-3.1-8b-instant", 10, 5, decimal.Zero),
		}

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO usage_records").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := repo.AppendBatch(ctx, records)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		require.NoError(t, repo.AppendBatch(ctx, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUsageRepository_Summary(t *testing.T) {
	ctx := context.Background()

	t.Run("aggregates the ledger", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery("SELECT COUNT").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"count", "prompt", "completion", "cost"}).
				AddRow(int64(3), int64(450), int64(90), "0.00012150"))

		summary, err := repo.Summary(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", summary.UserID)
		assert.Equal(t, int64(3), summary.Records)
		assert.Equal(t, int64(450), summary.PromptTokens)
		assert.Equal(t, int64(90), summary.CompletionTokens)
		assert.True(t, decimal.RequireFromString("0.0001215").Equal(summary.TotalCost))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error is wrapped", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("connection reset"))

		_, err := repo.Summary(ctx, "user-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to summarize usage")
	})
}

func TestUsageRepository_ListByUser(t *testing.T) {
	repo, mock := newMockRepository(t)

	id := uuid.New()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// records of one turn share a timestamp, so id breaks ties
	mock.ExpectQuery(`(?s)SELECT id, user_id.*ORDER BY timestamp DESC, id DESC`).
		WithArgs("user-1", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "request_id", "provider", "model",
			"prompt_tokens", "completion_tokens", "cost", "timestamp",
		}).AddRow(id.String(), "user-1", "req-1", "anthropic", "claude-3-5-haiku-latest", 200, 40, "0.00032", ts))

	records, err := repo.ListByUser(context.Background(), "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, "anthropic", records[0].Provider)
	assert.Equal(t, 240, records[0].TotalTokens())
	assert.True(t, decimal.RequireFromString("0.00032").Equal(records[0].Cost))
	assert.Equal(t, ts, records[0].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}
