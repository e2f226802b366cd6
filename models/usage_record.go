package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageRecord is one billed provider call. Records are append-only.
type UsageRecord struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	RequestID        string          `json:"request_id,omitempty" db:"request_id"`
	Provider         string          `json:"provider" db:"provider"`
	Model            string          `json:"model" db:"model"`
	PromptTokens     int             `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens" db:"completion_tokens"`
	Cost             decimal.Decimal `json:"cost" db:"cost"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "usage_records"
}

// NewUsageRecord creates a new UsageRecord instance
func NewUsageRecord(userID, provider, model string, promptTokens, completionTokens int, cost decimal.Decimal) *UsageRecord {
	return &UsageRecord{
		ID:               uuid.New(),
		UserID:           userID,
		Provider:         provider,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
		Timestamp:        time.Now().UTC(),
	}
}

// TotalTokens returns prompt plus completion tokens
func (r *UsageRecord) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// UsageSummary aggregates a user's ledger
type UsageSummary struct {
	UserID           string          `json:"user_id"`
	Records          int64           `json:"records"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalCost        decimal.Decimal `json:"total_cost"`
}
