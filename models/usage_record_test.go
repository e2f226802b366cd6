package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsageRecord(t *testing.T) {
	r := NewUsageRecord("user-1", "gemini", "gemini-1.5-flash", 300, 60, decimal.RequireFromString("0.0000405"))

	assert.NotEqual(t, uuid.Nil, r.ID)
	assert.Equal(t, "user-1", r.UserID)
	assert.Equal(t, 360, r.TotalTokens())
	assert.Equal(t, "UTC", r.Timestamp.Location().String())
	assert.Equal(t, "usage_records", r.TableName())
}

func TestUsageRecord_JSONKeepsExactCost(t *testing.T) {
	r := NewUsageRecord("user-1", "openai", "gpt-4o-mini", 1, 1, decimal.RequireFromString("0.00000075"))

	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded UsageRecord
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, r.Cost.Equal(decoded.Cost))
	assert.NotContains(t, string(raw), "e-")
}
