package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/fitchat-gateway/middleware"
	"github.com/upb/fitchat-gateway/models"
	"github.com/upb/fitchat-gateway/utils"
	"go.uber.org/zap"
)

// MockUsageReader is a mock implementation of UsageReader
type MockUsageReader struct {
	mock.Mock
}

func (m *MockUsageReader) Summary(ctx context.Context, userID string) (*models.UsageSummary, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UsageSummary), args.Error(1)
}

func (m *MockUsageReader) History(ctx context.Context, userID string, limit, offset int) ([]*models.UsageRecord, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.UsageRecord), args.Error(1)
}

func usageRequest(target, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if userID == "" {
		return req
	}
	return req.WithContext(middleware.WithUserID(req.Context(), userID))
}

func TestUsageHandler_HandleSummary(t *testing.T) {
	t.Run("returns the caller's summary", func(t *testing.T) {
		reader := new(MockUsageReader)
		handler := NewUsageHandler(reader, zap.NewNop())

		reader.On("Summary", mock.Anything, "user-1").Return(&models.UsageSummary{
			UserID:           "user-1",
			Records:          4,
			PromptTokens:     800,
			CompletionTokens: 120,
			TotalCost:        decimal.RequireFromString("0.00021"),
		}, nil)

		w := httptest.NewRecorder()
		handler.HandleSummary(w, usageRequest("/ai/usage", "user-1"))

		require.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "user-1", data["user_id"])
		assert.EqualValues(t, 4, data["records"])
		assert.Equal(t, "0.00021", data["total_cost"])
		reader.AssertExpectations(t)
	})

	t.Run("ledger failure is a 500", func(t *testing.T) {
		reader := new(MockUsageReader)
		handler := NewUsageHandler(reader, zap.NewNop())
		reader.On("Summary", mock.Anything, "user-1").Return(nil, errors.New("connection refused"))

		w := httptest.NewRecorder()
		handler.HandleSummary(w, usageRequest("/ai/usage", "user-1"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "connection refused")
	})

	t.Run("requires identity", func(t *testing.T) {
		handler := NewUsageHandler(new(MockUsageReader), zap.NewNop())

		w := httptest.NewRecorder()
		handler.HandleSummary(w, usageRequest("/ai/usage", ""))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "authentication required")
	})
}

func TestUsageHandler_HandleRecords(t *testing.T) {
	t.Run("default page", func(t *testing.T) {
		reader := new(MockUsageReader)
		handler := NewUsageHandler(reader, zap.NewNop())

		record := models.NewUsageRecord("user-1", "gemini", "gemini-1.5-flash", 50, 10, decimal.RequireFromString("0.0000068"))
		reader.On("History", mock.Anything, "user-1", 20, 0).Return([]*models.UsageRecord{record}, nil)

		w := httptest.NewRecorder()
		handler.HandleRecords(w, usageRequest("/ai/usage/records", "user-1"))

		require.Equal(t, http.StatusOK, w.Code)
		var response struct {
			Data []models.UsageRecord `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		require.Len(t, response.Data, 1)
		assert.Equal(t, "gemini", response.Data[0].Provider)
		reader.AssertExpectations(t)
	})

	t.Run("explicit page and empty result", func(t *testing.T) {
		reader := new(MockUsageReader)
		handler := NewUsageHandler(reader, zap.NewNop())
		reader.On("History", mock.Anything, "user-1", 5, 10).Return(nil, nil)

		w := httptest.NewRecorder()
		handler.HandleRecords(w, usageRequest("/ai/usage/records?limit=5&offset=10", "user-1"))

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	})

	tests := []struct {
		name   string
		query  string
		detail string
	}{
		{"non numeric limit", "?limit=ten", "limit"},
		{"limit too large", "?limit=1000", "Limit"},
		{"negative offset", "?offset=-1", "Offset"},
		{"zero limit", "?limit=0", "Limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := new(MockUsageReader)
			handler := NewUsageHandler(reader, zap.NewNop())

			w := httptest.NewRecorder()
			handler.HandleRecords(w, usageRequest("/ai/usage/records"+tt.query, "user-1"))

			require.Equal(t, http.StatusBadRequest, w.Code)
			var body utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, "bad_request", body.Error)
			assert.Contains(t, body.Details, tt.detail)
			reader.AssertNotCalled(t, "History", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}
