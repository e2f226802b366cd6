package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/upb/fitchat-gateway/middleware"
	"github.com/upb/fitchat-gateway/models"
	"github.com/upb/fitchat-gateway/services"
	"github.com/upb/fitchat-gateway/utils"
	"go.uber.org/zap"
)

// UsageReader reads the caller's ledger
type UsageReader interface {
	Summary(ctx context.Context, userID string) (*models.UsageSummary, error)
	History(ctx context.Context, userID string, limit, offset int) ([]*models.UsageRecord, error)
}

// usagePage holds pagination parameters of GET /ai/usage/records
type usagePage struct {
	Limit  int `validate:"gte=1,lte=100"`
	Offset int `validate:"gte=0"`
}

// UsageHandler serves the caller's cost history
type UsageHandler struct {
	reader UsageReader
	logger *zap.Logger
}

// NewUsageHandler creates a new UsageHandler
func NewUsageHandler(reader UsageReader, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{
		reader: reader,
		logger: logger,
	}
}

// HandleSummary handles GET /ai/usage
func (h *UsageHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserIDFromContext(ctx)
	if userID == "" {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}

	summary, err := h.reader.Summary(ctx, userID)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to load usage", err), h.logger)
		return
	}

	_ = utils.WriteOK(w, summary)
}

// HandleRecords handles GET /ai/usage/records?limit=&offset=
func (h *UsageHandler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserIDFromContext(ctx)
	if userID == "" {
		HandleServiceError(w, services.ErrUnauthorized, h.logger)
		return
	}

	page := usagePage{Limit: 20}
	query := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			HandleServiceError(w,
				services.NewValidationError("Invalid query parameter", err).WithDetail(name, "must be an integer"),
				h.logger)
			return
		}
		*dst = n
	}

	if err := utils.ValidateStruct(&page); err != nil {
		HandleServiceError(w, validationError(err), h.logger)
		return
	}

	records, err := h.reader.History(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("failed to list usage", err), h.logger)
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}

	_ = utils.WriteOK(w, records)
}
