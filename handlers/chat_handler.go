package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/upb/fitchat-gateway/middleware"
	"github.com/upb/fitchat-gateway/services/inference"
	"github.com/upb/fitchat-gateway/services/providers"
	"github.com/upb/fitchat-gateway/utils"
	"go.uber.org/zap"
)

// maxChatBodyBytes bounds the request body before JSON decoding
const maxChatBodyBytes = 1 << 20

// ChatRequest is the body of POST /ai/chat
type ChatRequest struct {
	Messages    []providers.Message    `json:"messages"`
	Tools       []providers.ToolSchema `json:"tools,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
}

// ChatResponse is the body of a successful POST /ai/chat
type ChatResponse struct {
	Content           string                 `json:"content"`
	ToolCallsExecuted []providers.ToolResult `json:"tool_calls_executed"`
	Usage             providers.Usage        `json:"usage"`
	Cost              json.Number            `json:"cost"`
	ProviderUsed      string                 `json:"provider_used"`
}

// ChatService defines the interface for chat turns
type ChatService interface {
	ProcessChat(ctx context.Context, in *inference.ChatInput) (*inference.ChatOutput, error)
}

// ChatHandler handles POST /ai/chat
type ChatHandler struct {
	service ChatService
	logger  *zap.Logger
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(service ChatService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		service: service,
		logger:  logger,
	}
}

// HandleChat handles POST /ai/chat
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	userID := middleware.GetUserIDFromContext(ctx)
	if userID == "" {
		h.logger.Error("missing user identity in context",
			zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.logger.Info("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteInvalidRequest(w, err.Error())
		return
	}

	out, err := h.service.ProcessChat(ctx, &inference.ChatInput{
		UserID:      userID,
		RequestID:   requestID,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
	})
	if err != nil {
		WriteInferenceError(w, err, h.logger)
		return
	}

	response := ChatResponse{
		Content:           out.Content,
		ToolCallsExecuted: out.ToolCallsExecuted,
		Usage:             out.Usage,
		Cost:              json.Number(out.Cost.String()),
		ProviderUsed:      out.ProviderUsed,
	}
	if response.ToolCallsExecuted == nil {
		response.ToolCallsExecuted = []providers.ToolResult{}
	}

	if err := utils.WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("failed to write chat response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// decodeBody reads a single JSON object no larger than maxChatBodyBytes
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is empty")
		default:
			return fmt.Errorf("malformed JSON body: %v", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
