package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/middleware"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/internal/service"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// InboundHandler receives provider callbacks carrying agent replies.
type InboundHandler struct {
	inbound  *service.InboundService
	adapters *channel.Registry
	logger   *logger.Logger
}

// NewInboundHandler creates a new inbound handler.
func NewInboundHandler(inbound *service.InboundService, adapters *channel.Registry, log *logger.Logger) *InboundHandler {
	return &InboundHandler{
		inbound:  inbound,
		adapters: adapters,
		logger:   log,
	}
}

// Receive handles POST /webhooks/{channel}/{clientID}
// The signature is verified before the payload reaches correlation.
func (h *InboundHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	clientID := chi.URLParam(r, "clientID")
	if err := middleware.ValidateClientID(clientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	adapter, ok := h.adapters.Get(ch)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not configured")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	msg, err := h.inbound.Process(r.Context(), clientID, ch, raw, r.Header.Get(adapter.SignatureHeader()))
	var corrErr *service.CorrelationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":          "attributed",
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
		})
	case errors.Is(err, service.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, channel.ErrNoMessage):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, service.ErrDuplicateInbound):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.As(err, &corrErr):
		// Queued for disambiguation; acknowledge so the provider does not redeliver.
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "unresolved",
			"reason": string(corrErr.Result),
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Not recorded as seen; the provider's retry is processed.
		writeError(w, http.StatusServiceUnavailable, "inbound processing interrupted")
	default:
		h.logger.Warn("inbound payload rejected",
			zap.String("client_id", clientID),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
		writeError(w, http.StatusBadRequest, "invalid payload")
	}
}

// Unresolved handles GET /api/v1/inbound/unresolved
func (h *InboundHandler) Unresolved(w http.ResponseWriter, r *http.Request) {
	items := h.inbound.Unresolved(middleware.GetClientID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"unresolved": items,
		"total":      len(items),
	})
}
