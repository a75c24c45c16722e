// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/handover-engine/internal/middleware"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/internal/service"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// EventReader reads a conversation's event history.
type EventReader interface {
	GetEvents(ctx context.Context, clientID, conversationID string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, bool, error)
}

// PortalAcker drops queued portal notifications once a conversation is answered.
type PortalAcker interface {
	Ack(clientID, conversationID string)
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	router  *service.Router
	events  EventReader
	portal  PortalAcker
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler. events and
// portal may be nil.
func NewConversationHandler(svc *service.ConversationService, router *service.Router, events EventReader, portal PortalAcker, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		router:  router,
		events:  events,
		portal:  portal,
		logger:  log,
	}
}

// conversationID reads and validates the {id} URL parameter.
func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.GetClientID(ctx)

	var req model.CreateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateWidgetID(req.WidgetID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID != "" {
		if err := middleware.ValidateConversationID(req.ID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conv, err := h.service.Create(ctx, clientID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := middleware.GetClientID(ctx)

	limit := 20
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	resp, err := h.service.List(ctx, clientID, limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	conv, err := h.service.Get(r.Context(), middleware.GetClientID(r.Context()), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to get conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), middleware.GetClientID(r.Context()), id); err != nil {
		writeServiceError(w, h.logger, err, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Messages handles GET /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	msgs, err := h.service.Messages(r.Context(), middleware.GetClientID(r.Context()), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to list messages")
		return
	}

	writeJSON(w, http.StatusOK, model.ListMessagesResponse{Messages: msgs})
}

// AppendMessage handles POST /api/v1/conversations/{id}/messages
func (h *ConversationHandler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.AppendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.service.AppendMessage(r.Context(), middleware.GetClientID(r.Context()), id, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to append message")
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Escalate handles POST /api/v1/conversations/{id}/escalate
func (h *ConversationHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	clientID := middleware.GetClientID(r.Context())

	resp, err := h.router.Escalate(r.Context(), clientID, id)
	if err != nil {
		// The conversation stays awaiting_handoff; the bot keeps serving the visitor.
		writeServiceError(w, h.logger, err, "failed to escalate conversation")
		return
	}

	status := http.StatusOK
	if resp.Dispatched && !resp.Duplicate {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// Reply handles POST /api/v1/conversations/{id}/reply for portal agents.
func (h *ConversationHandler) Reply(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	clientID := middleware.GetClientID(r.Context())

	var req model.ReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.service.Reply(r.Context(), clientID, id, req.Text)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to reply")
		return
	}
	if h.portal != nil {
		h.portal.Ack(clientID, id)
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Close handles POST /api/v1/conversations/{id}/close
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	clientID := middleware.GetClientID(r.Context())

	reason := "closed by " + middleware.GetUserID(r.Context())
	conv, err := h.service.Close(r.Context(), clientID, id, reason)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to close conversation")
		return
	}
	if h.portal != nil {
		h.portal.Ack(clientID, id)
	}

	writeJSON(w, http.StatusOK, conv)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	conv, err := h.service.MarkRead(r.Context(), middleware.GetClientID(r.Context()), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to mark conversation read")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Events handles GET /api/v1/conversations/{id}/events
// Supports ?after_sequence=N for resuming from a specific point
func (h *ConversationHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	clientID := middleware.GetClientID(r.Context())

	if _, err := h.service.Get(r.Context(), clientID, id); err != nil {
		writeServiceError(w, h.logger, err, "failed to get conversation")
		return
	}
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event history unavailable")
		return
	}

	var after uint64
	if s := r.URL.Query().Get("after_sequence"); s != "" {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence")
			return
		}
		after = parsed
	}

	events, last, hasMore, err := h.events.GetEvents(r.Context(), clientID, id, after, 100)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to read events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":        events,
		"last_sequence": last,
		"has_more":      hasMore,
	})
}
