package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/channel"
	"github.com/capitalize-ai/handover-engine/internal/middleware"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// PortalHandler serves the in-app handover channel to agent UIs.
type PortalHandler struct {
	adapter  *channel.PortalAdapter
	hub      *channel.PortalHub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewPortalHandler creates a new portal handler. allowedOrigins lists the
// dashboard origins permitted to open the websocket; empty allows same host only.
func NewPortalHandler(adapter *channel.PortalAdapter, hub *channel.PortalHub, allowedOrigins []string, log *logger.Logger) *PortalHandler {
	return &PortalHandler{
		adapter: adapter,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: log,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == origin {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// Pending handles GET /api/v1/portal/notifications
func (h *PortalHandler) Pending(w http.ResponseWriter, r *http.Request) {
	items := h.adapter.Pending(middleware.GetClientID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": items,
		"total":         len(items),
	})
}

// Connect handles GET /api/v1/portal/ws
func (h *PortalHandler) Connect(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.GetClientID(r.Context())
	userID := middleware.GetUserID(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("portal websocket upgrade failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}

	// Connecting agents first receive what is already pending.
	for _, n := range h.adapter.Pending(clientID) {
		if err := conn.WriteJSON(n); err != nil {
			conn.Close()
			return
		}
	}

	h.hub.Attach(r.Context(), conn, clientID, userID)
}
