package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/handover-engine/internal/middleware"
	"github.com/capitalize-ai/handover-engine/internal/model"
	"github.com/capitalize-ai/handover-engine/internal/quota"
	"github.com/capitalize-ai/handover-engine/internal/service"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// AdminHandler exposes handover configuration and quota usage to the
// client dashboard.
type AdminHandler struct {
	configs *service.ConfigStore
	quota   *quota.Tracker
	logger  *logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(configs *service.ConfigStore, tracker *quota.Tracker, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		configs: configs,
		quota:   tracker,
		logger:  log,
	}
}

// GetDefaults handles GET /api/v1/handover/defaults
func (h *AdminHandler) GetDefaults(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.Defaults(middleware.GetClientID(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to load handover configuration")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutDefaults handles PUT /api/v1/handover/defaults
func (h *AdminHandler) PutDefaults(w http.ResponseWriter, r *http.Request) {
	var cfg model.HandoverConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.configs.SetDefaults(middleware.GetClientID(r.Context()), cfg); err != nil {
		writeServiceError(w, h.logger, err, "failed to store handover configuration")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetWidget handles GET /api/v1/widgets/{widgetID}/handover
// The response carries the stored override and the effective configuration.
func (h *AdminHandler) GetWidget(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.GetClientID(r.Context())
	widgetID := chi.URLParam(r, "widgetID")
	if err := middleware.ValidateWidgetID(widgetID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	override, _, err := h.configs.Widget(clientID, widgetID)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to load widget configuration")
		return
	}
	effective, err := h.configs.Resolve(clientID, widgetID)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to load widget configuration")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"override":  override,
		"effective": effective,
	})
}

// PutWidget handles PUT /api/v1/widgets/{widgetID}/handover
func (h *AdminHandler) PutWidget(w http.ResponseWriter, r *http.Request) {
	clientID := middleware.GetClientID(r.Context())
	widgetID := chi.URLParam(r, "widgetID")
	if err := middleware.ValidateWidgetID(widgetID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var override model.WidgetOverride
	if err := decodeJSON(r, &override); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.configs.SetWidget(clientID, widgetID, override); err != nil {
		writeServiceError(w, h.logger, err, "failed to store widget configuration")
		return
	}
	effective, _ := h.configs.Resolve(clientID, widgetID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"override":  override,
		"effective": effective,
	})
}

// Quota handles GET /api/v1/quota/{channel}
func (h *AdminHandler) Quota(w http.ResponseWriter, r *http.Request) {
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	usage, err := h.quota.Usage(r.Context(), middleware.GetClientID(r.Context()), ch)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to load quota usage")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
