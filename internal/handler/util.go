package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/handover-engine/internal/service"
	"github.com/capitalize-ai/handover-engine/pkg/logger"
)

// maxBodyBytes bounds request bodies, provider callbacks included.
const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON decodes a bounded request body.
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// writeServiceError maps engine errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error, fallback string) {
	var (
		cfgErr   *service.ConfigurationError
		quotaErr *service.QuotaExceededError
		corrErr  *service.CorrelationError
	)
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrUnknownClient):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyExists),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrConversationEnded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &quotaErr):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &corrErr):
		writeError(w, http.StatusAccepted, err.Error())
	default:
		log.Error(fallback, zap.Error(err))
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
