package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/vouch/internal/model"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// writeError maps domain errors to HTTP status codes. Only unexpected
// failures are logged; the caller's outcome is already in the access log.
func writeError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	var qe *model.QuotaError
	switch {
	case errors.As(err, &qe):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": "quota exceeded",
			"used":  qe.Used,
			"limit": qe.Limit,
		})
	case errors.Is(err, model.ErrTokenNotFound), errors.Is(err, model.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrCheckoutMismatch):
		writeMessage(w, http.StatusForbidden, "checkout session belongs to another account")
	case errors.Is(err, model.ErrInvalidInput):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case model.IsRetryable(err):
		logger.Error(msg, "error", err)
		w.Header().Set("Retry-After", "1")
		writeMessage(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		logger.Error(msg, "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}
