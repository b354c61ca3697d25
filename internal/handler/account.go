package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/vouch/internal/auth"
	"github.com/dukerupert/vouch/internal/coordinator"
)

type AccountHandler struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

func NewAccountHandler(c *coordinator.Coordinator, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{coord: c, logger: logger}
}

func (h *AccountHandler) Entitlement(w http.ResponseWriter, r *http.Request) {
	e, err := h.coord.GetEntitlement(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, h.logger, "get entitlement", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *AccountHandler) Payments(w http.ResponseWriter, r *http.Request) {
	list, err := h.coord.PaymentHistory(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, h.logger, "payment history", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
