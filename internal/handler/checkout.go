package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/vouch/internal/auth"
	"github.com/dukerupert/vouch/internal/coordinator"
	"github.com/dukerupert/vouch/internal/model"
)

// CheckoutCreator opens a hosted checkout session for an account.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, accountID string) (id, url string, err error)
}

type CheckoutHandler struct {
	coord   *coordinator.Coordinator
	creator CheckoutCreator
	logger  *slog.Logger
}

func NewCheckoutHandler(c *coordinator.Coordinator, creator CheckoutCreator, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{coord: c, creator: creator, logger: logger}
}

// Create starts a premium purchase. Accounts that are already premium get a
// conflict instead of a second charge.
func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	e, err := h.coord.GetEntitlement(r.Context(), accountID)
	if err != nil {
		writeError(w, h.logger, "get entitlement", err)
		return
	}
	if e.Plan == model.PlanPremium {
		writeMessage(w, http.StatusConflict, "account is already premium")
		return
	}

	id, url, err := h.creator.CreateCheckoutSession(r.Context(), accountID)
	if err != nil {
		h.logger.Error("create checkout session", "account_id", accountID, "error", err)
		writeMessage(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}
	if err := h.coord.RegisterCheckout(r.Context(), id, accountID); err != nil {
		writeError(w, h.logger, "register checkout", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "url": url})
}

// Return reports the payment status after the browser is redirected back.
// It never upgrades on its own.
func (h *CheckoutHandler) Return(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeMessage(w, http.StatusBadRequest, "session_id is required")
		return
	}

	accountID := auth.AccountID(r.Context())
	status, err := h.coord.ProcessBrowserReturn(r.Context(), sessionID, accountID)
	if err != nil {
		writeError(w, h.logger, "process browser return", err)
		return
	}

	e, err := h.coord.GetEntitlement(r.Context(), accountID)
	if err != nil {
		writeError(w, h.logger, "get entitlement", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "entitlement": e})
}
