package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/vouch/internal/coordinator"
	"github.com/dukerupert/vouch/internal/model"
)

// VerifyHandler serves the client-facing approval page. The token in the
// path is the only credential.
type VerifyHandler struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

func NewVerifyHandler(c *coordinator.Coordinator, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{coord: c, logger: logger}
}

// verifyView is what the client sees. The owner's account id stays private.
type verifyView struct {
	ID           string           `json:"id"`
	Client       model.ClientInfo `json:"client"`
	OriginalText string           `json:"original_text"`
	EnhancedText string           `json:"enhanced_text"`
	Status       model.Status     `json:"status"`
	DecidedAt    *time.Time       `json:"decided_at,omitempty"`
}

func newVerifyView(t *model.Testimonial) verifyView {
	return verifyView{
		ID:           t.ID,
		Client:       t.Client,
		OriginalText: t.OriginalText,
		EnhancedText: t.EnhancedText,
		Status:       t.Status,
		DecidedAt:    t.DecidedAt,
	}
}

func (h *VerifyHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	t, err := h.coord.LookupTestimonial(r.Context(), r.PathValue("token"))
	if err != nil {
		writeError(w, h.logger, "lookup testimonial", err)
		return
	}
	writeJSON(w, http.StatusOK, newVerifyView(t))
}

type decideRequest struct {
	Approve *bool `json:"approve"`
}

func (h *VerifyHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Approve == nil {
		writeMessage(w, http.StatusBadRequest, "approve is required")
		return
	}

	res, err := h.coord.DecideTestimonial(r.Context(), r.PathValue("token"), *req.Approve)
	if err != nil {
		writeError(w, h.logger, "decide testimonial", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"testimonial": newVerifyView(res.Testimonial),
		"status":      res.Status,
		"changed":     res.Changed,
	})
}
