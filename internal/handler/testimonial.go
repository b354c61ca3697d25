package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/vouch/internal/auth"
	"github.com/dukerupert/vouch/internal/coordinator"
	"github.com/dukerupert/vouch/internal/model"
	"github.com/dukerupert/vouch/internal/testimonial"
)

type TestimonialHandler struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

func NewTestimonialHandler(c *coordinator.Coordinator, logger *slog.Logger) *TestimonialHandler {
	return &TestimonialHandler{coord: c, logger: logger}
}

// ownerView is what the owner sees. Pending testimonials carry the link to
// send to the client again; decided ones no longer need it.
type ownerView struct {
	*model.Testimonial
	VerificationURL string `json:"verification_url,omitempty"`
}

func (h *TestimonialHandler) newOwnerView(t *model.Testimonial) ownerView {
	v := ownerView{Testimonial: t}
	if t.Status == model.StatusPending {
		v.VerificationURL = h.coord.VerificationURL(t.VerificationToken)
	}
	return v
}

func (h *TestimonialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var d testimonial.Draft
	if !decodeJSON(w, r, &d) {
		return
	}

	sub, err := h.coord.SubmitTestimonial(r.Context(), auth.AccountID(r.Context()), d)
	if err != nil {
		writeError(w, h.logger, "submit testimonial", err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *TestimonialHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.coord.ListTestimonials(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, h.logger, "list testimonials", err)
		return
	}
	views := make([]ownerView, len(list))
	for i := range list {
		views[i] = h.newOwnerView(&list[i])
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *TestimonialHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.coord.GetTestimonial(r.Context(), auth.AccountID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "get testimonial", err)
		return
	}
	writeJSON(w, http.StatusOK, h.newOwnerView(t))
}
