package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/vouch/internal/coordinator"
	"github.com/dukerupert/vouch/internal/model"
	"github.com/dukerupert/vouch/internal/payment"
)

// WebhookParser verifies a processor notification and extracts the payment
// confirmation, if the event is one.
type WebhookParser interface {
	ParseWebhook(payload []byte, sigHeader string) (payment.WebhookEvent, bool, error)
}

type WebhookHandler struct {
	coord   *coordinator.Coordinator
	parser  WebhookParser
	backoff func() retry.Backoff
	logger  *slog.Logger
}

func NewWebhookHandler(c *coordinator.Coordinator, p WebhookParser, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		coord:  c,
		parser: p,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
		},
		logger: logger,
	}
}

// HandleStripeWebhook records a verified confirmation. Storage failures are
// retried in-process; if they persist the processor gets a 503 and will
// redeliver, which is safe because processing is idempotent per event id.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "read body")
		return
	}

	ev, ok, err := h.parser.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, model.ErrInvalidSignature):
		h.logger.Warn("rejected payment webhook signature", "error", err)
		writeMessage(w, http.StatusBadRequest, "invalid signature")
		return
	case err != nil:
		h.logger.Error("malformed payment webhook", "error", err)
		writeMessage(w, http.StatusBadRequest, "malformed event")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"ignored": true})
		return
	}

	var out payment.Outcome
	err = retry.Do(r.Context(), h.backoff(), func(ctx context.Context) error {
		var err error
		out, err = h.coord.ProcessPaymentWebhook(ctx, ev)
		if model.IsRetryable(err) {
			h.logger.Warn("retrying payment webhook", "event_id", ev.ExternalEventID, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	switch {
	case errors.Is(err, model.ErrUnverifiedEvent):
		writeMessage(w, http.StatusBadRequest, "unverified event")
		return
	case err != nil:
		writeError(w, h.logger, "process payment webhook", err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}
