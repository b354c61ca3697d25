package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/vouch/internal/model"
	"github.com/dukerupert/vouch/internal/payment"
)

// MetadataAccountID is the checkout metadata key carrying the account id.
const MetadataAccountID = "account_id"

type Config struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
	// Mode is "payment" for a one-time purchase or "subscription".
	Mode string
	// SuccessURL should contain {CHECKOUT_SESSION_ID} so the browser return
	// carries the session id.
	SuccessURL string
	CancelURL  string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	if cfg.Mode == "" {
		cfg.Mode = string(stripe.CheckoutSessionModePayment)
	}
	return &Client{cfg: cfg}
}

// CreateCheckoutSession creates a hosted checkout session for the account and
// returns its id and URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, accountID string) (string, string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(c.cfg.Mode),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.cfg.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID:   stripe.String(accountID),
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(c.cfg.SuccessURL),
		CancelURL:           stripe.String(c.cfg.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata(MetadataAccountID, accountID)

	sess, err := checksession.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.ID, sess.URL, nil
}

// GetCheckoutSession fetches the session from Stripe.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (model.CheckoutSnapshot, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := checksession.Get(sessionID, params)
	if err != nil {
		return model.CheckoutSnapshot{}, fmt.Errorf("get checkout session: %w", err)
	}
	return SnapshotFromSession(sess), nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
}

// ParseWebhook verifies the payload and converts it to a payment
// confirmation. ok is false for events that do not confirm a payment.
// Errors wrap model.ErrInvalidSignature when the signature check fails and
// model.ErrMalformedEvent when a signed payload cannot be decoded.
func (c *Client) ParseWebhook(payload []byte, sigHeader string) (payment.WebhookEvent, bool, error) {
	event, err := c.ConstructWebhookEvent(payload, sigHeader)
	if err != nil {
		if signatureError(err) {
			return payment.WebhookEvent{}, false, fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
		}
		return payment.WebhookEvent{}, false, fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
	}
	ev, ok, err := ConfirmationFromEvent(event)
	if err != nil {
		return payment.WebhookEvent{}, false, fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
	}
	if !ok {
		return payment.WebhookEvent{}, false, nil
	}
	ev.Verified = true
	return ev, true, nil
}

// ConfirmationFromEvent extracts a payment confirmation from a checkout
// event. A completed session only counts once it is paid; delayed payment
// methods confirm later with async_payment_succeeded. The returned event is
// not marked verified.
func ConfirmationFromEvent(event stripe.Event) (payment.WebhookEvent, bool, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return payment.WebhookEvent{}, false, nil
	}
	if event.Data == nil {
		return payment.WebhookEvent{}, false, fmt.Errorf("event %s has no data", event.ID)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return payment.WebhookEvent{}, false, fmt.Errorf("unmarshal checkout session: %w", err)
	}

	if event.Type == stripe.EventTypeCheckoutSessionCompleted && !sessionPaid(&sess) {
		return payment.WebhookEvent{}, false, nil
	}

	return payment.WebhookEvent{
		ExternalEventID:   event.ID,
		EventType:         string(event.Type),
		AccountID:         SessionAccountID(&sess),
		CheckoutSessionID: sess.ID,
		Amount:            sess.AmountTotal,
		Currency:          string(sess.Currency),
	}, true, nil
}

// SnapshotFromSession converts a Stripe checkout session.
func SnapshotFromSession(sess *stripe.CheckoutSession) model.CheckoutSnapshot {
	return model.CheckoutSnapshot{
		SessionID: sess.ID,
		AccountID: SessionAccountID(sess),
		Paid:      sessionPaid(sess),
		Complete:  sess.Status == stripe.CheckoutSessionStatusComplete,
		Amount:    sess.AmountTotal,
		Currency:  string(sess.Currency),
	}
}

// SessionAccountID returns the account that started the session, from
// client_reference_id or the account_id metadata.
func SessionAccountID(sess *stripe.CheckoutSession) string {
	if sess.ClientReferenceID != "" {
		return sess.ClientReferenceID
	}
	return sess.Metadata[MetadataAccountID]
}

func signatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func sessionPaid(sess *stripe.CheckoutSession) bool {
	return sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
}
