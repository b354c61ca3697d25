package model

import "time"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
)

type EventSource string

const (
	SourceWebhook        EventSource = "webhook"
	SourceCheckoutLookup EventSource = "checkout_lookup"
)

// PaymentEvent is one distinct payment-processor confirmation, keyed by the
// processor's event id.
type PaymentEvent struct {
	ExternalEventID   string      `json:"external_event_id"`
	Source            EventSource `json:"source"`
	EventType         string      `json:"event_type"`
	AccountID         *string     `json:"account_id"`
	CheckoutSessionID *string     `json:"checkout_session_id"`
	Amount            int64       `json:"amount"`
	Currency          string      `json:"currency"`
	UpgradedAccount   bool        `json:"upgraded_account"`
	ProcessedAt       *time.Time  `json:"processed_at"`
	CreatedAt         time.Time   `json:"created_at"`
}

// CheckoutSession correlates a hosted checkout session with the account that
// started it.
type CheckoutSession struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	CreatedAt   time.Time  `json:"created_at"`
	ReturnedAt  *time.Time `json:"returned_at"`
	ConfirmedAt *time.Time `json:"confirmed_at"`
}

// CheckoutSnapshot is the processor's authoritative view of a checkout session,
// as returned by its API.
type CheckoutSnapshot struct {
	SessionID string
	AccountID string
	Paid      bool
	Complete  bool
	Amount    int64
	Currency  string
}
