package payment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/model"
	"github.com/dukerupert/vouch/internal/store"
)

// LookupEventPrefix prefixes the event id recorded for a confirmation that
// came from querying the processor's API rather than from a webhook.
const LookupEventPrefix = "lookup:"

// Upgrader is the part of the quota ledger the reconciler drives.
type Upgrader interface {
	Upgrade(ctx context.Context, accountID string) (model.Entitlement, bool, error)
	Snapshot(ctx context.Context, accountID string) (model.Entitlement, error)
}

// Notifier is told about the single plan flip of an account, after it has
// been committed.
type Notifier interface {
	EntitlementUpgraded(e model.Entitlement)
}

// WebhookEvent is a payment confirmation from the processor. Verified must
// only be true once the transport has checked the processor's signature.
type WebhookEvent struct {
	ExternalEventID   string
	EventType         string
	AccountID         string
	CheckoutSessionID string
	Amount            int64
	Currency          string
	Verified          bool
}

// Outcome describes what a payment signal did.
type Outcome struct {
	Status      model.PaymentStatus `json:"status"`
	Duplicate   bool                `json:"duplicate"`
	Unresolved  bool                `json:"unresolved"`
	Upgraded    bool                `json:"upgraded"`
	Entitlement *model.Entitlement  `json:"entitlement,omitempty"`
}

// Reconciler merges webhook deliveries, processor lookups and browser returns
// into at most one plan upgrade per account. The account's UpgradedAt is the
// idempotency anchor; event ids only deduplicate redeliveries.
type Reconciler struct {
	db        *sql.DB
	events    *store.PaymentEventStore
	checkouts *store.CheckoutStore
	ledger    Upgrader
	notifiers []Notifier
	now       func() time.Time
	logger    *slog.Logger
}

func NewReconciler(db *sql.DB, events *store.PaymentEventStore, checkouts *store.CheckoutStore, ledger Upgrader, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		db:        db,
		events:    events,
		checkouts: checkouts,
		ledger:    ledger,
		now:       time.Now,
		logger:    logger,
	}
}

// AddNotifier registers n to hear about upgrades. Not safe to call once the
// reconciler is in use.
func (r *Reconciler) AddNotifier(n Notifier) {
	r.notifiers = append(r.notifiers, n)
}

// RecordWebhookEvent absorbs one webhook delivery. Unverified events are
// dropped without writing anything. Redeliveries of a processed event are
// reported as duplicates. An event whose account cannot be resolved is kept
// unprocessed so a later delivery can complete it.
func (r *Reconciler) RecordWebhookEvent(ctx context.Context, ev WebhookEvent) (Outcome, error) {
	if !ev.Verified {
		r.logger.Error("unverified payment event reached reconciler",
			"event_id", ev.ExternalEventID, "event_type", ev.EventType)
		return Outcome{}, model.ErrUnverifiedEvent
	}
	if ev.ExternalEventID == "" {
		return Outcome{}, fmt.Errorf("%w: event id is required", model.ErrInvalidInput)
	}
	return r.absorb(ctx, ev, model.SourceWebhook)
}

// RecordProcessorLookup absorbs the processor's own report of a checkout
// session. Only a paid and complete session counts as a confirmation.
func (r *Reconciler) RecordProcessorLookup(ctx context.Context, snap model.CheckoutSnapshot) (Outcome, error) {
	if snap.SessionID == "" {
		return Outcome{}, fmt.Errorf("%w: session id is required", model.ErrInvalidInput)
	}
	if !snap.Paid || !snap.Complete {
		return Outcome{Status: model.PaymentPending}, nil
	}
	return r.absorb(ctx, WebhookEvent{
		ExternalEventID:   LookupEventPrefix + snap.SessionID,
		EventType:         "checkout.session.lookup",
		AccountID:         snap.AccountID,
		CheckoutSessionID: snap.SessionID,
		Amount:            snap.Amount,
		Currency:          snap.Currency,
		Verified:          true,
	}, model.SourceCheckoutLookup)
}

func (r *Reconciler) absorb(ctx context.Context, ev WebhookEvent, source model.EventSource) (Outcome, error) {
	var out Outcome
	err := database.WithTx(ctx, r.db, func(ctx context.Context) error {
		accountID := ev.AccountID
		if accountID == "" && ev.CheckoutSessionID != "" {
			cs, err := r.checkouts.Get(ctx, ev.CheckoutSessionID)
			if err != nil {
				return model.Persistence("load checkout session", err)
			}
			if cs != nil {
				accountID = cs.AccountID
			}
		}

		rec, err := r.events.Record(ctx, &model.PaymentEvent{
			ExternalEventID:   ev.ExternalEventID,
			Source:            source,
			EventType:         ev.EventType,
			AccountID:         &accountID,
			CheckoutSessionID: &ev.CheckoutSessionID,
			Amount:            ev.Amount,
			Currency:          ev.Currency,
		})
		if err != nil {
			return model.Persistence("record payment event", err)
		}

		if rec.ProcessedAt != nil {
			out = Outcome{Status: model.PaymentConfirmed, Duplicate: true}
			if rec.AccountID != nil {
				e, err := r.ledger.Snapshot(ctx, *rec.AccountID)
				if err != nil {
					return err
				}
				out.Entitlement = &e
			}
			return nil
		}

		if rec.AccountID == nil {
			r.logger.Warn("payment event has no resolvable account",
				"event_id", ev.ExternalEventID, "checkout_session_id", ev.CheckoutSessionID)
			out = Outcome{Status: model.PaymentPending, Unresolved: true}
			return nil
		}

		e, upgraded, err := r.ledger.Upgrade(ctx, *rec.AccountID)
		if err != nil {
			return err
		}
		now := r.now()
		if _, err := r.events.MarkProcessed(ctx, rec.ExternalEventID, upgraded, now); err != nil {
			return model.Persistence("mark payment event processed", err)
		}
		if rec.CheckoutSessionID != nil {
			if err := r.checkouts.MarkConfirmed(ctx, *rec.CheckoutSessionID, now); err != nil {
				return model.Persistence("mark checkout confirmed", err)
			}
		}

		out = Outcome{Status: model.PaymentConfirmed, Upgraded: upgraded, Entitlement: &e}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	if out.Upgraded {
		r.logger.Info("payment confirmed",
			"event_id", ev.ExternalEventID, "source", source, "account_id", out.Entitlement.AccountID)
		for _, n := range r.notifiers {
			n.EntitlementUpgraded(*out.Entitlement)
		}
	}
	return out, nil
}

// RecordBrowserReturn notes that the browser came back from checkout and
// reports whether the account's payment is confirmed. It never upgrades: a
// browser can return from a cancelled or still-processing checkout.
func (r *Reconciler) RecordBrowserReturn(ctx context.Context, checkoutSessionID, accountID string) (model.PaymentStatus, error) {
	if checkoutSessionID == "" {
		return "", fmt.Errorf("%w: session id is required", model.ErrInvalidInput)
	}

	cs, err := r.checkouts.Get(ctx, checkoutSessionID)
	if err != nil {
		return "", model.Persistence("load checkout session", err)
	}
	if cs != nil && cs.AccountID != accountID {
		r.logger.Warn("checkout session returned by another account",
			"checkout_session_id", checkoutSessionID, "account_id", accountID)
		return "", model.ErrCheckoutMismatch
	}

	now := r.now()
	if cs != nil {
		if err := r.checkouts.MarkReturned(ctx, checkoutSessionID, now); err != nil {
			return "", model.Persistence("mark checkout returned", err)
		}
	}

	e, err := r.ledger.Snapshot(ctx, accountID)
	if err != nil {
		return "", err
	}
	if e.Plan != model.PlanPremium {
		return model.PaymentPending, nil
	}

	if cs != nil && cs.ConfirmedAt == nil {
		if err := r.checkouts.MarkConfirmed(ctx, checkoutSessionID, now); err != nil {
			return "", model.Persistence("mark checkout confirmed", err)
		}
	}
	return model.PaymentConfirmed, nil
}

// History returns the payment events attributed to the account.
func (r *Reconciler) History(ctx context.Context, accountID string) ([]model.PaymentEvent, error) {
	list, err := r.events.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, model.Persistence("list payment events", err)
	}
	if list == nil {
		list = []model.PaymentEvent{}
	}
	return list, nil
}
