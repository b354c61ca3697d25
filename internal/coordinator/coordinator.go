package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/model"
	"github.com/dukerupert/vouch/internal/payment"
	"github.com/dukerupert/vouch/internal/quota"
	"github.com/dukerupert/vouch/internal/store"
	"github.com/dukerupert/vouch/internal/testimonial"
)

// CheckoutLookup fetches the processor's view of a checkout session.
type CheckoutLookup interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (model.CheckoutSnapshot, error)
}

// Submission is the result of a successful testimonial submission.
type Submission struct {
	Testimonial     *model.Testimonial `json:"testimonial"`
	VerificationURL string             `json:"verification_url"`
	Entitlement     model.Entitlement  `json:"entitlement"`
}

// Coordinator is the entry point for the rest of the product. It orders the
// quota check before usage, and routes both payment signals through the
// reconciler.
type Coordinator struct {
	db           *sql.DB
	ledger       *quota.Ledger
	testimonials *testimonial.Lifecycle
	payments     *payment.Reconciler
	checkouts    *store.CheckoutStore
	lookup       CheckoutLookup
	lookups      singleflight.Group
	baseURL      string
	logger       *slog.Logger
}

func New(
	db *sql.DB,
	ledger *quota.Ledger,
	testimonials *testimonial.Lifecycle,
	payments *payment.Reconciler,
	checkouts *store.CheckoutStore,
	baseURL string,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		db:           db,
		ledger:       ledger,
		testimonials: testimonials,
		payments:     payments,
		checkouts:    checkouts,
		baseURL:      strings.TrimRight(baseURL, "/"),
		logger:       logger,
	}
}

// SetCheckoutLookup enables re-querying the processor on browser returns and
// sweeps. Without it, only webhooks confirm payments.
func (c *Coordinator) SetCheckoutLookup(l CheckoutLookup) {
	c.lookup = l
}

// VerificationURL builds the link a client uses to approve or reject.
func (c *Coordinator) VerificationURL(token string) string {
	return c.baseURL + "/verify/" + url.PathEscape(token)
}

// SubmitTestimonial checks quota, consumes one unit and stores the
// testimonial. Usage and insert share a transaction, so a failed insert does
// not consume quota.
func (c *Coordinator) SubmitTestimonial(ctx context.Context, accountID string, d testimonial.Draft) (Submission, error) {
	if accountID == "" {
		return Submission{}, fmt.Errorf("%w: account id is required", model.ErrInvalidInput)
	}
	if err := d.Validate(); err != nil {
		return Submission{}, err
	}

	e, err := c.ledger.Snapshot(ctx, accountID)
	if err != nil {
		return Submission{}, err
	}
	if !e.CanCreate() {
		return Submission{}, &model.QuotaError{Used: e.QuotaUsed, Limit: e.QuotaLimit}
	}

	var sub Submission
	err = database.WithTx(ctx, c.db, func(ctx context.Context) error {
		e, err := c.ledger.RecordUsage(ctx, accountID)
		if err != nil {
			return err
		}
		t, err := c.testimonials.Create(ctx, accountID, d)
		if err != nil {
			return err
		}
		sub = Submission{Testimonial: t, VerificationURL: c.VerificationURL(t.VerificationToken), Entitlement: e}
		return nil
	})
	if err != nil {
		var pe *model.PersistenceError
		if !errors.As(err, &pe) && !errors.Is(err, model.ErrQuotaExceeded) && !errors.Is(err, model.ErrInvariantViolation) {
			err = model.Persistence("submit testimonial", err)
		}
		return Submission{}, err
	}

	c.logger.Info("testimonial submitted",
		"id", sub.Testimonial.ID, "account_id", accountID, "quota_used", sub.Entitlement.QuotaUsed)
	return sub, nil
}

func (c *Coordinator) DecideTestimonial(ctx context.Context, token string, approve bool) (model.DecisionResult, error) {
	return c.testimonials.Decide(ctx, token, approve)
}

// GetTestimonial returns the testimonial if the account owns it. Other
// accounts get model.ErrNotFound.
func (c *Coordinator) GetTestimonial(ctx context.Context, accountID, id string) (*model.Testimonial, error) {
	t, err := c.testimonials.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.OwnerAccountID != accountID {
		return nil, model.ErrNotFound
	}
	return t, nil
}

func (c *Coordinator) ListTestimonials(ctx context.Context, accountID string) ([]model.Testimonial, error) {
	return c.testimonials.ListByOwner(ctx, accountID)
}

func (c *Coordinator) LookupTestimonial(ctx context.Context, token string) (*model.Testimonial, error) {
	return c.testimonials.Lookup(ctx, token)
}

func (c *Coordinator) GetEntitlement(ctx context.Context, accountID string) (model.Entitlement, error) {
	if accountID == "" {
		return model.Entitlement{}, fmt.Errorf("%w: account id is required", model.ErrInvalidInput)
	}
	return c.ledger.Snapshot(ctx, accountID)
}

func (c *Coordinator) PaymentHistory(ctx context.Context, accountID string) ([]model.PaymentEvent, error) {
	return c.payments.History(ctx, accountID)
}

func (c *Coordinator) ProcessPaymentWebhook(ctx context.Context, ev payment.WebhookEvent) (payment.Outcome, error) {
	return c.payments.RecordWebhookEvent(ctx, ev)
}

// RegisterCheckout remembers which account started a checkout session, so a
// notification carrying only the session id can be attributed.
func (c *Coordinator) RegisterCheckout(ctx context.Context, sessionID, accountID string) error {
	if sessionID == "" || accountID == "" {
		return fmt.Errorf("%w: session and account id are required", model.ErrInvalidInput)
	}
	if _, err := c.ledger.Snapshot(ctx, accountID); err != nil {
		return err
	}
	cs, err := c.checkouts.Register(ctx, sessionID, accountID)
	if err != nil {
		return model.Persistence("register checkout session", err)
	}
	if cs.AccountID != accountID {
		return model.ErrCheckoutMismatch
	}
	return nil
}

// ProcessBrowserReturn reports the payment status after the browser comes
// back from checkout. When no confirmation has landed yet and a lookup is
// configured, the processor is asked directly; the browser return alone never
// upgrades. Lookup failures are logged and reported as pending.
func (c *Coordinator) ProcessBrowserReturn(ctx context.Context, sessionID, accountID string) (model.PaymentStatus, error) {
	status, err := c.payments.RecordBrowserReturn(ctx, sessionID, accountID)
	if err != nil || status == model.PaymentConfirmed || c.lookup == nil {
		return status, err
	}

	snap, err := c.lookupSession(ctx, sessionID)
	if err != nil {
		c.logger.Warn("checkout lookup failed", "checkout_session_id", sessionID, "error", err)
		return model.PaymentPending, nil
	}

	if snap.AccountID == "" {
		cs, err := c.checkouts.Get(ctx, sessionID)
		if err != nil {
			return "", model.Persistence("load checkout session", err)
		}
		if cs == nil {
			return model.PaymentPending, nil
		}
		snap.AccountID = cs.AccountID
	}
	if snap.AccountID != accountID {
		c.logger.Warn("checkout session belongs to another account",
			"checkout_session_id", sessionID, "account_id", accountID)
		return "", model.ErrCheckoutMismatch
	}

	out, err := c.payments.RecordProcessorLookup(ctx, snap)
	if err != nil {
		return "", err
	}
	return out.Status, nil
}

// RefreshCheckout asks the processor about a registered session and absorbs
// a paid result. It is used by the periodic sweep for sessions whose webhook
// never arrived.
func (c *Coordinator) RefreshCheckout(ctx context.Context, sessionID string) (model.PaymentStatus, error) {
	if c.lookup == nil {
		return "", errors.New("checkout lookup not configured")
	}

	cs, err := c.checkouts.Get(ctx, sessionID)
	if err != nil {
		return "", model.Persistence("load checkout session", err)
	}
	if cs == nil {
		return "", model.ErrNotFound
	}
	if cs.ConfirmedAt != nil {
		return model.PaymentConfirmed, nil
	}

	snap, err := c.lookupSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("lookup checkout session: %w", err)
	}
	if snap.AccountID == "" {
		snap.AccountID = cs.AccountID
	}
	if snap.AccountID != cs.AccountID {
		c.logger.Warn("processor reports a different account for checkout session",
			"checkout_session_id", sessionID, "registered", cs.AccountID, "reported", snap.AccountID)
		return "", model.ErrCheckoutMismatch
	}

	out, err := c.payments.RecordProcessorLookup(ctx, snap)
	if err != nil {
		return "", err
	}
	return out.Status, nil
}

// UnconfirmedCheckouts lists sessions created after since that have no
// confirmation yet.
func (c *Coordinator) UnconfirmedCheckouts(ctx context.Context, since time.Time, limit int) ([]model.CheckoutSession, error) {
	list, err := c.checkouts.ListUnconfirmed(ctx, since, limit)
	if err != nil {
		return nil, model.Persistence("list unconfirmed checkouts", err)
	}
	return list, nil
}

// lookupSession collapses concurrent lookups of the same session, such as a
// refreshing browser racing the sweep, into one processor call.
func (c *Coordinator) lookupSession(ctx context.Context, sessionID string) (model.CheckoutSnapshot, error) {
	v, err, _ := c.lookups.Do(sessionID, func() (any, error) {
		return c.lookup.GetCheckoutSession(ctx, sessionID)
	})
	if err != nil {
		return model.CheckoutSnapshot{}, err
	}
	return v.(model.CheckoutSnapshot), nil
}
