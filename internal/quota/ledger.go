package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/vouch/internal/model"
	"github.com/dukerupert/vouch/internal/store"
)

// DefaultFreeLimit is used when NewLedger is given a non-positive limit.
const DefaultFreeLimit = 5

// Ledger tracks each account's plan and testimonial usage. Accounts are
// created on the free plan the first time the ledger sees them.
type Ledger struct {
	entitlements *store.EntitlementStore
	freeLimit    int
	now          func() time.Time
	logger       *slog.Logger
}

func NewLedger(entitlements *store.EntitlementStore, freeLimit int, logger *slog.Logger) *Ledger {
	if freeLimit <= 0 {
		freeLimit = DefaultFreeLimit
	}
	return &Ledger{
		entitlements: entitlements,
		freeLimit:    freeLimit,
		now:          time.Now,
		logger:       logger,
	}
}

// FreeLimit returns the quota given to new free accounts.
func (l *Ledger) FreeLimit() int {
	return l.freeLimit
}

// Snapshot returns the account's current entitlement.
func (l *Ledger) Snapshot(ctx context.Context, accountID string) (model.Entitlement, error) {
	e, err := l.entitlements.Ensure(ctx, accountID, l.freeLimit)
	if err != nil {
		return model.Entitlement{}, model.Persistence("load entitlement", err)
	}
	return *e, nil
}

// CanCreate reports whether the account may create one more testimonial.
func (l *Ledger) CanCreate(ctx context.Context, accountID string) (bool, error) {
	e, err := l.Snapshot(ctx, accountID)
	if err != nil {
		return false, err
	}
	return e.CanCreate(), nil
}

// RecordUsage consumes one unit of quota. The check and the increment are a
// single conditional update, so concurrent callers at the last free slot
// cannot both succeed. A refused call returns a *model.QuotaError.
func (l *Ledger) RecordUsage(ctx context.Context, accountID string) (model.Entitlement, error) {
	if _, err := l.entitlements.Ensure(ctx, accountID, l.freeLimit); err != nil {
		return model.Entitlement{}, model.Persistence("load entitlement", err)
	}

	ok, err := l.entitlements.IncrementUsage(ctx, accountID)
	if err != nil {
		return model.Entitlement{}, model.Persistence("record usage", err)
	}

	e, err := l.entitlements.Get(ctx, accountID)
	if err != nil {
		return model.Entitlement{}, model.Persistence("load entitlement", err)
	}
	if e == nil {
		return model.Entitlement{}, model.Persistence("load entitlement", fmt.Errorf("entitlement %q vanished", accountID))
	}
	if !ok {
		return *e, &model.QuotaError{Used: e.QuotaUsed, Limit: e.QuotaLimit}
	}
	return *e, nil
}

// Upgrade moves the account to the premium plan. Only the first call changes
// anything; later calls return the existing snapshot with upgraded false, so
// UpgradedAt is never reset.
func (l *Ledger) Upgrade(ctx context.Context, accountID string) (model.Entitlement, bool, error) {
	if _, err := l.entitlements.Ensure(ctx, accountID, l.freeLimit); err != nil {
		return model.Entitlement{}, false, model.Persistence("load entitlement", err)
	}

	upgraded, err := l.entitlements.Upgrade(ctx, accountID, model.UnlimitedQuota, l.now())
	if err != nil {
		return model.Entitlement{}, false, model.Persistence("upgrade entitlement", err)
	}

	e, err := l.entitlements.Get(ctx, accountID)
	if err != nil {
		return model.Entitlement{}, false, model.Persistence("load entitlement", err)
	}
	if e == nil {
		return model.Entitlement{}, false, model.Persistence("load entitlement", fmt.Errorf("entitlement %q vanished", accountID))
	}

	if upgraded {
		l.logger.Info("account upgraded", "account_id", accountID, "upgraded_at", e.UpgradedAt)
	}
	return *e, upgraded, nil
}
