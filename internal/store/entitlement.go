package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/model"
)

type EntitlementStore struct {
	db *sql.DB
}

func NewEntitlementStore(db *sql.DB) *EntitlementStore {
	return &EntitlementStore{db: db}
}

func scanEntitlement(scanner interface{ Scan(...any) error }) (*model.Entitlement, error) {
	var e model.Entitlement
	var upgradedAt sql.NullTime
	err := scanner.Scan(
		&e.AccountID, &e.Plan, &e.QuotaUsed, &e.QuotaLimit,
		&upgradedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if upgradedAt.Valid {
		e.UpgradedAt = &upgradedAt.Time
	}
	return &e, nil
}

const entitlementCols = `account_id, plan, quota_used, quota_limit, upgraded_at, created_at, updated_at`

// Ensure creates a free entitlement with the given limit if the account has
// none yet, and returns the current row either way.
func (s *EntitlementStore) Ensure(ctx context.Context, accountID string, freeLimit int) (*model.Entitlement, error) {
	_, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`INSERT INTO entitlements (account_id, plan, quota_limit) VALUES (?, ?, ?)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID, model.PlanFree, freeLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("insert entitlement: %w", err)
	}
	e, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("entitlement %q missing after insert", accountID)
	}
	return e, nil
}

func (s *EntitlementStore) Get(ctx context.Context, accountID string) (*model.Entitlement, error) {
	row := database.Executor(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+entitlementCols+` FROM entitlements WHERE account_id = ?`, accountID)
	e, err := scanEntitlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	return e, nil
}

// IncrementUsage adds one to quota_used if the account is premium or still
// below its limit. It reports whether the row was updated.
func (s *EntitlementStore) IncrementUsage(ctx context.Context, accountID string) (bool, error) {
	result, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`UPDATE entitlements
		 SET quota_used = quota_used + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ? AND (plan = ? OR quota_used < quota_limit)`,
		accountID, model.PlanPremium,
	)
	if err != nil {
		return false, fmt.Errorf("increment usage: %w", err)
	}
	return affectedOne(result)
}

// Upgrade moves a non-premium account to premium with the given limit and
// upgrade time. It reports whether this call performed the transition.
func (s *EntitlementStore) Upgrade(ctx context.Context, accountID string, limit int, at time.Time) (bool, error) {
	result, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`UPDATE entitlements
		 SET plan = ?, quota_limit = ?, upgraded_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE account_id = ? AND plan <> ?`,
		model.PlanPremium, limit, at.UTC(), accountID, model.PlanPremium,
	)
	if err != nil {
		return false, fmt.Errorf("upgrade entitlement: %w", err)
	}
	return affectedOne(result)
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
