package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/model"
)

type CheckoutStore struct {
	db *sql.DB
}

func NewCheckoutStore(db *sql.DB) *CheckoutStore {
	return &CheckoutStore{db: db}
}

func scanCheckout(scanner interface{ Scan(...any) error }) (*model.CheckoutSession, error) {
	var cs model.CheckoutSession
	var returnedAt, confirmedAt sql.NullTime
	err := scanner.Scan(&cs.ID, &cs.AccountID, &cs.CreatedAt, &returnedAt, &confirmedAt)
	if err != nil {
		return nil, err
	}
	if returnedAt.Valid {
		cs.ReturnedAt = &returnedAt.Time
	}
	if confirmedAt.Valid {
		cs.ConfirmedAt = &confirmedAt.Time
	}
	return &cs, nil
}

const checkoutCols = `id, account_id, created_at, returned_at, confirmed_at`

// Register records the account that started a checkout session. Registering
// the same session again is a no-op; the first account wins.
func (s *CheckoutStore) Register(ctx context.Context, sessionID, accountID string) (*model.CheckoutSession, error) {
	_, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`INSERT INTO checkout_sessions (id, account_id) VALUES (?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		sessionID, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("register checkout session: %w", err)
	}
	cs, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, fmt.Errorf("checkout session %q missing after insert", sessionID)
	}
	return cs, nil
}

func (s *CheckoutStore) Get(ctx context.Context, sessionID string) (*model.CheckoutSession, error) {
	row := database.Executor(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+checkoutCols+` FROM checkout_sessions WHERE id = ?`, sessionID)
	cs, err := scanCheckout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	return cs, nil
}

// MarkReturned sets returned_at the first time the browser comes back.
func (s *CheckoutStore) MarkReturned(ctx context.Context, sessionID string, at time.Time) error {
	_, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`UPDATE checkout_sessions SET returned_at = ? WHERE id = ? AND returned_at IS NULL`,
		at.UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark checkout returned: %w", err)
	}
	return nil
}

// MarkConfirmed sets confirmed_at the first time the payment is confirmed.
func (s *CheckoutStore) MarkConfirmed(ctx context.Context, sessionID string, at time.Time) error {
	_, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`UPDATE checkout_sessions SET confirmed_at = ? WHERE id = ? AND confirmed_at IS NULL`,
		at.UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark checkout confirmed: %w", err)
	}
	return nil
}

// ListUnconfirmed returns sessions created after since that have not been
// confirmed, oldest first.
func (s *CheckoutStore) ListUnconfirmed(ctx context.Context, since time.Time, limit int) ([]model.CheckoutSession, error) {
	rows, err := database.Executor(ctx, s.db).QueryContext(ctx,
		`SELECT `+checkoutCols+` FROM checkout_sessions
		 WHERE confirmed_at IS NULL AND created_at >= ?
		 ORDER BY created_at, id LIMIT ?`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed checkout sessions: %w", err)
	}
	defer rows.Close()

	var list []model.CheckoutSession
	for rows.Next() {
		cs, err := scanCheckout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkout session: %w", err)
		}
		list = append(list, *cs)
	}
	return list, rows.Err()
}
