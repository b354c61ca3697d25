package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/model"
)

type PaymentEventStore struct {
	db *sql.DB
}

func NewPaymentEventStore(db *sql.DB) *PaymentEventStore {
	return &PaymentEventStore{db: db}
}

func scanPaymentEvent(scanner interface{ Scan(...any) error }) (*model.PaymentEvent, error) {
	var ev model.PaymentEvent
	var accountID, sessionID sql.NullString
	var processedAt sql.NullTime
	var upgraded int
	err := scanner.Scan(
		&ev.ExternalEventID, &ev.Source, &ev.EventType, &accountID, &sessionID,
		&ev.Amount, &ev.Currency, &upgraded, &processedAt, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if accountID.Valid {
		ev.AccountID = &accountID.String
	}
	if sessionID.Valid {
		ev.CheckoutSessionID = &sessionID.String
	}
	if processedAt.Valid {
		ev.ProcessedAt = &processedAt.Time
	}
	ev.UpgradedAccount = upgraded != 0
	return &ev, nil
}

const paymentEventCols = `external_event_id, source, event_type, account_id, checkout_session_id,
	amount, currency, upgraded_account, processed_at, created_at`

// Record inserts the event if its external id is new. A redelivery keeps the
// first row but fills in an account or session id the first delivery lacked.
func (s *PaymentEventStore) Record(ctx context.Context, ev *model.PaymentEvent) (*model.PaymentEvent, error) {
	_, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`INSERT INTO payment_events (external_event_id, source, event_type, account_id,
			checkout_session_id, amount, currency)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_event_id) DO UPDATE SET
			account_id = COALESCE(payment_events.account_id, excluded.account_id),
			checkout_session_id = COALESCE(payment_events.checkout_session_id, excluded.checkout_session_id)`,
		ev.ExternalEventID, ev.Source, ev.EventType, nullString(ev.AccountID),
		nullString(ev.CheckoutSessionID), ev.Amount, ev.Currency,
	)
	if err != nil {
		return nil, fmt.Errorf("record payment event: %w", err)
	}
	recorded, err := s.Get(ctx, ev.ExternalEventID)
	if err != nil {
		return nil, err
	}
	if recorded == nil {
		return nil, fmt.Errorf("payment event %q missing after insert", ev.ExternalEventID)
	}
	return recorded, nil
}

func (s *PaymentEventStore) Get(ctx context.Context, externalEventID string) (*model.PaymentEvent, error) {
	row := database.Executor(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+paymentEventCols+` FROM payment_events WHERE external_event_id = ?`, externalEventID)
	ev, err := scanPaymentEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment event: %w", err)
	}
	return ev, nil
}

func (s *PaymentEventStore) ListByAccount(ctx context.Context, accountID string) ([]model.PaymentEvent, error) {
	rows, err := database.Executor(ctx, s.db).QueryContext(ctx,
		`SELECT `+paymentEventCols+` FROM payment_events WHERE account_id = ? ORDER BY created_at, external_event_id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment events: %w", err)
	}
	defer rows.Close()

	var list []model.PaymentEvent
	for rows.Next() {
		ev, err := scanPaymentEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment event: %w", err)
		}
		list = append(list, *ev)
	}
	return list, rows.Err()
}

// MarkProcessed sets processed_at once. It reports whether this call set it.
func (s *PaymentEventStore) MarkProcessed(ctx context.Context, externalEventID string, upgraded bool, at time.Time) (bool, error) {
	var u int
	if upgraded {
		u = 1
	}
	result, err := database.Executor(ctx, s.db).ExecContext(ctx,
		`UPDATE payment_events SET processed_at = ?, upgraded_account = ?
		 WHERE external_event_id = ? AND processed_at IS NULL`,
		at.UTC(), u, externalEventID,
	)
	if err != nil {
		return false, fmt.Errorf("mark payment event processed: %w", err)
	}
	return affectedOne(result)
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
