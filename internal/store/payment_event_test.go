package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/model"
)

func setupPaymentTestDB(t *testing.T) (*PaymentEventStore, *CheckoutStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPaymentEventStore(db), NewCheckoutStore(db)
}

func strPtr(s string) *string { return &s }

func TestPaymentEventRecord(t *testing.T) {
	s, _ := setupPaymentTestDB(t)

	ev, err := s.Record(context.Background(), &model.PaymentEvent{
		ExternalEventID:   "evt_1",
		Source:            model.SourceWebhook,
		EventType:         "checkout.session.completed",
		AccountID:         strPtr("acct_1"),
		CheckoutSessionID: strPtr("cs_1"),
		Amount:            1900,
		Currency:          "usd",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if ev.AccountID == nil || *ev.AccountID != "acct_1" {
		t.Errorf("account_id = %v, want %q", ev.AccountID, "acct_1")
	}
	if ev.Amount != 1900 {
		t.Errorf("amount = %d, want 1900", ev.Amount)
	}
	if ev.ProcessedAt != nil {
		t.Error("expected nil processed_at")
	}
}

func TestPaymentEventRecordFillsMissingAccount(t *testing.T) {
	s, _ := setupPaymentTestDB(t)
	ctx := context.Background()

	s.Record(ctx, &model.PaymentEvent{ExternalEventID: "evt_1", Source: model.SourceWebhook})
	ev, err := s.Record(ctx, &model.PaymentEvent{
		ExternalEventID: "evt_1",
		Source:          model.SourceWebhook,
		AccountID:       strPtr("acct_1"),
	})
	if err != nil {
		t.Fatalf("record again: %v", err)
	}
	if ev.AccountID == nil || *ev.AccountID != "acct_1" {
		t.Errorf("account_id = %v, want %q", ev.AccountID, "acct_1")
	}

	// A later delivery never overwrites an account already on record.
	ev, _ = s.Record(ctx, &model.PaymentEvent{
		ExternalEventID: "evt_1",
		Source:          model.SourceWebhook,
		AccountID:       strPtr("acct_2"),
	})
	if *ev.AccountID != "acct_1" {
		t.Errorf("account_id = %q, want %q", *ev.AccountID, "acct_1")
	}
}

func TestPaymentEventMarkProcessedOnce(t *testing.T) {
	s, _ := setupPaymentTestDB(t)
	ctx := context.Background()
	s.Record(ctx, &model.PaymentEvent{ExternalEventID: "evt_1", Source: model.SourceWebhook, AccountID: strPtr("acct_1")})

	ok, err := s.MarkProcessed(ctx, "evt_1", true, time.Now())
	if err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if !ok {
		t.Fatal("expected first mark to apply")
	}
	ok, _ = s.MarkProcessed(ctx, "evt_1", false, time.Now())
	if ok {
		t.Error("expected second mark to be a no-op")
	}

	ev, _ := s.Get(ctx, "evt_1")
	if ev.ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}
	if !ev.UpgradedAccount {
		t.Error("expected upgraded_account to keep the first value")
	}
}

func TestPaymentEventListByAccount(t *testing.T) {
	s, _ := setupPaymentTestDB(t)
	ctx := context.Background()
	s.Record(ctx, &model.PaymentEvent{ExternalEventID: "evt_1", Source: model.SourceWebhook, AccountID: strPtr("acct_1")})
	s.Record(ctx, &model.PaymentEvent{ExternalEventID: "evt_2", Source: model.SourceCheckoutLookup, AccountID: strPtr("acct_1")})
	s.Record(ctx, &model.PaymentEvent{ExternalEventID: "evt_3", Source: model.SourceWebhook, AccountID: strPtr("acct_2")})

	list, err := s.ListByAccount(ctx, "acct_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("len = %d, want 2", len(list))
	}
}

func TestCheckoutRegisterFirstAccountWins(t *testing.T) {
	_, cs := setupPaymentTestDB(t)
	ctx := context.Background()

	if _, err := cs.Register(ctx, "cs_1", "acct_1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := cs.Register(ctx, "cs_1", "acct_2")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if got.AccountID != "acct_1" {
		t.Errorf("account_id = %q, want %q", got.AccountID, "acct_1")
	}
}

func TestCheckoutMarkReturnedAndConfirmed(t *testing.T) {
	_, cs := setupPaymentTestDB(t)
	ctx := context.Background()
	cs.Register(ctx, "cs_1", "acct_1")

	first := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	if err := cs.MarkReturned(ctx, "cs_1", first); err != nil {
		t.Fatalf("mark returned: %v", err)
	}
	cs.MarkReturned(ctx, "cs_1", first.Add(time.Minute))
	if err := cs.MarkConfirmed(ctx, "cs_1", first); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}

	got, _ := cs.Get(ctx, "cs_1")
	if got.ReturnedAt == nil || !got.ReturnedAt.Equal(first) {
		t.Errorf("returned_at = %v, want %v", got.ReturnedAt, first)
	}
	if got.ConfirmedAt == nil {
		t.Error("expected confirmed_at to be set")
	}
}

func TestCheckoutListUnconfirmed(t *testing.T) {
	_, cs := setupPaymentTestDB(t)
	ctx := context.Background()
	cs.Register(ctx, "cs_1", "acct_1")
	cs.Register(ctx, "cs_2", "acct_2")
	cs.MarkConfirmed(ctx, "cs_2", time.Now())

	list, err := cs.ListUnconfirmed(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list unconfirmed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	if list[0].ID != "cs_1" {
		t.Errorf("id = %q, want %q", list[0].ID, "cs_1")
	}
}
