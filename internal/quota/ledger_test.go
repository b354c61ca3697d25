package quota

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/model"
	"github.com/dukerupert/vouch/internal/store"
)

func setupLedger(t *testing.T, freeLimit int) *Ledger {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLedger(store.NewEntitlementStore(db), freeLimit, slog.Default())
}

func TestNewLedgerDefaultLimit(t *testing.T) {
	l := setupLedger(t, 0)
	if l.FreeLimit() != DefaultFreeLimit {
		t.Errorf("free limit = %d, want %d", l.FreeLimit(), DefaultFreeLimit)
	}
}

func TestSnapshotCreatesFreeAccount(t *testing.T) {
	l := setupLedger(t, 5)

	e, err := l.Snapshot(context.Background(), "acct_1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if e.Plan != model.PlanFree {
		t.Errorf("plan = %q, want %q", e.Plan, model.PlanFree)
	}
	if e.QuotaLimit != 5 {
		t.Errorf("quota_limit = %d, want 5", e.QuotaLimit)
	}
}

func TestRecordUsageBoundary(t *testing.T) {
	l := setupLedger(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.RecordUsage(ctx, "acct_1"); err != nil {
			t.Fatalf("record usage %d: %v", i, err)
		}
	}

	ok, err := l.CanCreate(ctx, "acct_1")
	if err != nil {
		t.Fatalf("can create: %v", err)
	}
	if !ok {
		t.Fatal("expected can create at limit-1")
	}

	e, err := l.RecordUsage(ctx, "acct_1")
	if err != nil {
		t.Fatalf("record last usage: %v", err)
	}
	if e.QuotaUsed != 3 {
		t.Errorf("quota_used = %d, want 3", e.QuotaUsed)
	}

	ok, _ = l.CanCreate(ctx, "acct_1")
	if ok {
		t.Error("expected can create false at limit")
	}

	_, err = l.RecordUsage(ctx, "acct_1")
	if !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want %v", err, model.ErrQuotaExceeded)
	}
	var qe *model.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected *model.QuotaError, got %T", err)
	}
	if qe.Used != 3 || qe.Limit != 3 {
		t.Errorf("quota error = %d/%d, want 3/3", qe.Used, qe.Limit)
	}
}

func TestRecordUsageRace(t *testing.T) {
	l := setupLedger(t, 5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := l.RecordUsage(ctx, "acct_1"); err != nil {
			t.Fatalf("record usage %d: %v", i, err)
		}
	}

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, exceeded int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordUsage(ctx, "acct_1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrQuotaExceeded):
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", succeeded)
	}
	if exceeded != n-1 {
		t.Errorf("exceeded = %d, want %d", exceeded, n-1)
	}

	e, _ := l.Snapshot(ctx, "acct_1")
	if e.QuotaUsed != 5 {
		t.Errorf("quota_used = %d, want 5", e.QuotaUsed)
	}
}

func TestUpgradeIdempotent(t *testing.T) {
	l := setupLedger(t, 5)
	ctx := context.Background()
	calls := 0
	l.now = func() time.Time {
		calls++
		return time.Date(2026, 1, 1, 0, 0, calls, 0, time.UTC)
	}

	first, upgraded, err := l.Upgrade(ctx, "acct_1")
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if !upgraded {
		t.Fatal("expected first upgrade to report upgraded")
	}
	if first.Plan != model.PlanPremium {
		t.Errorf("plan = %q, want %q", first.Plan, model.PlanPremium)
	}
	if first.QuotaLimit != model.UnlimitedQuota {
		t.Errorf("quota_limit = %d, want %d", first.QuotaLimit, model.UnlimitedQuota)
	}

	for i := 0; i < 2; i++ {
		again, upgraded, err := l.Upgrade(ctx, "acct_1")
		if err != nil {
			t.Fatalf("upgrade again: %v", err)
		}
		if upgraded {
			t.Error("expected repeat upgrade to be a no-op")
		}
		if !again.UpgradedAt.Equal(*first.UpgradedAt) {
			t.Errorf("upgraded_at = %v, want %v", again.UpgradedAt, first.UpgradedAt)
		}
	}
}

func TestUpgradeConcurrent(t *testing.T) {
	l := setupLedger(t, 5)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	flips := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, upgraded, err := l.Upgrade(ctx, "acct_1")
			if err != nil {
				t.Errorf("upgrade: %v", err)
				return
			}
			if upgraded {
				mu.Lock()
				flips++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if flips != 1 {
		t.Errorf("flips = %d, want 1", flips)
	}
}

func TestPremiumRecordUsageUnbounded(t *testing.T) {
	l := setupLedger(t, 1)
	ctx := context.Background()

	l.RecordUsage(ctx, "acct_1")
	if _, _, err := l.Upgrade(ctx, "acct_1"); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := l.RecordUsage(ctx, "acct_1"); err != nil {
			t.Fatalf("record usage %d: %v", i, err)
		}
	}
	e, _ := l.Snapshot(ctx, "acct_1")
	if e.QuotaUsed != 6 {
		t.Errorf("quota_used = %d, want 6", e.QuotaUsed)
	}
	if e.Remaining() != -1 {
		t.Errorf("remaining = %d, want -1", e.Remaining())
	}
}
