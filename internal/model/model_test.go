package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestEntitlementCanCreate(t *testing.T) {
	tests := []struct {
		name      string
		e         Entitlement
		can       bool
		remaining int
	}{
		{"fresh", Entitlement{Plan: PlanFree, QuotaLimit: 5}, true, 5},
		{"one left", Entitlement{Plan: PlanFree, QuotaUsed: 4, QuotaLimit: 5}, true, 1},
		{"at limit", Entitlement{Plan: PlanFree, QuotaUsed: 5, QuotaLimit: 5}, false, 0},
		{"premium", Entitlement{Plan: PlanPremium, QuotaUsed: 900, QuotaLimit: UnlimitedQuota}, true, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.CanCreate(); got != tt.can {
				t.Errorf("CanCreate() = %v, want %v", got, tt.can)
			}
			if got := tt.e.Remaining(); got != tt.remaining {
				t.Errorf("Remaining() = %d, want %d", got, tt.remaining)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Error("pending should not be terminal")
	}
	if !StatusVerified.Terminal() || !StatusRejected.Terminal() {
		t.Error("verified and rejected should be terminal")
	}
}

func TestQuotaErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("submit: %w", &QuotaError{Used: 5, Limit: 5})

	if !errors.Is(err, ErrQuotaExceeded) {
		t.Error("expected errors.Is(err, ErrQuotaExceeded)")
	}
	var qe *QuotaError
	if !errors.As(err, &qe) || qe.Used != 5 {
		t.Errorf("errors.As = %+v", qe)
	}
}

func TestPersistenceRetryable(t *testing.T) {
	cause := errors.New("database is locked")

	if Persistence("op", nil) != nil {
		t.Error("Persistence(nil) should be nil")
	}

	err := fmt.Errorf("outer: %w", Persistence("record usage", cause))
	if !IsRetryable(err) {
		t.Error("expected persistence error to be retryable")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to unwrap")
	}
	if IsRetryable(ErrQuotaExceeded) || IsRetryable(ErrInvariantViolation) {
		t.Error("domain errors should not be retryable")
	}
}
