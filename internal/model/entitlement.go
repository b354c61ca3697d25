package model

import (
	"math"
	"time"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// UnlimitedQuota is the quota limit carried by premium accounts.
const UnlimitedQuota = math.MaxInt32

type Entitlement struct {
	AccountID  string     `json:"account_id"`
	Plan       Plan       `json:"plan"`
	QuotaUsed  int        `json:"quota_used"`
	QuotaLimit int        `json:"quota_limit"`
	UpgradedAt *time.Time `json:"upgraded_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CanCreate reports whether the account may create one more testimonial.
func (e Entitlement) CanCreate() bool {
	return e.Plan == PlanPremium || e.QuotaUsed < e.QuotaLimit
}

// Remaining returns the number of testimonials left before the limit, or -1
// for premium accounts.
func (e Entitlement) Remaining() int {
	if e.Plan == PlanPremium {
		return -1
	}
	if e.QuotaUsed >= e.QuotaLimit {
		return 0
	}
	return e.QuotaLimit - e.QuotaUsed
}
