package model

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusRejected
}

// ClientInfo describes the person who gave the feedback. The values are
// stored and returned as given.
type ClientInfo struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company"`
	Title   string `json:"title"`
}

type Testimonial struct {
	ID                string     `json:"id"`
	OwnerAccountID    string     `json:"owner_account_id"`
	Client            ClientInfo `json:"client"`
	OriginalText      string     `json:"original_text"`
	EnhancedText      string     `json:"enhanced_text"`
	VerificationToken string     `json:"-"`
	Status            Status     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	DecidedAt         *time.Time `json:"decided_at,omitempty"`
}

// DecisionResult is returned by a verification decision. Changed is false when
// the testimonial had already been decided and nothing was written.
type DecisionResult struct {
	Testimonial *Testimonial `json:"testimonial"`
	Status      Status       `json:"status"`
	Changed     bool         `json:"changed"`
}
