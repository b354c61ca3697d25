package model

import (
	"errors"
	"fmt"
)

var (
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrTokenNotFound      = errors.New("verification token not found")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrCheckoutMismatch   = errors.New("checkout session belongs to another account")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrUnverifiedEvent    = errors.New("payment event signature not verified")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrMalformedEvent     = errors.New("malformed webhook event")
)

// QuotaError carries the counters observed when a creation was refused.
type QuotaError struct {
	Used  int
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %d of %d used", e.Used, e.Limit)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// PersistenceError wraps a storage failure. Every write in the core is
// conditional or idempotent, so the operation can be retried as-is.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a *PersistenceError, or returns nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsRetryable reports whether err is a storage failure worth retrying.
func IsRetryable(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
