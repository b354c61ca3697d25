package auth

import (
	"context"
	"time"
)

type contextKey struct{}

// AuthContext is the identity resolved once per request. The rest of the
// service only ever sees the opaque AccountID.
type AuthContext struct {
	AccountID string
	TokenID   string
	ExpiresAt time.Time
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

// AccountID returns the authenticated account, or "" when there is none.
func AccountID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.AccountID
}
