// ABOUTME: Request identity carried through handlers on the context
// ABOUTME: Provides WithUser/UserFromContext for the authenticated caller id

package auth

import (
	"context"
)

type userContextKey struct{}

// WithUser returns a context carrying the authenticated user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserFromContext returns the authenticated user id, or "" when absent.
func UserFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userContextKey{}).(string)
	return id
}

// MustUserFromContext is UserFromContext for handlers mounted behind the
// middleware; it panics if no user is present.
func MustUserFromContext(ctx context.Context) string {
	id := UserFromContext(ctx)
	if id == "" {
		panic("auth: user not found in context")
	}
	return id
}
