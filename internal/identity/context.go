package identity

import "context"

type ctxKey string

const userKey ctxKey = "identity_user"

// ContextWithUser stores the authenticated user in the context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext extracts the authenticated user from the context.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey).(*User)
	if !ok || u == nil {
		return nil, false
	}
	return u, true
}

// UserIDFromContext returns just the authenticated user id.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	u, ok := UserFromContext(ctx)
	if !ok {
		return 0, false
	}
	return u.ID, true
}
