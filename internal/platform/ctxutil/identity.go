package ctxutil

import "context"

type identityKey struct{}

// Identity is the authenticated caller attached by the auth middleware.
type Identity struct {
	User  string
	Admin bool
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return id
	}
	return nil
}

// CanActFor reports whether the caller may operate on user's session.
func (id *Identity) CanActFor(user string) bool {
	if id == nil {
		return false
	}
	return id.Admin || id.User == user
}
