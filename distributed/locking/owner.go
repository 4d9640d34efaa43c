package locking

import (
	"context"
)

type ownerKey struct{}

// Attach a lock owner to a context.
//
// Holds on a lock are tracked per owner: only the owner holding a lock may
// acquire it again or release it.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// Get the lock owner from a context.
func ownerFromContext(ctx context.Context, def string) string {
	if owner, ok := ctx.Value(ownerKey{}).(string); ok && owner != "" {
		return owner
	}
	return def
}
