package mardao

import "context"

// Anonymous is recorded in audit fields when the context carries no principal.
const Anonymous = "[ANONYMOUS]"

type principalKey struct{}

// WithPrincipal returns a context whose writes are attributed to principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// Principal returns the principal set by WithPrincipal, or Anonymous.
func Principal(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok && p != "" {
		return p
	}
	return Anonymous
}
