package auth

import (
	"context"
	"strings"
)

// Caller is the authenticated party behind a request.
type Caller struct {
	Principal Principal
	Token     string
	UserAgent string
}

type callerKey struct{}

// WithCaller stores c on ctx. A caller without a principal id is ignored.
func WithCaller(ctx context.Context, c Caller) context.Context {
	if strings.TrimSpace(c.Principal.ID) == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// PrincipalFrom is CallerFrom(ctx).Principal, zero when absent.
func PrincipalFrom(ctx context.Context) Principal {
	c, _ := CallerFrom(ctx)
	return c.Principal
}
