// Package tenant resolves webhook credentials and carries the per-request
// tenant context through the processing call chain.
package tenant

import "context"

// Context identifies the tenant whose credentials authenticate all outgoing
// platform API and git operations for one event. Never mutated after the
// background task starts.
type Context struct {
	TenantID            string
	OpaqueToken         string
	PlatformBaseURL     string
	PlatformAccessToken string
	ConfigID            string
	DisplayName         string
}

type ctxKey struct{}

// NewContext returns a context carrying the tenant context.
func NewContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext extracts the tenant context, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	return tc, ok
}
