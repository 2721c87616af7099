// Package contextkeys provides centralized context key definitions
//
// All context keys shared across packages are defined here so that a key
// set by middleware in one package can be read by handlers in another.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/orgplane/pkg/contextkeys"
//	ctx = contextkeys.WithIdentity(ctx, ident)
//	ident, _ := ctx.Value(contextkeys.IdentityKey).(*identity.Identity)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *identity.Identity
	// Set by: identity.BearerMiddleware (pkg/identity/middleware.go)
	// Required by: every authenticated API endpoint
	// Type: *identity.Identity
	IdentityKey Key = "identity"
)

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, ident interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, ident)
}
