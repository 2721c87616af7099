// Package identity maps identity-provider users onto control-plane
// identities.
//
// ID tokens are verified with go-oidc; the verified claims are upserted
// into the identities table keyed by email. When a row is created the
// registered CreatedHooks run in the same transaction, which is how
// pending invitations are turned into authorizations.
package identity
