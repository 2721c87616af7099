package identity

import (
	"context"
	"database/sql"
	"time"
)

// Identity is a user known to the control plane. Rows are created from
// the identity provider's claims on first sight.
type Identity struct {
	ID        int64     `json:"id"`
	Subject   string    `json:"-"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Has2FA    bool      `json:"has_2fa"`
	CreatedAt time.Time `json:"created_at"`
}

// Claims is the subset of ID token claims the control plane stores
type Claims struct {
	Subject    string   `json:"sub"`
	Email      string   `json:"email"`
	GivenName  string   `json:"given_name"`
	FamilyName string   `json:"family_name"`
	AMR        []string `json:"amr"`
}

// MultiFactor reports whether the token was issued after a second factor
func (c *Claims) MultiFactor() bool {
	for _, method := range c.AMR {
		switch method {
		case "mfa", "otp", "hwk", "swk":
			return true
		}
	}
	return false
}

// CreatedHook runs inside the transaction that inserted a new identity.
// The returned func, if not nil, runs once the transaction has committed.
type CreatedHook func(ctx context.Context, tx *sql.Tx, ident *Identity) (func(context.Context), error)

// Service manages identities
type Service interface {
	Upsert(ctx context.Context, claims *Claims) (*Identity, bool, error)
	Get(ctx context.Context, id int64) (*Identity, error)
	GetByEmail(ctx context.Context, email string) (*Identity, error)
}
