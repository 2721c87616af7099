package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/orgplane/pkg/contextkeys"
	"github.com/platinummonkey/orgplane/pkg/httputil"
	"github.com/platinummonkey/orgplane/pkg/observability"
)

// BearerMiddleware authenticates "Authorization: Bearer <id token>"
// requests. Requests without the header continue anonymously; a present
// but invalid token is rejected with 401.
func BearerMiddleware(verifier TokenVerifier, svc Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				httputil.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := verifier.Verify(r.Context(), parts[1])
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Debug("Rejected bearer token")
				httputil.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			ident, _, err := svc.Upsert(r.Context(), claims)
			if err != nil {
				httputil.WriteDomainError(w, err)
				return
			}

			ctx := contextkeys.WithIdentity(r.Context(), ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the authenticated identity, or nil for anonymous
// requests.
func FromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(contextkeys.IdentityKey).(*Identity)
	return ident
}
