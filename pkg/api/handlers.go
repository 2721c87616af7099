package api

import (
	"net/http"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/httputil"
	"github.com/platinummonkey/orgplane/pkg/identity"
)

// orgCheck selects the capability an endpoint needs
type orgCheck func(*authz.OrganizationAuthorization) bool

var (
	canRead    orgCheck = (*authz.OrganizationAuthorization).CanRead
	canWrite   orgCheck = (*authz.OrganizationAuthorization).CanWrite
	canBilling orgCheck = (*authz.OrganizationAuthorization).CanContributeBilling
)

// billingReader may see plans and invoices
func billingReader(a *authz.OrganizationAuthorization) bool {
	return a.CanRead() || a.IsFinancial()
}

// requireIdentity writes a 401 for anonymous requests
func requireIdentity(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	ident := identity.FromContext(r.Context())
	if ident == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, false
	}
	return ident, true
}

// authorizeOrg resolves the caller's organization authorization and checks
// it. Failures are written to w.
func authorizeOrg(w http.ResponseWriter, r *http.Request, svc authz.Service, orgID int64, allowed orgCheck) (*identity.Identity, bool) {
	ident, ok := requireIdentity(w, r)
	if !ok {
		return nil, false
	}
	auth, err := svc.GetOrCreateOrgAuthorization(r.Context(), ident, orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return nil, false
	}
	if !allowed(auth) {
		httputil.WriteDomainError(w, apperrors.PermissionDenied("insufficient role in organization %d", orgID))
		return nil, false
	}
	return ident, true
}

// loadTarget resolves the identity named by a path parameter
func loadTarget(w http.ResponseWriter, r *http.Request, svc identity.Service, key string) (*identity.Identity, bool) {
	id, ok := httputil.PathIDOrError(w, r, key)
	if !ok {
		return nil, false
	}
	target, err := svc.Get(r.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return nil, false
	}
	return target, true
}
