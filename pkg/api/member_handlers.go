package api

import (
	"net/http"

	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/httputil"
)

// GetOrgAuthorization returns the caller's role and capabilities in the
// organization, creating a NOT_SET authorization on first access
func (h *OrgHandlers) GetOrgAuthorization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	ident, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	auth, err := h.authz.GetOrCreateOrgAuthorization(r.Context(), ident, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, OrgAuthorizationResponse{OrganizationAuthorization: auth, Capabilities: auth.Capabilities()})
}

// GetProjectAuthorization returns the caller's role and capabilities in
// the project
func (h *OrgHandlers) GetProjectAuthorization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "project_id")
	if !ok {
		return
	}
	ident, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	auth, err := h.authz.GetOrCreateProjectAuthorization(r.Context(), ident, id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, ProjectAuthorizationResponse{ProjectAuthorization: auth, Capabilities: auth.Capabilities()})
}

// ListMembers lists the organization's members with a role
func (h *OrgHandlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, id, canRead); !ok {
		return
	}

	members, err := h.authz.ListOrgAuthorizations(r.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if members == nil {
		members = []*authz.Member{}
	}
	httputil.WriteSuccess(w, members)
}

// SetOrgRole sets a member's organization role
func (h *OrgHandlers) SetOrgRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	target, ok := loadTarget(w, r, h.identities, "identity_id")
	if !ok {
		return
	}

	var req SetOrgRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	auth, err := h.authz.SetOrgRole(r.Context(), actor, target, id, req.Role)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, auth)
}

// RevokeOrgMember removes a member from the organization and from every
// project in it
func (h *OrgHandlers) RevokeOrgMember(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	target, ok := loadTarget(w, r, h.identities, "identity_id")
	if !ok {
		return
	}

	if err := h.authz.RevokeOrgAuthorization(r.Context(), actor, target, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetProjectRole sets a member's project role
func (h *OrgHandlers) SetProjectRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "project_id")
	if !ok {
		return
	}
	actor, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	target, ok := loadTarget(w, r, h.identities, "identity_id")
	if !ok {
		return
	}

	var req SetProjectRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	auth, err := h.authz.SetProjectRole(r.Context(), actor, target, id, req.Role)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, auth)
}

// RemoveProjectMember removes a member from one project. Organization
// access is kept.
func (h *OrgHandlers) RemoveProjectMember(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "project_id")
	if !ok {
		return
	}
	actor, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	target, ok := loadTarget(w, r, h.identities, "identity_id")
	if !ok {
		return
	}

	if err := h.lifecycle.RemoveUserFromProject(r.Context(), actor, target, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// InviteToOrganization grants a role to an email, directly when the email
// belongs to an identity and as a pending invite otherwise
func (h *OrgHandlers) InviteToOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req OrgInviteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	res, err := h.authz.InviteToOrganization(r.Context(), actor, req.Email, id, req.Role)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, res)
}

// InviteToProject is the project counterpart of InviteToOrganization
func (h *OrgHandlers) InviteToProject(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "project_id")
	if !ok {
		return
	}
	actor, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req ProjectInviteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	res, err := h.authz.InviteToProject(r.Context(), actor, req.Email, id, req.Role)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, res)
}
