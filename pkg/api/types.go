package api

import (
	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/billing"
)

// SetOrgRoleRequest is the body of PUT /orgs/{id}/members/{identity_id}
type SetOrgRoleRequest struct {
	Role authz.OrgRole `json:"role"`
}

// SetProjectRoleRequest is the body of PUT /projects/{project_id}/members/{identity_id}
type SetProjectRoleRequest struct {
	Role authz.ProjectRole `json:"role"`
}

// OrgInviteRequest is the body of POST /orgs/{id}/invites
type OrgInviteRequest struct {
	Email string        `json:"email"`
	Role  authz.OrgRole `json:"role"`
}

// ProjectInviteRequest is the body of POST /projects/{project_id}/invites
type ProjectInviteRequest struct {
	Email string            `json:"email"`
	Role  authz.ProjectRole `json:"role"`
}

// ChangePlanRequest is the body of PUT /orgs/{id}/billing/plan
type ChangePlanRequest struct {
	Plan billing.PlanTier `json:"plan"`
}

// RemoveCardResponse reports whether the gateway removed the stored card
type RemoveCardResponse struct {
	Removed bool `json:"removed"`
}

// OrgAuthorizationResponse is the caller's authorization in an organization
type OrgAuthorizationResponse struct {
	*authz.OrganizationAuthorization
	Capabilities authz.OrgCapabilities `json:"capabilities"`
}

// ProjectAuthorizationResponse is the caller's authorization in a project
type ProjectAuthorizationResponse struct {
	*authz.ProjectAuthorization
	Capabilities authz.ProjectCapabilities `json:"capabilities"`
}
