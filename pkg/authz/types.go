package authz

import (
	"context"
	"database/sql"
	"time"

	"github.com/platinummonkey/orgplane/pkg/identity"
)

// OrganizationAuthorization is what one identity may do in one organization
type OrganizationAuthorization struct {
	ID             int64     `json:"id"`
	IdentityID     int64     `json:"identity_id"`
	OrganizationID int64     `json:"organization_id"`
	Role           OrgRole   `json:"role"`
	Has2FA         bool      `json:"has_2fa"`
	CreatedAt      time.Time `json:"created_at"`

	// Transient authorizations belong to anonymous callers and are never
	// persisted.
	Transient bool `json:"-"`
}

// Capabilities returns the capability set of the authorization's role
func (a *OrganizationAuthorization) Capabilities() OrgCapabilities {
	return a.Role.Capabilities()
}

func (a *OrganizationAuthorization) CanRead() bool { return a.Capabilities().CanRead }
func (a *OrganizationAuthorization) CanContribute() bool { return a.Capabilities().CanContribute }
func (a *OrganizationAuthorization) CanWrite() bool { return a.Capabilities().CanWrite }
func (a *OrganizationAuthorization) IsAdmin() bool { return a.Capabilities().IsAdmin }
func (a *OrganizationAuthorization) IsFinancial() bool { return a.Capabilities().IsFinancial }
func (a *OrganizationAuthorization) CanContributeBilling() bool { return a.Capabilities().CanContributeBilling }

// ProjectAuthorization is what one identity may do in one project. It is
// always anchored to the identity's authorization in the project's
// organization.
type ProjectAuthorization struct {
	ID                          int64       `json:"id"`
	IdentityID                  int64       `json:"identity_id"`
	ProjectID                   int64       `json:"project_id"`
	OrganizationAuthorizationID int64       `json:"organization_authorization_id"`
	Role                        ProjectRole `json:"role"`
	ChatRole                    *ChatRole   `json:"chat_role,omitempty"`
	CreatedAt                   time.Time   `json:"created_at"`

	Transient bool `json:"-"`
}

// Capabilities returns the capability set of the authorization's role
func (a *ProjectAuthorization) Capabilities() ProjectCapabilities {
	return a.Role.Capabilities()
}

func (a *ProjectAuthorization) CanRead() bool { return a.Capabilities().CanRead }
func (a *ProjectAuthorization) CanContribute() bool { return a.Capabilities().CanContribute }
func (a *ProjectAuthorization) CanWrite() bool { return a.Capabilities().CanWrite }
func (a *ProjectAuthorization) IsModerator() bool { return a.Capabilities().IsModerator }
func (a *ProjectAuthorization) IsChatUser() bool { return a.Capabilities().IsChatUser }

// OrganizationInvite is a pending organization role for an email with no
// identity yet
type OrganizationInvite struct {
	ID             int64     `json:"id"`
	Email          string    `json:"email"`
	OrganizationID int64     `json:"organization_id"`
	Role           OrgRole   `json:"role"`
	InvitedBy      *int64    `json:"invited_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ProjectInvite is a pending project role for an email with no identity yet
type ProjectInvite struct {
	ID        int64       `json:"id"`
	Email     string      `json:"email"`
	ProjectID int64       `json:"project_id"`
	Role      ProjectRole `json:"role"`
	InvitedBy *int64      `json:"invited_by,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// OrgInviteResult holds either the applied authorization (the email
// belongs to an identity) or the stored invite.
type OrgInviteResult struct {
	Authorization *OrganizationAuthorization `json:"authorization,omitempty"`
	Invite        *OrganizationInvite        `json:"invite,omitempty"`
}

// ProjectInviteResult is the project counterpart of OrgInviteResult
type ProjectInviteResult struct {
	Authorization *ProjectAuthorization `json:"authorization,omitempty"`
	Invite        *ProjectInvite        `json:"invite,omitempty"`
}

// Member is an organization authorization joined with its identity
type Member struct {
	OrganizationAuthorization
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Service answers "what can identity X do in organization/project Y" and
// mutates roles. A nil identity is the anonymous caller.
type Service interface {
	GetOrCreateOrgAuthorization(ctx context.Context, ident *identity.Identity, orgID int64) (*OrganizationAuthorization, error)
	GetOrCreateProjectAuthorization(ctx context.Context, ident *identity.Identity, projectID int64) (*ProjectAuthorization, error)
	SetOrgRole(ctx context.Context, actor, target *identity.Identity, orgID int64, role OrgRole) (*OrganizationAuthorization, error)
	SetProjectRole(ctx context.Context, actor, target *identity.Identity, projectID int64, role ProjectRole) (*ProjectAuthorization, error)
	RevokeOrgAuthorization(ctx context.Context, actor, target *identity.Identity, orgID int64) error
	RevokeProjectAuthorization(ctx context.Context, actor, target *identity.Identity, projectID int64) error
	ListOrgAuthorizations(ctx context.Context, orgID int64) ([]*Member, error)
	InviteToOrganization(ctx context.Context, actor *identity.Identity, email string, orgID int64, role OrgRole) (*OrgInviteResult, error)
	InviteToProject(ctx context.Context, actor *identity.Identity, email string, projectID int64, role ProjectRole) (*ProjectInviteResult, error)
	OnIdentityCreated(ctx context.Context, ident *identity.Identity) error
	GrantCreator(ctx context.Context, tx *sql.Tx, ident *identity.Identity, orgID int64) (*OrganizationAuthorization, error)
}
