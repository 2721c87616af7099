package provisioning

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/orgplane/pkg/orgs"
)

// Scope is the level at which a permission changed
type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopeProject      Scope = "project"
)

// ProjectRef identifies a project to sibling services. ExternalID is the
// flow engine's organization UUID; the internal ID is carried for logging.
type ProjectRef struct {
	ProjectID      int64     `json:"-"`
	OrganizationID int64     `json:"-"`
	ExternalID     uuid.UUID `json:"uuid"`
	Name           string    `json:"name"`
	Timezone       string    `json:"timezone,omitempty"`
	DateFormat     string    `json:"date_format,omitempty"`
}

// Provisioned reports whether the project is bound to the flow engine
func (r ProjectRef) Provisioned() bool {
	return r.ExternalID != uuid.Nil
}

// RefOf builds the reference for a stored project
func RefOf(p *orgs.Project) ProjectRef {
	ref := ProjectRef{
		ProjectID:      p.ID,
		OrganizationID: p.OrganizationID,
		Name:           p.Name,
		Timezone:       p.Timezone,
		DateFormat:     string(p.DateFormat),
	}
	if p.FlowOrganization.Valid {
		ref.ExternalID = p.FlowOrganization.UUID
	}
	return ref
}

// RefsOf builds references for every provisioned project in ps
func RefsOf(ps []*orgs.Project) []ProjectRef {
	refs := make([]ProjectRef, 0, len(ps))
	for _, p := range ps {
		if ref := RefOf(p); ref.Provisioned() {
			refs = append(refs, ref)
		}
	}
	return refs
}

// PermissionChange is propagated to sibling services after a role change
// or revocation commits.
type PermissionChange struct {
	Scope          Scope     `json:"scope"`
	OrganizationID int64     `json:"-"`
	ProjectID      int64     `json:"-"`
	ExternalID     uuid.UUID `json:"uuid"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Removed        bool      `json:"removed"`
}

// Window is a half-open usage interval [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// Orchestrator translates lifecycle events into sibling-service calls.
// Every call is keyed by the sibling service's external UUID.
type Orchestrator interface {
	NotifyPermissionChanged(ctx context.Context, change PermissionChange) error
	NotifyProjectSuspended(ctx context.Context, ref ProjectRef, suspended bool) error
	ProvisionProject(ctx context.Context, ref ProjectRef) (uuid.UUID, error)
	DeprovisionProject(ctx context.Context, ref ProjectRef) error
	GetUsage(ctx context.Context, ref ProjectRef, window Window) (int64, error)
}
