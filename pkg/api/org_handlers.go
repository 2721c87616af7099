package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/controlplane"
	"github.com/platinummonkey/orgplane/pkg/httputil"
	"github.com/platinummonkey/orgplane/pkg/identity"
	"github.com/platinummonkey/orgplane/pkg/orgs"
)

// Lifecycle is the subset of controlplane.Service used by the handlers
type Lifecycle interface {
	CreateOrganization(ctx context.Context, creator *identity.Identity, req *controlplane.CreateOrganizationRequest) (*controlplane.CreateOrganizationResult, error)
	CreateProject(ctx context.Context, actor *identity.Identity, orgID int64, req *orgs.CreateProjectRequest) (*orgs.Project, error)
	DeleteProject(ctx context.Context, actor *identity.Identity, projectID int64) error
	DeleteOrganization(ctx context.Context, actor *identity.Identity, orgID int64) error
	RemoveUserFromProject(ctx context.Context, actor, target *identity.Identity, projectID int64) error
}

// OrgHandlers handles organization, project and membership requests
type OrgHandlers struct {
	lifecycle  Lifecycle
	orgs       orgs.Service
	authz      authz.Service
	identities identity.Service
}

// NewOrgHandlers creates a new OrgHandlers
func NewOrgHandlers(lifecycle Lifecycle, orgService orgs.Service, authzService authz.Service, identities identity.Service) *OrgHandlers {
	return &OrgHandlers{
		lifecycle:  lifecycle,
		orgs:       orgService,
		authz:      authzService,
		identities: identities,
	}
}

// RegisterRoutes registers organization routes
func (h *OrgHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs", h.CreateOrganization).Methods("POST")
	router.HandleFunc("/orgs/{id}", h.GetOrganization).Methods("GET")
	router.HandleFunc("/orgs/{id}", h.UpdateOrganization).Methods("PUT")
	router.HandleFunc("/orgs/{id}", h.DeleteOrganization).Methods("DELETE")

	// Projects
	router.HandleFunc("/orgs/{id}/projects", h.ListProjects).Methods("GET")
	router.HandleFunc("/orgs/{id}/projects", h.CreateProject).Methods("POST")
	router.HandleFunc("/projects/{project_id}", h.GetProject).Methods("GET")
	router.HandleFunc("/projects/{project_id}", h.DeleteProject).Methods("DELETE")

	// Members
	router.HandleFunc("/orgs/{id}/authorization", h.GetOrgAuthorization).Methods("GET")
	router.HandleFunc("/orgs/{id}/members", h.ListMembers).Methods("GET")
	router.HandleFunc("/orgs/{id}/members/{identity_id}", h.SetOrgRole).Methods("PUT")
	router.HandleFunc("/orgs/{id}/members/{identity_id}", h.RevokeOrgMember).Methods("DELETE")
	router.HandleFunc("/projects/{project_id}/authorization", h.GetProjectAuthorization).Methods("GET")
	router.HandleFunc("/projects/{project_id}/members/{identity_id}", h.SetProjectRole).Methods("PUT")
	router.HandleFunc("/projects/{project_id}/members/{identity_id}", h.RemoveProjectMember).Methods("DELETE")

	// Invites
	router.HandleFunc("/orgs/{id}/invites", h.InviteToOrganization).Methods("POST")
	router.HandleFunc("/projects/{project_id}/invites", h.InviteToProject).Methods("POST")
}

// CreateOrganization creates an organization with its plan and, optionally,
// its first project
func (h *OrgHandlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	ident, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req controlplane.CreateOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	res, err := h.lifecycle.CreateOrganization(r.Context(), ident, &req)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, res)
}

// GetOrganization retrieves an organization by ID
func (h *OrgHandlers) GetOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, id, canRead); !ok {
		return
	}

	org, err := h.orgs.GetOrganization(r.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

// UpdateOrganization applies a partial update
func (h *OrgHandlers) UpdateOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, id, canWrite); !ok {
		return
	}

	var req orgs.UpdateOrgRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	org, err := h.orgs.UpdateOrganization(r.Context(), id, &req)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

// DeleteOrganization deprovisions and deletes an organization
func (h *OrgHandlers) DeleteOrganization(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	ident, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.lifecycle.DeleteOrganization(r.Context(), ident, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListProjects lists the projects of an organization
func (h *OrgHandlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, id, canRead); !ok {
		return
	}

	projects, err := h.orgs.ListProjects(r.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if projects == nil {
		projects = []*orgs.Project{}
	}
	httputil.WriteSuccess(w, projects)
}

// CreateProject creates and provisions a project
func (h *OrgHandlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	ident, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req orgs.CreateProjectRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	project, err := h.lifecycle.CreateProject(r.Context(), ident, id, &req)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, project)
}

// GetProject retrieves a project the caller can read
func (h *OrgHandlers) GetProject(w http.ResponseWriter, r *http.Request) {
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
	if !auth.CanRead() {
		httputil.WriteErrorMessage(w, http.StatusForbidden, "insufficient role in project")
		return
	}

	project, err := h.orgs.GetProject(r.Context(), id)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, project)
}

// DeleteProject deprovisions and deletes a project
func (h *OrgHandlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.PathIDOrError(w, r, "project_id")
	if !ok {
		return
	}
	ident, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.lifecycle.DeleteProject(r.Context(), ident, id); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
