package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/billing"
	"github.com/platinummonkey/orgplane/pkg/controlplane"
	"github.com/platinummonkey/orgplane/pkg/identity"
	"github.com/platinummonkey/orgplane/pkg/orgs"
)

// mockLifecycle records lifecycle calls
type mockLifecycle struct {
	createOrgFunc     func(creator *identity.Identity, req *controlplane.CreateOrganizationRequest) (*controlplane.CreateOrganizationResult, error)
	createProjectFunc func(actor *identity.Identity, orgID int64, req *orgs.CreateProjectRequest) (*orgs.Project, error)
	deleteErr         error
	deleted           []int64
	removed           []int64
}

func (m *mockLifecycle) CreateOrganization(ctx context.Context, creator *identity.Identity, req *controlplane.CreateOrganizationRequest) (*controlplane.CreateOrganizationResult, error) {
	return m.createOrgFunc(creator, req)
}

func (m *mockLifecycle) CreateProject(ctx context.Context, actor *identity.Identity, orgID int64, req *orgs.CreateProjectRequest) (*orgs.Project, error) {
	return m.createProjectFunc(actor, orgID, req)
}

func (m *mockLifecycle) DeleteProject(ctx context.Context, actor *identity.Identity, projectID int64) error {
	m.deleted = append(m.deleted, projectID)
	return m.deleteErr
}

func (m *mockLifecycle) DeleteOrganization(ctx context.Context, actor *identity.Identity, orgID int64) error {
	m.deleted = append(m.deleted, orgID)
	return m.deleteErr
}

func (m *mockLifecycle) RemoveUserFromProject(ctx context.Context, actor, target *identity.Identity, projectID int64) error {
	m.removed = append(m.removed, target.ID)
	return nil
}

// mockOrgService is a mock implementation of orgs.Service for testing
type mockOrgService struct {
	orgs.Service
	orgs     map[int64]*orgs.Organization
	projects map[int64]*orgs.Project
	updated  *orgs.UpdateOrgRequest
}

func (m *mockOrgService) GetOrganization(ctx context.Context, id int64) (*orgs.Organization, error) {
	if org, ok := m.orgs[id]; ok {
		return org, nil
	}
	return nil, apperrors.NotFound("organization")
}

func (m *mockOrgService) UpdateOrganization(ctx context.Context, id int64, req *orgs.UpdateOrgRequest) (*orgs.Organization, error) {
	m.updated = req
	return m.GetOrganization(ctx, id)
}

func (m *mockOrgService) GetProject(ctx context.Context, id int64) (*orgs.Project, error) {
	if p, ok := m.projects[id]; ok {
		return p, nil
	}
	return nil, apperrors.NotFound("project")
}

func (m *mockOrgService) ListProjects(ctx context.Context, orgID int64) ([]*orgs.Project, error) {
	var ps []*orgs.Project
	for _, p := range m.projects {
		if p.OrganizationID == orgID {
			ps = append(ps, p)
		}
	}
	return ps, nil
}

type mockIdentities struct {
	byID map[int64]*identity.Identity
}

func (m *mockIdentities) Upsert(ctx context.Context, claims *identity.Claims) (*identity.Identity, bool, error) {
	return nil, false, nil
}

func (m *mockIdentities) Get(ctx context.Context, id int64) (*identity.Identity, error) {
	if ident, ok := m.byID[id]; ok {
		return ident, nil
	}
	return nil, apperrors.NotFound("identity")
}

func (m *mockIdentities) GetByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	return nil, apperrors.NotFound("identity")
}

var member = &identity.Identity{ID: 2, Email: "member@example.com"}

type orgFixture struct {
	server    *Server
	lifecycle *mockLifecycle
	orgs      *mockOrgService
	authz     *mockAuthzService
}

func newOrgFixture() *orgFixture {
	f := &orgFixture{
		lifecycle: &mockLifecycle{},
		orgs: &mockOrgService{
			orgs:     map[int64]*orgs.Organization{3: {ID: 3, Name: "Acme"}},
			projects: map[int64]*orgs.Project{5: {ID: 5, OrganizationID: 3, Name: "Support"}},
		},
		authz: newMockAuthz(),
	}
	identities := &mockIdentities{byID: map[int64]*identity.Identity{member.ID: member}}
	f.server = newTestServer(NewOrgHandlers(f.lifecycle, f.orgs, f.authz, identities))
	return f
}

func TestOrgHandlers_CreateOrganization(t *testing.T) {
	f := newOrgFixture()
	var got *controlplane.CreateOrganizationRequest
	f.lifecycle.createOrgFunc = func(creator *identity.Identity, req *controlplane.CreateOrganizationRequest) (*controlplane.CreateOrganizationResult, error) {
		assert.Equal(t, testCaller.ID, creator.ID)
		got = req
		return &controlplane.CreateOrganizationResult{Organization: &orgs.Organization{ID: 8, Name: req.Organization.Name}}, nil
	}

	rec := do(t, f.server, http.MethodPost, "/orgs", map[string]any{
		"organization": map[string]any{"name": "Acme"},
		"plan":         map[string]any{"plan": "trial"},
		"project":      map[string]any{"name": "Support"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, billing.PlanTrial, got.Plan.Plan)
	require.NotNil(t, got.Project)
	assert.Equal(t, "Support", got.Project.Name)

	rec = do(t, f.server, http.MethodPost, "/orgs", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrgHandlers_GetOrganization(t *testing.T) {
	f := newOrgFixture()

	rec := do(t, f.server, http.MethodGet, "/orgs/3", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.authz.orgRoles[3] = authz.OrgRoleViewer
	rec = do(t, f.server, http.MethodGet, "/orgs/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var org orgs.Organization
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&org))
	assert.Equal(t, "Acme", org.Name)

	f.authz.orgRoles[4] = authz.OrgRoleViewer
	rec = do(t, f.server, http.MethodGet, "/orgs/4", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrgHandlers_UpdateOrganization(t *testing.T) {
	f := newOrgFixture()
	f.authz.orgRoles[3] = authz.OrgRoleContributor

	rec := do(t, f.server, http.MethodPut, "/orgs/3", map[string]any{"name": "Acme Inc"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.authz.orgRoles[3] = authz.OrgRoleAdmin
	rec = do(t, f.server, http.MethodPut, "/orgs/3", map[string]any{"name": "Acme Inc"})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.orgs.updated)
	assert.Equal(t, "Acme Inc", *f.orgs.updated.Name)
}

func TestOrgHandlers_Projects(t *testing.T) {
	f := newOrgFixture()
	f.authz.orgRoles[3] = authz.OrgRoleViewer

	t.Run("list", func(t *testing.T) {
		rec := do(t, f.server, http.MethodGet, "/orgs/3/projects", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var ps []*orgs.Project
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&ps))
		assert.Len(t, ps, 1)
	})

	t.Run("create", func(t *testing.T) {
		f.lifecycle.createProjectFunc = func(actor *identity.Identity, orgID int64, req *orgs.CreateProjectRequest) (*orgs.Project, error) {
			return nil, apperrors.ExternalService("flow engine", assert.AnError)
		}
		rec := do(t, f.server, http.MethodPost, "/orgs/3/projects", orgs.CreateProjectRequest{Name: "Sales"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("get needs a project role", func(t *testing.T) {
		rec := do(t, f.server, http.MethodGet, "/projects/5", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		f.authz.projectRoles[5] = authz.ProjectRoleViewer
		rec = do(t, f.server, http.MethodGet, "/projects/5", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := do(t, f.server, http.MethodDelete, "/projects/5", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []int64{5}, f.lifecycle.deleted)
	})
}

func TestOrgHandlers_DeleteOrganization(t *testing.T) {
	f := newOrgFixture()
	f.lifecycle.deleteErr = apperrors.PermissionDenied("insufficient role")

	rec := do(t, f.server, http.MethodDelete, "/orgs/3", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []int64{3}, f.lifecycle.deleted)
}

func TestOrgHandlers_Members(t *testing.T) {
	f := newOrgFixture()
	f.authz.orgRoles[3] = authz.OrgRoleAdmin

	t.Run("own authorization", func(t *testing.T) {
		rec := do(t, f.server, http.MethodGet, "/orgs/3/authorization", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Role         authz.OrgRole         `json:"role"`
			Capabilities authz.OrgCapabilities `json:"capabilities"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, authz.OrgRoleAdmin, resp.Role)
		assert.True(t, resp.Capabilities.IsAdmin)
	})

	t.Run("set role", func(t *testing.T) {
		f.authz.setOrgRoleFunc = func(actor, target *identity.Identity, orgID int64, role authz.OrgRole) (*authz.OrganizationAuthorization, error) {
			assert.Equal(t, member.ID, target.ID)
			return &authz.OrganizationAuthorization{IdentityID: target.ID, OrganizationID: orgID, Role: role}, nil
		}
		rec := do(t, f.server, http.MethodPut, "/orgs/3/members/2", map[string]any{"role": "contributor"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"role":"contributor"`)
	})

	t.Run("invalid role name", func(t *testing.T) {
		rec := do(t, f.server, http.MethodPut, "/orgs/3/members/2", map[string]any{"role": "owner"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown target", func(t *testing.T) {
		rec := do(t, f.server, http.MethodPut, "/orgs/3/members/99", map[string]any{"role": "viewer"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("revoke", func(t *testing.T) {
		var revoked int64
		f.authz.revokeOrgFunc = func(actor, target *identity.Identity, orgID int64) error {
			revoked = target.ID
			return nil
		}
		rec := do(t, f.server, http.MethodDelete, "/orgs/3/members/2", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, member.ID, revoked)
	})

	t.Run("remove from project", func(t *testing.T) {
		rec := do(t, f.server, http.MethodDelete, "/projects/5/members/2", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []int64{member.ID}, f.lifecycle.removed)
	})

	t.Run("list", func(t *testing.T) {
		f.authz.listMembersFunc = func(orgID int64) ([]*authz.Member, error) { return nil, nil }
		rec := do(t, f.server, http.MethodGet, "/orgs/3/members", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("invite", func(t *testing.T) {
		f.authz.inviteToOrgFunc = func(actor *identity.Identity, email string, orgID int64, role authz.OrgRole) (*authz.OrgInviteResult, error) {
			return &authz.OrgInviteResult{Invite: &authz.OrganizationInvite{Email: email, OrganizationID: orgID, Role: role}}, nil
		}
		rec := do(t, f.server, http.MethodPost, "/orgs/3/invites", OrgInviteRequest{Email: "new@example.com", Role: authz.OrgRoleViewer})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), "new@example.com")
	})

	t.Run("project invite", func(t *testing.T) {
		f.authz.inviteToProjectFunc = func(actor *identity.Identity, email string, projectID int64, role authz.ProjectRole) (*authz.ProjectInviteResult, error) {
			return nil, apperrors.PermissionDenied("project admin required")
		}
		rec := do(t, f.server, http.MethodPost, "/projects/5/invites", ProjectInviteRequest{Email: "new@example.com", Role: authz.ProjectRoleViewer})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
