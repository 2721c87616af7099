package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/contextkeys"
	"github.com/platinummonkey/orgplane/pkg/httputil"
	"github.com/platinummonkey/orgplane/pkg/identity"
	"github.com/platinummonkey/orgplane/pkg/observability"
)

// mockAuthzService answers GetOrCreate* from role maps. Methods left nil
// in the embedded interface are never reached by the handler tests that
// do not set them.
type mockAuthzService struct {
	authz.Service
	orgRoles     map[int64]authz.OrgRole
	projectRoles map[int64]authz.ProjectRole

	setOrgRoleFunc      func(actor, target *identity.Identity, orgID int64, role authz.OrgRole) (*authz.OrganizationAuthorization, error)
	revokeOrgFunc       func(actor, target *identity.Identity, orgID int64) error
	inviteToOrgFunc     func(actor *identity.Identity, email string, orgID int64, role authz.OrgRole) (*authz.OrgInviteResult, error)
	listMembersFunc     func(orgID int64) ([]*authz.Member, error)
	setProjectRoleFunc  func(actor, target *identity.Identity, projectID int64, role authz.ProjectRole) (*authz.ProjectAuthorization, error)
	inviteToProjectFunc func(actor *identity.Identity, email string, projectID int64, role authz.ProjectRole) (*authz.ProjectInviteResult, error)
}

func newMockAuthz() *mockAuthzService {
	return &mockAuthzService{
		orgRoles:     make(map[int64]authz.OrgRole),
		projectRoles: make(map[int64]authz.ProjectRole),
	}
}

func (m *mockAuthzService) GetOrCreateOrgAuthorization(ctx context.Context, ident *identity.Identity, orgID int64) (*authz.OrganizationAuthorization, error) {
	return &authz.OrganizationAuthorization{IdentityID: ident.ID, OrganizationID: orgID, Role: m.orgRoles[orgID]}, nil
}

func (m *mockAuthzService) GetOrCreateProjectAuthorization(ctx context.Context, ident *identity.Identity, projectID int64) (*authz.ProjectAuthorization, error) {
	return &authz.ProjectAuthorization{IdentityID: ident.ID, ProjectID: projectID, Role: m.projectRoles[projectID]}, nil
}

func (m *mockAuthzService) SetOrgRole(ctx context.Context, actor, target *identity.Identity, orgID int64, role authz.OrgRole) (*authz.OrganizationAuthorization, error) {
	return m.setOrgRoleFunc(actor, target, orgID, role)
}

func (m *mockAuthzService) RevokeOrgAuthorization(ctx context.Context, actor, target *identity.Identity, orgID int64) error {
	return m.revokeOrgFunc(actor, target, orgID)
}

func (m *mockAuthzService) ListOrgAuthorizations(ctx context.Context, orgID int64) ([]*authz.Member, error) {
	return m.listMembersFunc(orgID)
}

func (m *mockAuthzService) SetProjectRole(ctx context.Context, actor, target *identity.Identity, projectID int64, role authz.ProjectRole) (*authz.ProjectAuthorization, error) {
	return m.setProjectRoleFunc(actor, target, projectID, role)
}

func (m *mockAuthzService) InviteToOrganization(ctx context.Context, actor *identity.Identity, email string, orgID int64, role authz.OrgRole) (*authz.OrgInviteResult, error) {
	return m.inviteToOrgFunc(actor, email, orgID, role)
}

func (m *mockAuthzService) InviteToProject(ctx context.Context, actor *identity.Identity, email string, projectID int64, role authz.ProjectRole) (*authz.ProjectInviteResult, error) {
	return m.inviteToProjectFunc(actor, email, projectID, role)
}

var testCaller = &identity.Identity{ID: 1, Email: "owner@example.com"}

// asCaller authenticates every request as testCaller unless the request
// carries X-Anonymous
func asCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Anonymous") != "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextkeys.WithIdentity(r.Context(), testCaller)))
	})
}

func newTestServer(groups ...RouteGroup) *Server {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer(Options{Logger: logger, Authenticate: asCaller}, groups...)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, PathPrefix+path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestAuthorizeOrg(t *testing.T) {
	svc := newMockAuthz()
	svc.orgRoles[7] = authz.OrgRoleViewer

	call := func(r *http.Request, check orgCheck) (*httptest.ResponseRecorder, bool) {
		rec := httptest.NewRecorder()
		_, ok := authorizeOrg(rec, r, svc, 7, check)
		return rec, ok
	}

	t.Run("anonymous", func(t *testing.T) {
		rec, ok := call(httptest.NewRequest(http.MethodGet, "/", nil), canRead)
		assert.False(t, ok)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	authed := httptest.NewRequest(http.MethodGet, "/", nil)
	authed = authed.WithContext(contextkeys.WithIdentity(authed.Context(), testCaller))

	t.Run("allowed", func(t *testing.T) {
		_, ok := call(authed, canRead)
		assert.True(t, ok)
	})

	t.Run("denied", func(t *testing.T) {
		rec, ok := call(authed, canWrite)
		assert.False(t, ok)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, string(apperrors.KindPermissionDenied), decodeError(t, rec).Kind)
	})

	t.Run("financial reads billing", func(t *testing.T) {
		svc.orgRoles[7] = authz.OrgRoleFinancial
		_, ok := call(authed, billingReader)
		assert.True(t, ok)
		_, ok = call(authed, canRead)
		assert.True(t, ok)
	})
}

func TestServer_Middleware(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	billingSvc := &mockBillingService{}
	server := NewServer(Options{Logger: logger, Metrics: metrics, Authenticate: asCaller},
		NewBillingHandlers(billingSvc, newMockAuthz(), nil))

	rec := do(t, server, http.MethodGet, "/billing/prices/start", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, PathPrefix+"/billing/prices/{plan}", "200")))

	rec = do(t, server, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
