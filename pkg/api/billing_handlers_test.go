package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/billing"
	"github.com/platinummonkey/orgplane/pkg/gateway"
)

// mockBillingService is a mock implementation of billing.Service for testing
type mockBillingService struct {
	billing.Service

	getPlanFunc          func(orgID int64) (*billing.BillingPlan, error)
	changePlanFunc       func(orgID int64, tier billing.PlanTier) (*billing.ChangePlanResult, error)
	closePlanFunc        func(orgID int64) (*billing.BillingPlan, error)
	removeCreditCardFunc func(orgID int64) (bool, error)
	getInvoiceFunc       func(id int64) (*billing.Invoice, error)
	listInvoicesFunc     func(orgID int64, limit int) ([]*billing.Invoice, error)
	enableCaptureFunc    func(invoiceID int64) (*billing.Invoice, error)
	onWebhookFunc        func(event *gateway.Event) error
}

func (m *mockBillingService) GetPlan(ctx context.Context, orgID int64) (*billing.BillingPlan, error) {
	if m.getPlanFunc != nil {
		return m.getPlanFunc(orgID)
	}
	return &billing.BillingPlan{OrganizationID: orgID, Plan: billing.PlanTrial}, nil
}

func (m *mockBillingService) ChangePlan(ctx context.Context, orgID int64, tier billing.PlanTier) (*billing.ChangePlanResult, error) {
	if m.changePlanFunc != nil {
		return m.changePlanFunc(orgID, tier)
	}
	return nil, errors.New("not implemented")
}

func (m *mockBillingService) ClosePlan(ctx context.Context, orgID int64) (*billing.BillingPlan, error) {
	if m.closePlanFunc != nil {
		return m.closePlanFunc(orgID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockBillingService) RemoveCreditCard(ctx context.Context, orgID int64) (bool, error) {
	if m.removeCreditCardFunc != nil {
		return m.removeCreditCardFunc(orgID)
	}
	return false, errors.New("not implemented")
}

func (m *mockBillingService) PlanPrice(tier billing.PlanTier) (billing.PlanPrice, error) {
	if tier == billing.PlanStart {
		return billing.PlanPrice{Price: decimal.RequireFromString("267"), Limit: 1000}, nil
	}
	return billing.PlanPrice{}, apperrors.InvalidArgument("unknown plan %q", tier)
}

func (m *mockBillingService) GetInvoice(ctx context.Context, id int64) (*billing.Invoice, error) {
	if m.getInvoiceFunc != nil {
		return m.getInvoiceFunc(id)
	}
	return nil, apperrors.NotFound("invoice")
}

func (m *mockBillingService) ListInvoices(ctx context.Context, orgID int64, limit int) ([]*billing.Invoice, error) {
	if m.listInvoicesFunc != nil {
		return m.listInvoicesFunc(orgID, limit)
	}
	return nil, nil
}

func (m *mockBillingService) EnableCapture(ctx context.Context, invoiceID int64) (*billing.Invoice, error) {
	if m.enableCaptureFunc != nil {
		return m.enableCaptureFunc(invoiceID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockBillingService) OnGatewayWebhook(ctx context.Context, event *gateway.Event) error {
	if m.onWebhookFunc != nil {
		return m.onWebhookFunc(event)
	}
	return nil
}

type mockWebhookParser struct {
	event *gateway.Event
	err   error
	sig   string
}

func (m *mockWebhookParser) ParseWebhook(payload []byte, signature string) (*gateway.Event, error) {
	m.sig = signature
	return m.event, m.err
}

func TestBillingHandlers_RegisterRoutes(t *testing.T) {
	handlers := NewBillingHandlers(&mockBillingService{}, newMockAuthz(), nil)
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	tests := []struct {
		method string
		path   string
	}{
		{"GET", "/orgs/1/billing"},
		{"PUT", "/orgs/1/billing/plan"},
		{"POST", "/orgs/1/billing/close"},
		{"POST", "/orgs/1/billing/reactivate"},
		{"GET", "/billing/prices/start"},
		{"DELETE", "/orgs/1/billing/card"},
		{"POST", "/orgs/1/billing/card/refresh"},
		{"GET", "/orgs/1/invoices"},
		{"GET", "/invoices/1"},
		{"POST", "/invoices/1/capture"},
		{"POST", "/billing/webhook"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			var match mux.RouteMatch
			assert.True(t, router.Match(req, &match), "Route %s %s should be registered", tt.method, tt.path)
		})
	}
}

func TestBillingHandlers_GetPlan(t *testing.T) {
	authzSvc := newMockAuthz()
	server := newTestServer(NewBillingHandlers(&mockBillingService{}, authzSvc, nil))

	t.Run("no role", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/orgs/3/billing", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("financial member", func(t *testing.T) {
		authzSvc.orgRoles[3] = authz.OrgRoleFinancial
		rec := do(t, server, http.MethodGet, "/orgs/3/billing", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var plan billing.BillingPlan
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&plan))
		assert.Equal(t, int64(3), plan.OrganizationID)
	})

	t.Run("anonymous", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, PathPrefix+"/orgs/3/billing", nil)
		req.Header.Set("X-Anonymous", "1")
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/orgs/abc/billing", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBillingHandlers_ChangePlan(t *testing.T) {
	tests := []struct {
		name       string
		result     *billing.ChangePlanResult
		err        error
		wantStatus int
	}{
		{
			name:       "success",
			result:     &billing.ChangePlanResult{Status: gateway.StatusSuccess, Plan: &billing.BillingPlan{Plan: billing.PlanScale}},
			wantStatus: http.StatusOK,
		},
		{
			name:       "rejected tier",
			result:     &billing.ChangePlanResult{Status: gateway.StatusFailure, Message: "Invalid plan choice"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "card declined",
			err:        apperrors.ExternalService("payment gateway", errors.New("card_declined")),
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "unclassified",
			err:        errors.New("pq: connection reset"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotTier billing.PlanTier
			svc := &mockBillingService{
				changePlanFunc: func(orgID int64, tier billing.PlanTier) (*billing.ChangePlanResult, error) {
					gotTier = tier
					return tt.result, tt.err
				},
			}
			authzSvc := newMockAuthz()
			authzSvc.orgRoles[3] = authz.OrgRoleAdmin
			server := newTestServer(NewBillingHandlers(svc, authzSvc, nil))

			rec := do(t, server, http.MethodPut, "/orgs/3/billing/plan", ChangePlanRequest{Plan: billing.PlanScale})
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, billing.PlanScale, gotTier)
			if tt.wantStatus == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", decodeError(t, rec).Error)
			}
		})
	}

	t.Run("viewer cannot change", func(t *testing.T) {
		authzSvc := newMockAuthz()
		authzSvc.orgRoles[3] = authz.OrgRoleViewer
		server := newTestServer(NewBillingHandlers(&mockBillingService{}, authzSvc, nil))

		rec := do(t, server, http.MethodPut, "/orgs/3/billing/plan", ChangePlanRequest{Plan: billing.PlanScale})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestBillingHandlers_ClosePlan(t *testing.T) {
	svc := &mockBillingService{
		closePlanFunc: func(orgID int64) (*billing.BillingPlan, error) {
			return nil, apperrors.StateConflict("plan is not active")
		},
	}
	authzSvc := newMockAuthz()
	authzSvc.orgRoles[3] = authz.OrgRoleFinancial
	server := newTestServer(NewBillingHandlers(svc, authzSvc, nil))

	rec := do(t, server, http.MethodPost, "/orgs/3/billing/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "plan is not active", decodeError(t, rec).Error)
}

func TestBillingHandlers_RemoveCreditCard(t *testing.T) {
	svc := &mockBillingService{
		removeCreditCardFunc: func(orgID int64) (bool, error) { return false, nil },
	}
	authzSvc := newMockAuthz()
	authzSvc.orgRoles[3] = authz.OrgRoleAdmin
	server := newTestServer(NewBillingHandlers(svc, authzSvc, nil))

	rec := do(t, server, http.MethodDelete, "/orgs/3/billing/card", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RemoveCardResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Removed)
}

func TestBillingHandlers_GetPlanPrice(t *testing.T) {
	server := newTestServer(NewBillingHandlers(&mockBillingService{}, newMockAuthz(), nil))

	rec := do(t, server, http.MethodGet, "/billing/prices/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"limit":1000`)

	rec = do(t, server, http.MethodGet, "/billing/prices/gold", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingHandlers_Invoices(t *testing.T) {
	invoice := &billing.Invoice{ID: 9, OrganizationID: 3, PaymentStatus: billing.PaymentPending}
	var captured int64
	svc := &mockBillingService{
		getInvoiceFunc: func(id int64) (*billing.Invoice, error) {
			if id == invoice.ID {
				return invoice, nil
			}
			return nil, apperrors.NotFound("invoice")
		},
		listInvoicesFunc: func(orgID int64, limit int) ([]*billing.Invoice, error) {
			assert.Equal(t, 20, limit)
			return []*billing.Invoice{invoice}, nil
		},
		enableCaptureFunc: func(invoiceID int64) (*billing.Invoice, error) {
			captured = invoiceID
			return invoice, nil
		},
	}
	authzSvc := newMockAuthz()
	server := newTestServer(NewBillingHandlers(svc, authzSvc, nil))

	t.Run("invoice of another organization", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/invoices/9", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	authzSvc.orgRoles[3] = authz.OrgRoleViewer

	t.Run("list", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/orgs/3/invoices?limit=20", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var invoices []*billing.Invoice
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&invoices))
		assert.Len(t, invoices, 1)
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/orgs/3/invoices?limit=x", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/invoices/9", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/invoices/10", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("viewer cannot re-enable capture", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/invoices/9/capture", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Zero(t, captured)
	})

	t.Run("admin re-enables capture", func(t *testing.T) {
		authzSvc.orgRoles[3] = authz.OrgRoleAdmin
		rec := do(t, server, http.MethodPost, "/invoices/9/capture", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(9), captured)
	})
}

func TestBillingHandlers_HandleWebhook(t *testing.T) {
	post := func(server *Server) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathPrefix+"/billing/webhook", strings.NewReader(`{"id":"evt_1"}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		req.Header.Set("X-Anonymous", "1")
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		return rec
	}

	t.Run("applies the event", func(t *testing.T) {
		var applied *gateway.Event
		svc := &mockBillingService{onWebhookFunc: func(event *gateway.Event) error {
			applied = event
			return nil
		}}
		parser := &mockWebhookParser{event: &gateway.Event{ID: "evt_1", Type: gateway.EventChargeSucceeded, ChargeRef: "pi_1"}}
		server := newTestServer(NewBillingHandlers(svc, newMockAuthz(), parser))

		rec := post(server)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "t=1,v1=abc", parser.sig)
		require.NotNil(t, applied)
		assert.Equal(t, "pi_1", applied.ChargeRef)
	})

	t.Run("bad signature", func(t *testing.T) {
		parser := &mockWebhookParser{err: errors.New("invalid webhook signature")}
		server := newTestServer(NewBillingHandlers(&mockBillingService{}, newMockAuthz(), parser))

		rec := post(server)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not configured", func(t *testing.T) {
		server := newTestServer(NewBillingHandlers(&mockBillingService{}, newMockAuthz(), nil))
		rec := post(server)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
