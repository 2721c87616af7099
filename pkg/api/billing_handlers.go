package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/billing"
	"github.com/platinummonkey/orgplane/pkg/gateway"
	"github.com/platinummonkey/orgplane/pkg/httputil"
	"github.com/platinummonkey/orgplane/pkg/observability"
)

const maxWebhookBytes = 64 << 10

// WebhookParser verifies and decodes gateway webhook payloads
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*gateway.Event, error)
}

// BillingHandlers handles billing-related HTTP requests
type BillingHandlers struct {
	billingService billing.Service
	authz          authz.Service
	webhooks       WebhookParser
}

// NewBillingHandlers creates a new BillingHandlers. A nil parser disables
// the webhook endpoint.
func NewBillingHandlers(billingService billing.Service, authzService authz.Service, webhooks WebhookParser) *BillingHandlers {
	return &BillingHandlers{
		billingService: billingService,
		authz:          authzService,
		webhooks:       webhooks,
	}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	// Plan
	router.HandleFunc("/orgs/{id}/billing", h.GetPlan).Methods("GET")
	router.HandleFunc("/orgs/{id}/billing/plan", h.ChangePlan).Methods("PUT")
	router.HandleFunc("/orgs/{id}/billing/close", h.ClosePlan).Methods("POST")
	router.HandleFunc("/orgs/{id}/billing/reactivate", h.ReactivatePlan).Methods("POST")
	router.HandleFunc("/billing/prices/{plan}", h.GetPlanPrice).Methods("GET")

	// Card
	router.HandleFunc("/orgs/{id}/billing/card", h.RemoveCreditCard).Methods("DELETE")
	router.HandleFunc("/orgs/{id}/billing/card/refresh", h.RefreshCardData).Methods("POST")

	// Invoices
	router.HandleFunc("/orgs/{id}/invoices", h.ListInvoices).Methods("GET")
	router.HandleFunc("/invoices/{invoice_id}", h.GetInvoice).Methods("GET")
	router.HandleFunc("/invoices/{invoice_id}/capture", h.EnableCapture).Methods("POST")

	// Webhooks
	router.HandleFunc("/billing/webhook", h.HandleWebhook).Methods("POST")
}

// GetPlan retrieves the organization's billing plan
func (h *BillingHandlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, orgID, billingReader); !ok {
		return
	}

	plan, err := h.billingService.GetPlan(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, plan)
}

// ChangePlan charges for and switches to another tier. A rejected tier is
// reported with 400 and the FAILURE result.
func (h *BillingHandlers) ChangePlan(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, orgID, canBilling); !ok {
		return
	}

	var req ChangePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	res, err := h.billingService.ChangePlan(r.Context(), orgID, req.Plan)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if res.Status != gateway.StatusSuccess {
		httputil.WriteJSON(w, http.StatusBadRequest, res)
		return
	}
	httputil.WriteSuccess(w, res)
}

// ClosePlan suspends a paid plan
func (h *BillingHandlers) ClosePlan(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, orgID, canBilling); !ok {
		return
	}

	plan, err := h.billingService.ClosePlan(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, plan)
}

// ReactivatePlan reactivates a suspended plan
func (h *BillingHandlers) ReactivatePlan(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, orgID, canBilling); !ok {
		return
	}

	plan, err := h.billingService.ReactivatePlan(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, plan)
}

// GetPlanPrice returns the current price and contact limit of a tier
func (h *BillingHandlers) GetPlanPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.billingService.PlanPrice(billing.PlanTier(mux.Vars(r)["plan"]))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, price)
}

// RemoveCreditCard removes the stored card at the gateway
func (h *BillingHandlers) RemoveCreditCard(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, orgID, canBilling); !ok {
		return
	}

	removed, err := h.billingService.RemoveCreditCard(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, RemoveCardResponse{Removed: removed})
}

// RefreshCardData reloads the cached card metadata from the gateway
func (h *BillingHandlers) RefreshCardData(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, orgID, canBilling); !ok {
		return
	}

	plan, err := h.billingService.UpdateCardData(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, plan)
}

// ListInvoices lists invoices for an organization, newest first
func (h *BillingHandlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	orgID, ok := httputil.PathIDOrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, orgID, billingReader); !ok {
		return
	}

	invoices, err := h.billingService.ListInvoices(r.Context(), orgID, limit)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if invoices == nil {
		invoices = []*billing.Invoice{}
	}
	httputil.WriteSuccess(w, invoices)
}

// GetInvoice retrieves an invoice with its line items
func (h *BillingHandlers) GetInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := httputil.PathIDOrError(w, r, "invoice_id")
	if !ok {
		return
	}
	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	invoice, err := h.billingService.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, invoice.OrganizationID, billingReader); !ok {
		return
	}
	httputil.WriteSuccess(w, invoice)
}

// EnableCapture lets the capture job charge a pending invoice again
func (h *BillingHandlers) EnableCapture(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := httputil.PathIDOrError(w, r, "invoice_id")
	if !ok {
		return
	}
	if _, ok := requireIdentity(w, r); !ok {
		return
	}

	invoice, err := h.billingService.GetInvoice(r.Context(), invoiceID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if _, ok := authorizeOrg(w, r, h.authz, invoice.OrganizationID, canBilling); !ok {
		return
	}

	invoice, err = h.billingService.EnableCapture(r.Context(), invoiceID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, invoice)
}

// HandleWebhook verifies a gateway event and applies it to the ledger
func (h *BillingHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhooks == nil {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "webhooks are not configured")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}

	event, err := h.webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("Rejected webhook")
		httputil.WriteBadRequest(w, "invalid webhook")
		return
	}

	if err := h.billingService.OnGatewayWebhook(r.Context(), event); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"received": event.ID})
}
