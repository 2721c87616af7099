package billing

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/orgplane/pkg/gateway"
	"github.com/platinummonkey/orgplane/pkg/orgs"
)

// PlanTier is a billing plan tier
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanTrial      PlanTier = "trial"
	PlanStart      PlanTier = "start"
	PlanScale      PlanTier = "scale"
	PlanAdvanced   PlanTier = "advanced"
	PlanEnterprise PlanTier = "enterprise"
	PlanCustom     PlanTier = "custom"
)

// Cycle is a billing cycle
type Cycle string

const (
	CycleMonthly      Cycle = "monthly"
	CycleQuarterly    Cycle = "quarterly"
	CycleSemiannually Cycle = "semiannually"
	CycleAnnually     Cycle = "annually"
	CycleFree         Cycle = "billing_free"
	CycleCustom       Cycle = "custom"
)

var cycleDays = map[Cycle]int{
	CycleMonthly:      30,
	CycleQuarterly:    90,
	CycleSemiannually: 180,
	CycleAnnually:     365,
	CycleFree:         0,
	CycleCustom:       0,
}

// Days returns the cycle length. Zero means the plan does not recur.
func (c Cycle) Days() int {
	return cycleDays[c]
}

// Valid reports whether c is a known cycle
func (c Cycle) Valid() bool {
	_, ok := cycleDays[c]
	return ok
}

// PaymentMethod is how an organization pays its invoices
type PaymentMethod string

const (
	PaymentCreditCard PaymentMethod = "credit_card"
	PaymentPix        PaymentMethod = "pix"
	PaymentBoleto     PaymentMethod = "boleto"
	PaymentCustom     PaymentMethod = "custom"
)

// PlanState is the lifecycle state derived from a plan's fields
type PlanState string

const (
	StateTrialActive PlanState = "TRIAL_ACTIVE"
	StatePaidActive  PlanState = "PAID_ACTIVE"
	StateSuspended   PlanState = "SUSPENDED"
	StateCustom      PlanState = "CUSTOM"
)

// BillingPlan is the one plan every organization has
type BillingPlan struct {
	ID              int64           `json:"id"`
	OrganizationID  int64           `json:"organization_id"`
	Plan            PlanTier        `json:"plan"`
	Cycle           Cycle           `json:"cycle"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	NextDueDate     *time.Time      `json:"next_due_date,omitempty"`
	LastInvoiceDate *time.Time      `json:"last_invoice_date,omitempty"`
	TerminationDate *time.Time      `json:"termination_date,omitempty"`
	ContractOn      time.Time       `json:"contract_on"`
	IsActive        bool            `json:"is_active"`
	TrialEndDate    *time.Time      `json:"trial_end_date,omitempty"`
	StripeCustomer  string          `json:"-"`
	CardBrand       string          `json:"card_brand,omitempty"`
	CardLast4       string          `json:"card_last4,omitempty"`
	CardExpiration  string          `json:"card_expiration,omitempty"`
	CardholderName  string          `json:"cardholder_name,omitempty"`
	FixedDiscount   decimal.Decimal `json:"fixed_discount"`
	PersonalID      string          `json:"personal_identification_number,omitempty"`
	AdditionalInfo  string          `json:"additional_billing_information,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// State derives the lifecycle state
func (p *BillingPlan) State() PlanState {
	switch {
	case p.Plan == PlanCustom:
		return StateCustom
	case !p.IsActive:
		return StateSuspended
	case p.Plan == PlanTrial:
		return StateTrialActive
	default:
		return StatePaidActive
	}
}

// HasCard reports whether card metadata is cached on the plan
func (p *BillingPlan) HasCard() bool {
	return p.CardLast4 != ""
}

// PaymentStatus is an invoice's payment state
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentCanceled PaymentStatus = "canceled"
	PaymentFraud    PaymentStatus = "fraud"
)

// Invoice is one billing cycle's charge for an organization
type Invoice struct {
	ID                 int64           `json:"id"`
	OrganizationID     int64           `json:"organization_id"`
	InvoiceRandomID    int             `json:"invoice_random_id"`
	DueDate            *time.Time      `json:"due_date,omitempty"`
	PaidDate           *time.Time      `json:"paid_date,omitempty"`
	PaymentStatus      PaymentStatus   `json:"payment_status"`
	PaymentMethod      PaymentMethod   `json:"payment_method"`
	Discount           decimal.Decimal `json:"discount"`
	ChargeID           string          `json:"charge_id,omitempty"`
	CapturePayment     bool            `json:"capture_payment"`
	ExtraIntegration   int             `json:"extra_integration"`
	CostPerIntegration decimal.Decimal `json:"cost_per_integration"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	CreatedAt          time.Time       `json:"created_at"`

	Projects []*InvoiceProject `json:"projects,omitempty"`
}

// InvoiceProject is an invoice line item for one project
type InvoiceProject struct {
	ID           int64           `json:"id"`
	InvoiceID    int64           `json:"invoice_id"`
	ProjectID    *int64          `json:"project_id,omitempty"`
	ProjectName  string          `json:"project_name"`
	ContactCount int64           `json:"contact_count"`
	Amount       decimal.Decimal `json:"amount"`
}

// CreatePlanRequest describes the plan created with a new organization
type CreatePlanRequest struct {
	Plan           PlanTier      `json:"plan"`
	Cycle          Cycle         `json:"cycle"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	StripeCustomer string        `json:"stripe_customer,omitempty"`
}

// ChangePlanResult is the tagged outcome of ChangePlan. A FAILURE result
// means the requested tier was rejected and nothing changed.
type ChangePlanResult struct {
	Status  gateway.Status `json:"status"`
	Message string         `json:"message,omitempty"`
	Plan    *BillingPlan   `json:"plan,omitempty"`
	Invoice *Invoice       `json:"invoice,omitempty"`
}

// SweepResult summarizes one run of a periodic sweep
type SweepResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Service defines the billing plan state machine and invoice ledger
type Service interface {
	// Plan state machine
	CreatePlan(ctx context.Context, tx *sql.Tx, org *orgs.Organization, req *CreatePlanRequest) (*BillingPlan, error)
	GetPlan(ctx context.Context, orgID int64) (*BillingPlan, error)
	ChangePlan(ctx context.Context, orgID int64, tier PlanTier) (*ChangePlanResult, error)
	EndTrialPeriod(ctx context.Context, orgID int64) error
	ClosePlan(ctx context.Context, orgID int64) (*BillingPlan, error)
	ReactivatePlan(ctx context.Context, orgID int64) (*BillingPlan, error)
	RemoveCreditCard(ctx context.Context, orgID int64) (bool, error)
	UpdateCardData(ctx context.Context, orgID int64) (*BillingPlan, error)
	PlanPrice(tier PlanTier) (PlanPrice, error)

	// Invoice ledger
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	ListInvoices(ctx context.Context, orgID int64, limit int) ([]*Invoice, error)
	EnableCapture(ctx context.Context, invoiceID int64) (*Invoice, error)
	OnGatewayWebhook(ctx context.Context, event *gateway.Event) error

	// Periodic sweeps
	ExpireTrials(ctx context.Context, now time.Time) (SweepResult, error)
	CheckFreePlanLimits(ctx context.Context) (SweepResult, error)
	GenerateDueInvoices(ctx context.Context, now time.Time) (SweepResult, error)
	CapturePendingInvoices(ctx context.Context) (SweepResult, error)
	SyncContactCounts(ctx context.Context, now time.Time) (SweepResult, error)
}
