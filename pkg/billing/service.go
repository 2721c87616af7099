package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/gateway"
	"github.com/platinummonkey/orgplane/pkg/observability"
	"github.com/platinummonkey/orgplane/pkg/orgs"
	"github.com/platinummonkey/orgplane/pkg/provisioning"
	"github.com/platinummonkey/orgplane/pkg/storage/postgres"
)

const gatewayService = "payment gateway"

const planColumns = `id, organization_id, plan, cycle, payment_method, next_due_date, last_invoice_date,
		       termination_date, contract_on, is_active, trial_end_date, COALESCE(stripe_customer, ''),
		       COALESCE(card_brand, ''), COALESCE(card_last4, ''), COALESCE(card_expiration, ''),
		       COALESCE(cardholder_name, ''), fixed_discount, COALESCE(personal_identification_number, ''),
		       COALESCE(additional_billing_information, ''), created_at`

// Archiver stores a copy of captured invoices
type Archiver interface {
	PutJSON(ctx context.Context, key string, v any) error
}

// Options wires the billing service's collaborators. Only Gateway is
// required; the rest have working defaults.
type Options struct {
	Gateway  gateway.Gateway
	Notifier *provisioning.Notifier
	// Usage feeds SyncContactCounts
	Usage   provisioning.Orchestrator
	Pricing PricingSource
	Counter ContactCounter
	Archive Archiver
	Notices Notices

	// CardExemptPlans are tiers that stay unsuspended without a card
	CardExemptPlans []PlanTier
	Concurrency     int

	Metrics *observability.Metrics
	Logger  *logrus.Logger
	Now     func() time.Time
}

// PostgresService implements the Service interface using PostgreSQL.
// Every mutation locks the organization row first.
type PostgresService struct {
	db          *sql.DB
	gateway     gateway.Gateway
	notifier    *provisioning.Notifier
	usage       provisioning.Orchestrator
	pricing     PricingSource
	counter     ContactCounter
	archive     Archiver
	notices     Notices
	cardExempt  map[PlanTier]bool
	concurrency int
	metrics     *observability.Metrics
	logger      *logrus.Logger
	now         func() time.Time
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, opts Options) *PostgresService {
	if opts.Pricing == nil {
		opts.Pricing = NewStaticPricing(DefaultPricing())
	}
	if opts.Counter == nil {
		opts.Counter = SQLContactCounter{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Notices == nil {
		opts.Notices = LogNotices{Logger: opts.Logger}
	}
	if opts.CardExemptPlans == nil {
		opts.CardExemptPlans = []PlanTier{PlanCustom}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	exempt := make(map[PlanTier]bool, len(opts.CardExemptPlans))
	for _, tier := range opts.CardExemptPlans {
		exempt[tier] = true
	}

	return &PostgresService{
		db:          db,
		gateway:     opts.Gateway,
		notifier:    opts.Notifier,
		usage:       opts.Usage,
		pricing:     opts.Pricing,
		counter:     opts.Counter,
		archive:     opts.Archive,
		notices:     opts.Notices,
		cardExempt:  exempt,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// PlanStep returns the organization creation step that creates the plan
func (s *PostgresService) PlanStep(req *CreatePlanRequest) orgs.TxStep {
	return func(ctx context.Context, tx *sql.Tx, org *orgs.Organization) error {
		_, err := s.CreatePlan(ctx, tx, org, req)
		return err
	}
}

// CreatePlan creates the organization's plan inside tx. A TRIAL plan gets
// its trial end date. Any other plan starts paid: the organization is left
// unsuspended and, for priced tiers, a pending setup invoice is recorded
// for the capture job.
func (s *PostgresService) CreatePlan(ctx context.Context, tx *sql.Tx, org *orgs.Organization, req *CreatePlanRequest) (*BillingPlan, error) {
	if req.Cycle == "" {
		req.Cycle = CycleMonthly
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = PaymentCreditCard
	}
	if !req.Cycle.Valid() {
		return nil, apperrors.InvalidArgument("unknown billing cycle %q", req.Cycle)
	}

	pricing := s.pricing.Current()
	var price PlanPrice
	if req.Plan != PlanCustom {
		var err error
		if price, err = pricing.PlanPrice(req.Plan); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	plan := &BillingPlan{
		OrganizationID: org.ID,
		Plan:           req.Plan,
		Cycle:          req.Cycle,
		PaymentMethod:  req.PaymentMethod,
		ContractOn:     now,
		IsActive:       true,
		StripeCustomer: req.StripeCustomer,
		FixedDiscount:  decimal.Zero,
	}
	if req.Plan == PlanTrial {
		trialEnd := TrialEnd(now)
		plan.TrialEndDate = &trialEnd
	} else if days := req.Cycle.Days(); days > 0 && price.Price.IsPositive() {
		next := now.AddDate(0, 1, 0)
		plan.NextDueDate = &next
	}

	query := `
		INSERT INTO billing_plans (organization_id, plan, cycle, payment_method, next_due_date,
		                           contract_on, is_active, trial_end_date, stripe_customer)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := tx.QueryRowContext(ctx, query,
		plan.OrganizationID, plan.Plan, plan.Cycle, plan.PaymentMethod, plan.NextDueDate,
		plan.ContractOn, plan.IsActive, plan.TrialEndDate, nullString(plan.StripeCustomer),
	).Scan(&plan.ID, &plan.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, apperrors.StateConflict("organization %d already has a billing plan", org.ID)
		}
		return nil, fmt.Errorf("failed to create billing plan: %w", err)
	}

	if plan.Plan == PlanTrial {
		s.metrics.RecordPlanTransition("create_trial")
		return plan, nil
	}

	if err := orgs.MarkSuspended(ctx, tx, org.ID, false); err != nil {
		return nil, err
	}
	if price.Price.IsPositive() {
		inv := &Invoice{
			OrganizationID:     org.ID,
			DueDate:            &now,
			PaymentStatus:      PaymentPending,
			PaymentMethod:      plan.PaymentMethod,
			Discount:           decimal.Zero,
			CapturePayment:     plan.PaymentMethod == PaymentCreditCard,
			CostPerIntegration: decimal.Zero,
			TotalAmount:        RoundMoney(price.Price),
		}
		if err := insertInvoice(ctx, tx, inv); err != nil {
			return nil, err
		}
	}
	s.metrics.RecordPlanTransition("create_paid")
	return plan, nil
}

// TrialEnd returns the trial expiry for a plan created at t: one month
// later, at the last instant of that day in UTC.
func TrialEnd(t time.Time) time.Time {
	end := t.UTC().AddDate(0, 1, 0)
	return time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 999999000, time.UTC)
}

// GetPlan retrieves an organization's plan
func (s *PostgresService) GetPlan(ctx context.Context, orgID int64) (*BillingPlan, error) {
	return loadPlan(ctx, s.db, orgID)
}

// PlanPrice looks a tier up in the current pricing table
func (s *PostgresService) PlanPrice(tier PlanTier) (PlanPrice, error) {
	return s.pricing.Current().PlanPrice(tier)
}

// ChangePlan moves the organization to a paid tier. The tier price is
// charged while the organization is locked; the plan update, the
// unsuspension and a PAID invoice for the charged amount commit together.
// A declined charge leaves the plan untouched and returns an
// ExternalService error asking the caller to retry.
func (s *PostgresService) ChangePlan(ctx context.Context, orgID int64, tier PlanTier) (*ChangePlanResult, error) {
	pricing := s.pricing.Current()
	if _, err := pricing.PlanPrice(tier); err != nil {
		return &ChangePlanResult{Status: gateway.StatusFailure, Message: "Invalid plan choice"}, nil
	}
	if !pricing.Chargeable(tier) {
		return &ChangePlanResult{
			Status:  gateway.StatusFailure,
			Message: fmt.Sprintf("Plan %s cannot be purchased", tier),
		}, nil
	}
	price := pricing.Tiers[tier]

	var charged *gateway.Result
	var inv *Invoice
	plan, err := s.mutate(ctx, orgID, func(tx *sql.Tx, plan *BillingPlan) (*cascade, error) {
		res, err := s.gateway.Purchase(ctx, RoundMoney(price.Price), plan.StripeCustomer)
		if err != nil {
			return nil, apperrors.ExternalService(gatewayService, fmt.Errorf("charge failed, please retry: %w", err))
		}
		if !res.Succeeded() {
			return nil, apperrors.ExternalService(gatewayService, fmt.Errorf("charge declined, please retry: %s", res.Message))
		}
		charged = &res

		now := s.now().UTC()
		next := now.AddDate(0, 1, 0)
		plan.Plan = tier
		plan.ContractOn = now
		plan.NextDueDate = &next
		plan.IsActive = true
		plan.TerminationDate = nil
		if err := savePlanState(ctx, tx, plan); err != nil {
			return nil, err
		}

		amount := res.Amount
		if amount.IsZero() {
			amount = price.Price
		}
		inv = &Invoice{
			OrganizationID:     orgID,
			DueDate:            &now,
			PaidDate:           &now,
			PaymentStatus:      PaymentPaid,
			PaymentMethod:      plan.PaymentMethod,
			Discount:           decimal.Zero,
			ChargeID:           res.ChargeID,
			CostPerIntegration: decimal.Zero,
			TotalAmount:        RoundMoney(amount),
		}
		if err := insertInvoice(ctx, tx, inv); err != nil {
			return nil, err
		}
		return suspendOrganization(ctx, tx, orgID, false, "change_plan")
	})
	if err != nil {
		if charged != nil {
			s.refundOrphanedCharge(ctx, orgID, charged.ChargeID, err)
		}
		return nil, err
	}

	return &ChangePlanResult{Status: gateway.StatusSuccess, Plan: plan, Invoice: inv}, nil
}

// refundOrphanedCharge reverses a charge whose plan change did not commit
func (s *PostgresService) refundOrphanedCharge(ctx context.Context, orgID int64, chargeID string, cause error) {
	entry := s.logger.WithFields(logrus.Fields{
		"organization_id": orgID,
		"charge_id":       chargeID,
	}).WithError(cause)
	if chargeID == "" {
		entry.Error("Plan change rolled back after a charge without reference")
		return
	}
	res, err := s.gateway.Refund(context.WithoutCancel(ctx), chargeID)
	if err != nil || !res.Succeeded() {
		entry.Error("Plan change rolled back and the charge could not be refunded")
		return
	}
	entry.Warn("Plan change rolled back, charge refunded")
}

// EndTrialPeriod suspends an expired trial. Calling it on an inactive plan
// is a no-op, so projects are suspended at most once.
func (s *PostgresService) EndTrialPeriod(ctx context.Context, orgID int64) error {
	_, err := s.mutate(ctx, orgID, func(tx *sql.Tx, plan *BillingPlan) (*cascade, error) {
		if !plan.IsActive {
			return nil, nil
		}
		if plan.Plan != PlanTrial {
			return nil, apperrors.StateConflict("organization %d is not on a trial plan", orgID)
		}
		plan.IsActive = false
		if err := savePlanState(ctx, tx, plan); err != nil {
			return nil, err
		}
		return suspendOrganization(ctx, tx, orgID, true, "end_trial")
	})
	return err
}

// ClosePlan terminates an active plan and suspends the organization
func (s *PostgresService) ClosePlan(ctx context.Context, orgID int64) (*BillingPlan, error) {
	return s.mutate(ctx, orgID, func(tx *sql.Tx, plan *BillingPlan) (*cascade, error) {
		if !plan.IsActive {
			return nil, apperrors.StateConflict("billing plan is not active")
		}
		now := s.now().UTC()
		plan.IsActive = false
		plan.TerminationDate = &now
		if err := savePlanState(ctx, tx, plan); err != nil {
			return nil, err
		}
		return suspendOrganization(ctx, tx, orgID, true, "close")
	})
}

// ReactivatePlan reopens a suspended plan
func (s *PostgresService) ReactivatePlan(ctx context.Context, orgID int64) (*BillingPlan, error) {
	return s.mutate(ctx, orgID, func(tx *sql.Tx, plan *BillingPlan) (*cascade, error) {
		if plan.IsActive {
			return nil, apperrors.StateConflict("billing plan is already active")
		}
		plan.IsActive = true
		plan.TerminationDate = nil
		plan.ContractOn = s.now().UTC()
		if err := savePlanState(ctx, tx, plan); err != nil {
			return nil, err
		}
		return suspendOrganization(ctx, tx, orgID, false, "reactivate")
	})
}

// RemoveCreditCard removes the customer's cards at the gateway and clears
// the cached card fields. Organizations whose tier needs a card are
// suspended. Returns false, without any change, when the gateway refuses.
func (s *PostgresService) RemoveCreditCard(ctx context.Context, orgID int64) (bool, error) {
	current, err := loadPlan(ctx, s.db, orgID)
	if err != nil {
		return false, err
	}

	res, err := s.gateway.Unstore(ctx, current.StripeCustomer)
	if err != nil {
		return false, apperrors.ExternalService(gatewayService, err)
	}
	if !res.Succeeded() {
		s.logger.WithField("organization_id", orgID).Infof("Card removal refused by gateway: %s", res.Message)
		return false, nil
	}

	_, err = s.mutate(ctx, orgID, func(tx *sql.Tx, plan *BillingPlan) (*cascade, error) {
		plan.CardBrand, plan.CardLast4, plan.CardExpiration, plan.CardholderName = "", "", "", ""
		if err := saveCardData(ctx, tx, plan); err != nil {
			return nil, err
		}
		if s.cardExempt[plan.Plan] {
			return nil, nil
		}
		return suspendOrganization(ctx, tx, orgID, true, "remove_card")
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateCardData refreshes the cached card metadata from the gateway
func (s *PostgresService) UpdateCardData(ctx context.Context, orgID int64) (*BillingPlan, error) {
	current, err := loadPlan(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if current.StripeCustomer == "" {
		return nil, apperrors.StateConflict("organization %d has no payment customer", orgID)
	}

	card, err := s.gateway.GetCardData(ctx, current.StripeCustomer)
	if err != nil {
		return nil, apperrors.ExternalService(gatewayService, err)
	}

	return s.mutate(ctx, orgID, func(tx *sql.Tx, plan *BillingPlan) (*cascade, error) {
		plan.CardBrand, plan.CardLast4, plan.CardExpiration, plan.CardholderName = "", "", "", ""
		if card != nil {
			plan.CardBrand = card.Brand
			plan.CardLast4 = card.Last4
			plan.CardExpiration = card.Expiration
			plan.CardholderName = card.Holder
		}
		return nil, saveCardData(ctx, tx, plan)
	})
}

// cascade is the post-commit half of a plan transition
type cascade struct {
	transition string
	refs       []provisioning.ProjectRef
	suspended  bool
}

// mutate runs fn against the locked plan of an organization and applies
// the returned cascade once the transaction has committed.
func (s *PostgresService) mutate(ctx context.Context, orgID int64, fn func(tx *sql.Tx, plan *BillingPlan) (*cascade, error)) (*BillingPlan, error) {
	var plan *BillingPlan
	var c *cascade
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := postgres.LockOrganization(ctx, tx, orgID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.NotFound("organization")
			}
			return fmt.Errorf("failed to lock organization: %w", err)
		}
		var err error
		if plan, err = loadPlan(ctx, tx, orgID); err != nil {
			return err
		}
		c, err = fn(tx, plan)
		return err
	})
	if err != nil {
		return nil, err
	}

	if c != nil {
		s.metrics.RecordPlanTransition(c.transition)
		s.logger.WithFields(logrus.Fields{
			"organization_id": orgID,
			"transition":      c.transition,
			"projects":        len(c.refs),
		}).Info("Billing plan transition")
		if s.notifier != nil && len(c.refs) > 0 {
			s.notifier.ProjectsSuspended(ctx, c.refs, c.suspended)
		}
	}
	return plan, nil
}

// suspendOrganization flips the organization flag inside tx and returns the
// project notifications to send after commit.
func suspendOrganization(ctx context.Context, tx *sql.Tx, orgID int64, suspended bool, transition string) (*cascade, error) {
	if err := orgs.MarkSuspended(ctx, tx, orgID, suspended); err != nil {
		return nil, err
	}
	projects, err := orgs.ProjectsOf(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	return &cascade{
		transition: transition,
		refs:       provisioning.RefsOf(projects),
		suspended:  suspended,
	}, nil
}

func loadPlan(ctx context.Context, q postgres.DBTX, orgID int64) (*BillingPlan, error) {
	query := `SELECT ` + planColumns + ` FROM billing_plans WHERE organization_id = $1`
	plan, err := scanPlan(q.QueryRowContext(ctx, query, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("billing plan")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing plan: %w", err)
	}
	return plan, nil
}

func scanPlan(row *sql.Row) (*BillingPlan, error) {
	p := &BillingPlan{}
	err := row.Scan(
		&p.ID, &p.OrganizationID, &p.Plan, &p.Cycle, &p.PaymentMethod, &p.NextDueDate, &p.LastInvoiceDate,
		&p.TerminationDate, &p.ContractOn, &p.IsActive, &p.TrialEndDate, &p.StripeCustomer,
		&p.CardBrand, &p.CardLast4, &p.CardExpiration,
		&p.CardholderName, &p.FixedDiscount, &p.PersonalID,
		&p.AdditionalInfo, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func savePlanState(ctx context.Context, tx *sql.Tx, p *BillingPlan) error {
	query := `
		UPDATE billing_plans
		SET plan = $1, is_active = $2, termination_date = $3, contract_on = $4,
		    next_due_date = $5, last_invoice_date = $6
		WHERE organization_id = $7
	`
	_, err := tx.ExecContext(ctx, query,
		p.Plan, p.IsActive, p.TerminationDate, p.ContractOn,
		p.NextDueDate, p.LastInvoiceDate, p.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update billing plan: %w", err)
	}
	return nil
}

func saveCardData(ctx context.Context, tx *sql.Tx, p *BillingPlan) error {
	query := `
		UPDATE billing_plans
		SET card_brand = $1, card_last4 = $2, card_expiration = $3, cardholder_name = $4
		WHERE organization_id = $5
	`
	_, err := tx.ExecContext(ctx, query,
		nullString(p.CardBrand), nullString(p.CardLast4), nullString(p.CardExpiration),
		nullString(p.CardholderName), p.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update card data: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
