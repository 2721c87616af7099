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
	"github.com/platinummonkey/orgplane/pkg/orgs"
	"github.com/platinummonkey/orgplane/pkg/provisioning"
	"github.com/platinummonkey/orgplane/pkg/storage/postgres"
)

const invoiceColumns = `id, organization_id, invoice_random_id, due_date, paid_date, payment_status,
		       payment_method, discount, COALESCE(stripe_charge_id, ''), capture_payment,
		       extra_integration, cost_per_integration, total_amount, created_at`

const (
	defaultInvoiceLimit = 50
	maxInvoiceLimit     = 500
)

// cardInvalidator is implemented by gateways that cache card data
type cardInvalidator interface {
	InvalidateCard(customer string)
}

// GetInvoice retrieves an invoice with its line items
func (s *PostgresService) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("invoice")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	lines, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, project_id, project_name, contact_count, amount
		FROM invoice_projects
		WHERE invoice_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice projects: %w", err)
	}
	defer lines.Close()

	for lines.Next() {
		line := &InvoiceProject{}
		if err := lines.Scan(&line.ID, &line.InvoiceID, &line.ProjectID, &line.ProjectName,
			&line.ContactCount, &line.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan invoice project: %w", err)
		}
		inv.Projects = append(inv.Projects, line)
	}
	return inv, lines.Err()
}

// ListInvoices lists an organization's invoices, newest first, without
// line items
func (s *PostgresService) ListInvoices(ctx context.Context, orgID int64, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = defaultInvoiceLimit
	}
	if limit > maxInvoiceLimit {
		limit = maxInvoiceLimit
	}

	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE organization_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	invoices := []*Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// EnableCapture re-arms automatic capture on a pending invoice after a
// failed attempt
func (s *PostgresService) EnableCapture(ctx context.Context, invoiceID int64) (*Invoice, error) {
	inv, err := s.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.PaymentStatus != PaymentPending {
		return nil, apperrors.StateConflict("invoice %d is %s", invoiceID, inv.PaymentStatus)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET capture_payment = true
		WHERE id = $1 AND payment_status = 'pending'
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to enable capture: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.StateConflict("invoice %d is no longer pending", invoiceID)
	}
	inv.CapturePayment = true
	return inv, nil
}

// generateInvoice bills one organization's elapsed cycle. It returns false
// when the organization no longer qualifies once locked.
func (s *PostgresService) generateInvoice(ctx context.Context, orgID int64, now time.Time) (bool, error) {
	pricing := s.pricing.Current()
	generated := false

	_, err := s.mutate(ctx, orgID, func(tx *sql.Tx, plan *BillingPlan) (*cascade, error) {
		org, err := orgs.LoadOrganization(ctx, tx, orgID)
		if err != nil {
			return nil, err
		}
		if org.IsSuspended || !invoiceable(plan.Plan) || plan.NextDueDate == nil || plan.NextDueDate.After(now) {
			return nil, nil
		}

		projects, err := orgs.ProjectsOf(ctx, tx, orgID)
		if err != nil {
			return nil, err
		}

		start := org.CreatedAt
		if plan.LastInvoiceDate != nil {
			start = *plan.LastInvoiceDate
		}
		window := provisioning.Window{Start: start, End: *plan.NextDueDate}

		inv := &Invoice{
			OrganizationID:     orgID,
			DueDate:            plan.NextDueDate,
			PaymentStatus:      PaymentPending,
			PaymentMethod:      plan.PaymentMethod,
			Discount:           plan.FixedDiscount,
			CapturePayment:     plan.PaymentMethod == PaymentCreditCard,
			ExtraIntegration:   org.ExtraIntegration,
			CostPerIntegration: pricing.ExtraIntegrationCost,
		}
		for _, p := range projects {
			line, err := s.invoiceLine(ctx, tx, p, plan.Plan, window, pricing)
			if err != nil {
				return nil, err
			}
			inv.ExtraIntegration += p.ExtraIntegration
			inv.Projects = append(inv.Projects, line)
		}
		inv.TotalAmount = TotalInvoiceAmount(inv, pricing)

		if err := insertInvoice(ctx, tx, inv); err != nil {
			return nil, err
		}

		if days := plan.Cycle.Days(); days > 0 {
			next := plan.NextDueDate.AddDate(0, 0, days)
			plan.NextDueDate = &next
		} else {
			plan.NextDueDate = nil
		}
		plan.LastInvoiceDate = &now
		if err := savePlanState(ctx, tx, plan); err != nil {
			return nil, err
		}
		generated = true
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	if generated {
		s.metrics.RecordInvoiceGenerated()
	}
	return generated, nil
}

// invoiceLine counts inside the invoice transaction under a savepoint, so a
// failed count bills zero contacts without aborting the transaction.
func (s *PostgresService) invoiceLine(ctx context.Context, tx *sql.Tx, p *orgs.Project, tier PlanTier, window provisioning.Window, pricing *Pricing) (*InvoiceProject, error) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT contact_count"); err != nil {
		return nil, fmt.Errorf("failed to set contact count savepoint: %w", err)
	}
	count, err := s.counter.CountContacts(ctx, tx, p.ID, tier, window)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"organization_id": p.OrganizationID,
			"project_id":      p.ID,
		}).WithError(err).Warn("Contact count failed, billing zero contacts")
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT contact_count"); rbErr != nil {
			return nil, fmt.Errorf("failed to roll back contact count: %w", rbErr)
		}
		count = 0
	} else if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT contact_count"); err != nil {
		return nil, fmt.Errorf("failed to release contact count savepoint: %w", err)
	}

	projectID := p.ID
	return &InvoiceProject{
		ProjectID:    &projectID,
		ProjectName:  p.Name,
		ContactCount: count,
		Amount:       RoundMoney(pricing.ActiveContactsAmount(count)),
	}, nil
}

func invoiceable(tier PlanTier) bool {
	switch tier {
	case PlanTrial, PlanCustom, PlanEnterprise:
		return false
	}
	return true
}

// capture charges one pending invoice. The capture flag is cleared before
// the gateway is called, so an invoice is charged at most once; a failed
// attempt stays disarmed until EnableCapture.
func (s *PostgresService) capture(ctx context.Context, invoiceID int64) (bool, error) {
	var orgID int64
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		UPDATE invoices SET capture_payment = false
		WHERE id = $1 AND payment_status = 'pending' AND capture_payment
		RETURNING organization_id, total_amount
	`, invoiceID).Scan(&orgID, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim invoice: %w", err)
	}

	var customer string
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(stripe_customer, '') FROM billing_plans WHERE organization_id = $1`, orgID,
	).Scan(&customer)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to get payment customer: %w", err)
	}

	res, err := s.gateway.Purchase(ctx, RoundMoney(total), customer)
	if err != nil {
		s.metrics.RecordInvoiceCapture("failed")
		s.notices.CaptureFailed(ctx, orgID, invoiceID, err.Error())
		return false, apperrors.ExternalService(gatewayService, err)
	}
	if !res.Succeeded() {
		s.metrics.RecordInvoiceCapture("failed")
		s.notices.CaptureFailed(ctx, orgID, invoiceID, res.Message)
		return false, fmt.Errorf("invoice %d declined: %s", invoiceID, res.Message)
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE invoices SET payment_status = 'paid', paid_date = $1, stripe_charge_id = $2
		WHERE id = $3
	`, now, nullString(res.ChargeID), invoiceID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"invoice_id": invoiceID,
			"charge_id":  res.ChargeID,
		}).WithError(err).Error("Invoice charged but not marked paid")
		return false, fmt.Errorf("failed to mark invoice paid: %w", err)
	}
	s.metrics.RecordInvoiceCapture("paid")
	s.archiveInvoice(ctx, orgID, invoiceID)
	return true, nil
}

func (s *PostgresService) archiveInvoice(ctx context.Context, orgID, invoiceID int64) {
	if s.archive == nil {
		return
	}
	inv, err := s.GetInvoice(ctx, invoiceID)
	if err == nil {
		err = s.archive.PutJSON(ctx, fmt.Sprintf("invoices/%d/%d.json", orgID, invoiceID), inv)
	}
	if err != nil {
		s.logger.WithField("invoice_id", invoiceID).WithError(err).Warn("Failed to archive invoice")
	}
}

// OnGatewayWebhook applies a verified gateway event to the ledger. Events
// for charges the ledger does not know are ignored.
func (s *PostgresService) OnGatewayWebhook(ctx context.Context, event *gateway.Event) error {
	applied, err := s.applyWebhook(ctx, event)
	if err != nil {
		s.metrics.RecordWebhookEvent(string(event.Type), "error")
		return err
	}

	outcome := "ignored"
	if applied {
		outcome = "applied"
	}
	s.metrics.RecordWebhookEvent(string(event.Type), outcome)
	s.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"outcome":    outcome,
	}).Debug("Gateway webhook processed")
	return nil
}

func (s *PostgresService) applyWebhook(ctx context.Context, event *gateway.Event) (bool, error) {
	switch event.Type {
	case gateway.EventChargeSucceeded:
		status := PaymentPaid
		if event.Disputed {
			status = PaymentFraud
		}
		return s.updateByCharge(ctx, `
			UPDATE invoices SET payment_status = $1, paid_date = COALESCE(paid_date, $2)
			WHERE stripe_charge_id = $3 AND payment_status <> 'fraud'
		`, status, s.now().UTC(), event.ChargeRef)

	case gateway.EventChargeFailed:
		return s.updateByCharge(ctx, `
			UPDATE invoices SET payment_status = $1
			WHERE stripe_charge_id = $2 AND payment_status <> 'fraud'
		`, PaymentPending, event.ChargeRef)

	case gateway.EventChargeDisputeCreated:
		return s.updateByCharge(ctx, `
			UPDATE invoices SET payment_status = $1 WHERE stripe_charge_id = $2
		`, PaymentFraud, event.ChargeRef)

	case gateway.EventPaymentMethodAttached:
		if event.CustomerRef == "" {
			return false, nil
		}
		var orgID int64
		err := s.db.QueryRowContext(ctx,
			`SELECT organization_id FROM billing_plans WHERE stripe_customer = $1`, event.CustomerRef,
		).Scan(&orgID)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to find plan by customer: %w", err)
		}
		if inv, ok := s.gateway.(cardInvalidator); ok {
			inv.InvalidateCard(event.CustomerRef)
		}
		if _, err := s.UpdateCardData(ctx, orgID); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (s *PostgresService) updateByCharge(ctx context.Context, query string, args ...any) (bool, error) {
	chargeRef, _ := args[len(args)-1].(string)
	if chargeRef == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update invoice by charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update invoice by charge: %w", err)
	}
	return n > 0, nil
}

// syncOrganization refreshes the contact counters of one organization's
// projects from the flow engine
func (s *PostgresService) syncOrganization(ctx context.Context, orgID int64, now time.Time) error {
	org, err := orgs.LoadOrganization(ctx, s.db, orgID)
	if err != nil {
		return err
	}
	start := org.CreatedAt
	plan, err := loadPlan(ctx, s.db, orgID)
	switch {
	case err == nil && plan.LastInvoiceDate != nil:
		start = *plan.LastInvoiceDate
	case err != nil && !apperrors.IsNotFound(err):
		return err
	}

	projects, err := orgs.ProjectsOf(ctx, s.db, orgID)
	if err != nil {
		return err
	}

	window := provisioning.Window{Start: start, End: now}
	var failed int
	for _, ref := range provisioning.RefsOf(projects) {
		count, err := s.usage.GetUsage(ctx, ref, window)
		if err == nil {
			err = orgs.SetContactCount(ctx, s.db, ref.ProjectID, count)
		}
		if err != nil {
			failed++
			s.logger.WithFields(logrus.Fields{
				"organization_id": orgID,
				"project_id":      ref.ProjectID,
			}).WithError(err).Warn("Contact counter sync failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d project counters not synced", failed)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	err := row.Scan(
		&inv.ID, &inv.OrganizationID, &inv.InvoiceRandomID, &inv.DueDate, &inv.PaidDate, &inv.PaymentStatus,
		&inv.PaymentMethod, &inv.Discount, &inv.ChargeID, &inv.CapturePayment,
		&inv.ExtraIntegration, &inv.CostPerIntegration, &inv.TotalAmount, &inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// insertInvoice stores inv and its line items. The organization must be
// locked by tx: the per-organization sequence number is derived from the
// current maximum.
func insertInvoice(ctx context.Context, tx *sql.Tx, inv *Invoice) error {
	query := `
		INSERT INTO invoices (organization_id, invoice_random_id, due_date, paid_date, payment_status,
		                      payment_method, discount, stripe_charge_id, capture_payment,
		                      extra_integration, cost_per_integration, total_amount)
		VALUES ($1, (SELECT COALESCE(MAX(invoice_random_id), 0) + 1 FROM invoices WHERE organization_id = $1),
		        $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, invoice_random_id, created_at
	`
	err := tx.QueryRowContext(ctx, query,
		inv.OrganizationID, inv.DueDate, inv.PaidDate, inv.PaymentStatus,
		inv.PaymentMethod, inv.Discount, nullString(inv.ChargeID), inv.CapturePayment,
		inv.ExtraIntegration, inv.CostPerIntegration, inv.TotalAmount,
	).Scan(&inv.ID, &inv.InvoiceRandomID, &inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}

	for _, line := range inv.Projects {
		line.InvoiceID = inv.ID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO invoice_projects (invoice_id, project_id, project_name, contact_count, amount)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, line.InvoiceID, line.ProjectID, line.ProjectName, line.ContactCount, line.Amount).Scan(&line.ID)
		if err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return apperrors.NotFound("project")
			}
			return fmt.Errorf("failed to create invoice project: %w", err)
		}
	}
	return nil
}
