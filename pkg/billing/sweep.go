package billing

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/orgplane/pkg/orgs"
)

// Job names used in logs and metrics
const (
	JobExpireTrials     = "expire_trials"
	JobFreePlanLimits   = "free_plan_limits"
	JobGenerateInvoices = "generate_invoices"
	JobCaptureInvoices  = "capture_invoices"
	JobSyncContacts     = "sync_contacts"
)

// Notices delivers customer-facing notifications raised by the sweeps
type Notices interface {
	FreePlanLimitExceeded(ctx context.Context, org *orgs.Organization, contacts, limit int64)
	CaptureFailed(ctx context.Context, orgID, invoiceID int64, reason string)
}

// LogNotices writes notices to the log
type LogNotices struct {
	Logger *logrus.Logger
}

// FreePlanLimitExceeded implements Notices
func (n LogNotices) FreePlanLimitExceeded(_ context.Context, org *orgs.Organization, contacts, limit int64) {
	n.Logger.WithFields(logrus.Fields{
		"organization_id": org.ID,
		"contacts":        contacts,
		"limit":           limit,
	}).Warn("Free plan contact limit exceeded, organization suspended")
}

// CaptureFailed implements Notices
func (n LogNotices) CaptureFailed(_ context.Context, orgID, invoiceID int64, reason string) {
	n.Logger.WithFields(logrus.Fields{
		"organization_id": orgID,
		"invoice_id":      invoiceID,
	}).Warnf("Invoice capture failed: %s", reason)
}

// ExpireTrials ends every active trial whose end date has passed
func (s *PostgresService) ExpireTrials(ctx context.Context, now time.Time) (SweepResult, error) {
	ids, err := s.selectIDs(ctx, `
		SELECT organization_id FROM billing_plans
		WHERE plan = 'trial' AND is_active AND trial_end_date < $1
		ORDER BY organization_id
	`, now)
	if err != nil {
		return SweepResult{}, err
	}
	return s.sweep(ctx, JobExpireTrials, ids, s.EndTrialPeriod)
}

// CheckFreePlanLimits suspends free organizations over the contact limit
func (s *PostgresService) CheckFreePlanLimits(ctx context.Context) (SweepResult, error) {
	ids, err := s.selectIDs(ctx, `
		SELECT bp.organization_id
		FROM billing_plans bp
		JOIN organizations o ON o.id = bp.organization_id
		WHERE bp.plan = 'free' AND NOT o.is_suspended
		ORDER BY bp.organization_id
	`)
	if err != nil {
		return SweepResult{}, err
	}
	return s.sweep(ctx, JobFreePlanLimits, ids, s.checkFreePlanLimit)
}

func (s *PostgresService) checkFreePlanLimit(ctx context.Context, orgID int64) error {
	limit := s.pricing.Current().FreeContactLimit

	var org *orgs.Organization
	var total int64
	exceeded := false
	_, err := s.mutate(ctx, orgID, func(tx *sql.Tx, plan *BillingPlan) (*cascade, error) {
		if plan.Plan != PlanFree {
			return nil, nil
		}
		var err error
		if org, err = orgs.LoadOrganization(ctx, tx, orgID); err != nil {
			return nil, err
		}
		if org.IsSuspended {
			return nil, nil
		}
		if total, err = orgs.ActiveContactTotal(ctx, tx, orgID); err != nil {
			return nil, err
		}
		if total <= limit {
			return nil, nil
		}
		exceeded = true
		return suspendOrganization(ctx, tx, orgID, true, "free_limit")
	})
	if err != nil {
		return err
	}
	if exceeded {
		s.notices.FreePlanLimitExceeded(ctx, org, total, limit)
	}
	return nil
}

// GenerateDueInvoices bills every organization whose cycle has elapsed
func (s *PostgresService) GenerateDueInvoices(ctx context.Context, now time.Time) (SweepResult, error) {
	ids, err := s.selectIDs(ctx, `
		SELECT bp.organization_id
		FROM billing_plans bp
		JOIN organizations o ON o.id = bp.organization_id
		WHERE bp.next_due_date <= $1 AND NOT o.is_suspended
		  AND bp.plan NOT IN ('trial', 'custom', 'enterprise')
		ORDER BY bp.organization_id
	`, now)
	if err != nil {
		return SweepResult{}, err
	}
	return s.sweep(ctx, JobGenerateInvoices, ids, func(ctx context.Context, orgID int64) error {
		_, err := s.generateInvoice(ctx, orgID, now)
		return err
	})
}

// CapturePendingInvoices charges every pending invoice armed for capture
func (s *PostgresService) CapturePendingInvoices(ctx context.Context) (SweepResult, error) {
	ids, err := s.selectIDs(ctx, `
		SELECT id FROM invoices
		WHERE payment_status = 'pending' AND capture_payment
		ORDER BY id
	`)
	if err != nil {
		return SweepResult{}, err
	}
	return s.sweep(ctx, JobCaptureInvoices, ids, func(ctx context.Context, invoiceID int64) error {
		_, err := s.capture(ctx, invoiceID)
		return err
	})
}

// SyncContactCounts refreshes project contact counters from the flow
// engine for every organization that is not suspended
func (s *PostgresService) SyncContactCounts(ctx context.Context, now time.Time) (SweepResult, error) {
	if s.usage == nil {
		s.logger.Debug("No usage source configured, skipping contact sync")
		return SweepResult{}, nil
	}
	ids, err := s.selectIDs(ctx, `SELECT id FROM organizations WHERE NOT is_suspended ORDER BY id`)
	if err != nil {
		return SweepResult{}, err
	}
	return s.sweep(ctx, JobSyncContacts, ids, func(ctx context.Context, orgID int64) error {
		return s.syncOrganization(ctx, orgID, now)
	})
}

// sweep runs fn for every id with bounded concurrency. A failing item is
// logged and counted; it does not stop the others.
func (s *PostgresService) sweep(ctx context.Context, job string, ids []int64, fn func(context.Context, int64) error) (SweepResult, error) {
	var (
		mu     sync.Mutex
		result SweepResult
	)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := fn(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				s.metrics.RecordJobOrganization(job, "failed")
				s.logger.WithFields(logrus.Fields{
					"job": job,
					"id":  id,
				}).WithError(err).Error("Sweep item failed")
				return nil
			}
			result.Processed++
			s.metrics.RecordJobOrganization(job, "ok")
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *PostgresService) selectIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select sweep candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan sweep candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
