package jobs

import (
	"context"
	"time"

	"github.com/platinummonkey/orgplane/pkg/billing"
	"github.com/platinummonkey/orgplane/pkg/config"
)

// BillingJobs binds the billing sweeps to their configured schedules.
// now is evaluated at the start of every run.
func BillingJobs(svc billing.Service, cfg config.JobsConfig, now func() time.Time) []Job {
	if now == nil {
		now = time.Now
	}
	return []Job{
		{
			Name:     billing.JobExpireTrials,
			Schedule: cfg.TrialExpirySchedule,
			Run: func(ctx context.Context) (billing.SweepResult, error) {
				return svc.ExpireTrials(ctx, now().UTC())
			},
		},
		{
			Name:     billing.JobFreePlanLimits,
			Schedule: cfg.FreePlanLimitSchedule,
			Run:      svc.CheckFreePlanLimits,
		},
		{
			Name:     billing.JobGenerateInvoices,
			Schedule: cfg.InvoiceGenerationSchedule,
			Run: func(ctx context.Context) (billing.SweepResult, error) {
				return svc.GenerateDueInvoices(ctx, now().UTC())
			},
		},
		{
			Name:     billing.JobCaptureInvoices,
			Schedule: cfg.InvoiceCaptureSchedule,
			Run:      svc.CapturePendingInvoices,
		},
		{
			Name:     billing.JobSyncContacts,
			Schedule: cfg.ContactSyncSchedule,
			Run: func(ctx context.Context) (billing.SweepResult, error) {
				return svc.SyncContactCounts(ctx, now().UTC())
			},
		},
	}
}
