// Package billing implements the billing plan state machine and the invoice
// ledger for organizations.
//
// # Plans
//
// Every organization has exactly one plan. Its lifecycle state is derived
// from the stored fields:
//
//	TRIAL_ACTIVE --[EndTrialPeriod]--> SUSPENDED
//	any          --[ChangePlan]------> PAID_ACTIVE
//	PAID_ACTIVE  --[ClosePlan]-------> SUSPENDED
//	SUSPENDED    --[ReactivatePlan]--> PAID_ACTIVE
//	CUSTOM plans are managed by hand
//
// Every transition locks the organization row, updates the plan and the
// organization's suspended flag in one transaction, and only after commit
// pushes the flag to the flow engine for each provisioned project.
//
// # Pricing
//
// Prices come from a versioned Pricing table supplied by a PricingSource.
// FilePricingSource loads a YAML file and reloads it on change:
//
//	source, err := billing.NewFilePricingSource("/etc/orgplane/pricing.yaml", logger)
//	if err != nil {
//		return err
//	}
//	if err := source.Watch(ctx); err != nil {
//		return err
//	}
//	defer source.Close()
//
// Money is handled with shopspring/decimal and rounded half-up to cents
// before it is stored or charged.
//
// # Invoices
//
// GenerateDueInvoices bills each elapsed cycle with one line per project.
// CapturePendingInvoices charges pending credit card invoices at most once:
// the capture flag is cleared before the gateway is called, and a failed
// invoice is only retried after EnableCapture. Gateway webhooks settle
// charges asynchronously through OnGatewayWebhook.
//
// # Sweeps
//
// The periodic sweeps (ExpireTrials, CheckFreePlanLimits,
// GenerateDueInvoices, CapturePendingInvoices, SyncContactCounts) select
// candidates first and then process each organization in its own
// transaction with bounded concurrency. A failing organization is logged
// and counted without stopping the batch.
package billing
