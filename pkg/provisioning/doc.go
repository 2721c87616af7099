// Package provisioning propagates control-plane changes to sibling
// services (the flow engine and intelligence service).
//
// Orchestrator is the outbound port. RESTClient implements it over the
// flow engine's internal HTTP API with client-credentials auth; idempotent
// calls are retried with exponential backoff while ProvisionProject is
// attempted once. Notifier runs notifications in the background after the
// local transaction has committed:
//
//	notifier := provisioning.NewNotifier(client, logger, metrics)
//	notifier.PermissionChanged(ctx, changes...)
package provisioning
