// Package api provides the HTTP REST API of the control plane.
//
// # Overview
//
// The API is built on gorilla/mux and organized into handler groups that
// each register their own routes under /api/v1:
//
//   - OrgHandlers: organizations, projects, members, and invites
//   - BillingHandlers: billing plan, stored card, invoices, and the
//     payment gateway webhook
//
// Every endpoint except the webhook and the price list requires an
// authenticated identity. Options.Authenticate is normally
// identity.BearerMiddleware, which verifies an OIDC ID token and stores the
// identity in the request context.
//
// # Authorization
//
// Handlers resolve the caller's organization authorization (created lazily
// as NOT_SET) and check the capability the endpoint needs: read for
// lookups, write for organization changes, billing contribution for plan
// and card changes. Role changes and lifecycle operations check
// permissions inside pkg/authz and pkg/controlplane.
//
// # Errors
//
// Domain errors are written through httputil.WriteDomainError:
//
//	PermissionDenied     403
//	InvalidArgument      400
//	NotFound             404
//	StateConflict        409
//	ExternalServiceError 502
//
// # Usage
//
//	server := api.NewServer(api.Options{
//		Logger:       logger,
//		Metrics:      metrics,
//		Authenticate: identity.BearerMiddleware(verifier, identities),
//	},
//		api.NewOrgHandlers(lifecycle, orgService, authzService, identities),
//		api.NewBillingHandlers(billingService, authzService, stripeGateway),
//	)
//	http.ListenAndServe(":8080", otelhttp.NewHandler(server, "orgplane"))
package api
