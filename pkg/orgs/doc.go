// Package orgs stores organizations and their projects.
//
// # Overview
//
// Organizations own projects, authorizations (pkg/authz), and exactly one
// billing plan (pkg/billing). CreateOrganization accepts TxStep hooks so
// those dependents are written in the same transaction as the
// organization row.
//
// The package-level helpers (LoadOrganization, ProjectsOf, MarkSuspended,
// ActiveContactTotal) accept a postgres.DBTX and are used by other
// packages inside their own per-organization transactions.
//
// # Projects
//
// A project is bound to one flow engine organization (FlowOrganization,
// unique across projects). The binding is recorded after remote
// provisioning succeeds:
//
//	p, err := svc.CreateProject(ctx, orgID, &creatorID, &orgs.CreateProjectRequest{Name: "Support"})
//	ext, err := orchestrator.ProvisionProject(ctx, provisioning.RefOf(p))
//	err = svc.SetFlowOrganization(ctx, p.ID, ext)
package orgs
