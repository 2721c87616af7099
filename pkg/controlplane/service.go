package controlplane

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/billing"
	"github.com/platinummonkey/orgplane/pkg/identity"
	"github.com/platinummonkey/orgplane/pkg/orgs"
	"github.com/platinummonkey/orgplane/pkg/provisioning"
)

const flowEngine = "flow engine"

var tracer = otel.Tracer("github.com/platinummonkey/orgplane/pkg/controlplane")

// PlanSteps builds the billing step run inside organization creation
type PlanSteps interface {
	PlanStep(req *billing.CreatePlanRequest) orgs.TxStep
}

// CreateOrganizationRequest creates an organization, its billing plan and,
// optionally, its first project
type CreateOrganizationRequest struct {
	Organization orgs.CreateOrgRequest      `json:"organization"`
	Plan         billing.CreatePlanRequest  `json:"plan"`
	Project      *orgs.CreateProjectRequest `json:"project,omitempty"`
}

// CreateOrganizationResult is the outcome of CreateOrganization
type CreateOrganizationResult struct {
	Organization *orgs.Organization `json:"organization"`
	Project      *orgs.Project      `json:"project,omitempty"`
}

// Service runs the lifecycle operations that span storage, authorization,
// billing and the flow engine
type Service struct {
	orgs         orgs.Service
	authz        authz.Service
	plans        PlanSteps
	orchestrator provisioning.Orchestrator
	logger       *logrus.Logger
}

// NewService creates a Service. A nil orchestrator provisions nothing.
func NewService(orgSvc orgs.Service, authzSvc authz.Service, plans PlanSteps, orchestrator provisioning.Orchestrator, logger *logrus.Logger) *Service {
	if orchestrator == nil {
		orchestrator = provisioning.NoopOrchestrator{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		orgs:         orgSvc,
		authz:        authzSvc,
		plans:        plans,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// CreateOrganization writes the organization, its billing plan and the
// creator's ADMIN authorization in one transaction. The first project, if
// requested, is created afterwards; when it cannot be provisioned the new
// organization is deleted again.
func (s *Service) CreateOrganization(ctx context.Context, creator *identity.Identity, req *CreateOrganizationRequest) (*CreateOrganizationResult, error) {
	ctx, span := tracer.Start(ctx, "controlplane.CreateOrganization")
	defer span.End()

	if creator == nil {
		return nil, apperrors.PermissionDenied("authentication required")
	}

	grant := func(ctx context.Context, tx *sql.Tx, org *orgs.Organization) error {
		_, err := s.authz.GrantCreator(ctx, tx, creator, org.ID)
		return err
	}

	org, err := s.orgs.CreateOrganization(ctx, &req.Organization, s.plans.PlanStep(&req.Plan), grant)
	if err != nil {
		return nil, err
	}

	entry := s.logger.WithFields(logrus.Fields{
		"organization_id": org.ID,
		"plan":            req.Plan.Plan,
	})
	entry.Info("Organization created")

	result := &CreateOrganizationResult{Organization: org}
	if req.Project == nil {
		return result, nil
	}

	project, err := s.createProject(ctx, org.ID, creator, req.Project)
	if err != nil {
		if delErr := s.orgs.DeleteOrganization(context.WithoutCancel(ctx), org.ID); delErr != nil {
			entry.WithError(delErr).Error("Failed to delete organization after project creation failed")
		}
		return nil, err
	}
	result.Project = project
	return result, nil
}

// CreateProject creates a project and provisions it in the flow engine.
// The actor needs write access to the organization and the organization
// must not be suspended.
func (s *Service) CreateProject(ctx context.Context, actor *identity.Identity, orgID int64, req *orgs.CreateProjectRequest) (*orgs.Project, error) {
	ctx, span := tracer.Start(ctx, "controlplane.CreateProject",
		trace.WithAttributes(attribute.Int64("organization.id", orgID)))
	defer span.End()

	if err := s.requireOrg(ctx, actor, orgID, (*authz.OrganizationAuthorization).CanWrite); err != nil {
		return nil, err
	}

	org, err := s.orgs.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org.IsSuspended {
		return nil, apperrors.StateConflict("organization %d is suspended", orgID)
	}

	return s.createProject(ctx, orgID, actor, req)
}

func (s *Service) createProject(ctx context.Context, orgID int64, creator *identity.Identity, req *orgs.CreateProjectRequest) (*orgs.Project, error) {
	project, err := s.orgs.CreateProject(ctx, orgID, &creator.ID, req)
	if err != nil {
		return nil, err
	}

	entry := s.logger.WithFields(logrus.Fields{
		"organization_id": orgID,
		"project_id":      project.ID,
	})

	ref := provisioning.RefOf(project)
	externalID, err := s.orchestrator.ProvisionProject(ctx, ref)
	if err != nil {
		s.discardProject(ctx, entry, project.ID)
		return nil, apperrors.ExternalService(flowEngine, err)
	}

	if err := s.orgs.SetFlowOrganization(ctx, project.ID, externalID); err != nil {
		ref.ExternalID = externalID
		if deErr := s.orchestrator.DeprovisionProject(context.WithoutCancel(ctx), ref); deErr != nil {
			entry.WithError(deErr).Errorf("Failed to deprovision flow organization %s", externalID)
		}
		s.discardProject(ctx, entry, project.ID)
		return nil, err
	}
	project.FlowOrganization.UUID = externalID
	project.FlowOrganization.Valid = true

	entry.WithField("flow_organization", externalID).Info("Project provisioned")
	return project, nil
}

func (s *Service) discardProject(ctx context.Context, entry *logrus.Entry, projectID int64) {
	if err := s.orgs.DeleteProject(context.WithoutCancel(ctx), projectID); err != nil {
		entry.WithError(err).Error("Failed to delete unprovisioned project")
	}
}

// DeleteProject deprovisions the project remotely, then deletes it. When
// the flow engine call fails the project is kept so the delete can be
// retried.
func (s *Service) DeleteProject(ctx context.Context, actor *identity.Identity, projectID int64) error {
	ctx, span := tracer.Start(ctx, "controlplane.DeleteProject",
		trace.WithAttributes(attribute.Int64("project.id", projectID)))
	defer span.End()

	project, err := s.orgs.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := s.requireOrg(ctx, actor, project.OrganizationID, (*authz.OrganizationAuthorization).IsAdmin); err != nil {
		return err
	}

	if ref := provisioning.RefOf(project); ref.Provisioned() {
		if err := s.orchestrator.DeprovisionProject(ctx, ref); err != nil {
			return apperrors.ExternalService(flowEngine, err)
		}
	}

	if err := s.orgs.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"organization_id": project.OrganizationID,
		"project_id":      projectID,
	}).Info("Project deleted")
	return nil
}

// DeleteOrganization deprovisions every project of the organization and
// deletes it. Projects, authorizations, the billing plan and invoices go
// with it.
func (s *Service) DeleteOrganization(ctx context.Context, actor *identity.Identity, orgID int64) error {
	ctx, span := tracer.Start(ctx, "controlplane.DeleteOrganization",
		trace.WithAttributes(attribute.Int64("organization.id", orgID)))
	defer span.End()

	if err := s.requireOrg(ctx, actor, orgID, (*authz.OrganizationAuthorization).IsAdmin); err != nil {
		return err
	}

	projects, err := s.orgs.ListProjects(ctx, orgID)
	if err != nil {
		return err
	}
	for _, ref := range provisioning.RefsOf(projects) {
		if err := s.orchestrator.DeprovisionProject(ctx, ref); err != nil {
			return apperrors.ExternalService(flowEngine, err)
		}
	}

	if err := s.orgs.DeleteOrganization(ctx, orgID); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"organization_id": orgID,
		"projects":        len(projects),
	}).Info("Organization deleted")
	return nil
}

// RemoveUserFromProject revokes target's project authorization. The
// organization authorization is left alone.
func (s *Service) RemoveUserFromProject(ctx context.Context, actor, target *identity.Identity, projectID int64) error {
	if target == nil {
		return apperrors.InvalidArgument("target identity is required")
	}
	return s.authz.RevokeProjectAuthorization(ctx, actor, target, projectID)
}

func (s *Service) requireOrg(ctx context.Context, actor *identity.Identity, orgID int64, allowed func(*authz.OrganizationAuthorization) bool) error {
	if actor == nil {
		return apperrors.PermissionDenied("authentication required")
	}
	auth, err := s.authz.GetOrCreateOrgAuthorization(ctx, actor, orgID)
	if err != nil {
		return err
	}
	if !allowed(auth) {
		return apperrors.PermissionDenied("insufficient role in organization %d", orgID)
	}
	return nil
}
