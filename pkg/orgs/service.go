package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/storage/postgres"
)

const organizationColumns = `id, name, description, is_suspended, enforce_2fa, extra_integration,
		       intelligence_organization, created_at`

const projectColumns = `id, organization_id, name, timezone, date_format, flow_organization,
		       contact_count, extra_integration, is_template, created_by, created_at`

// PostgresService implements the Service interface using PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

// CreateOrganization inserts the organization and runs steps in the same
// transaction (billing plan, creator authorization).
func (s *PostgresService) CreateOrganization(ctx context.Context, req *CreateOrgRequest, steps ...TxStep) (*Organization, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.InvalidArgument("organization name is required")
	}

	org := &Organization{
		Name:        name,
		Description: req.Description,
		Enforce2FA:  req.Enforce2FA,
	}

	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO organizations (name, description, enforce_2fa)
			VALUES ($1, $2, $3)
			RETURNING id, created_at
		`
		if err := tx.QueryRowContext(ctx, query, org.Name, org.Description, org.Enforce2FA).
			Scan(&org.ID, &org.CreatedAt); err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}

		for _, step := range steps {
			if err := step(ctx, tx, org); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return org, nil
}

// GetOrganization retrieves an organization by ID
func (s *PostgresService) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	return LoadOrganization(ctx, s.db, id)
}

// UpdateOrganization applies the non-nil fields of req
func (s *PostgresService) UpdateOrganization(ctx context.Context, id int64, req *UpdateOrgRequest) (*Organization, error) {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, apperrors.InvalidArgument("organization name cannot be empty")
	}
	if req.ExtraIntegration != nil && *req.ExtraIntegration < 0 {
		return nil, apperrors.InvalidArgument("extra integrations cannot be negative")
	}

	query := `
		UPDATE organizations
		SET name = COALESCE($1, name),
		    description = COALESCE($2, description),
		    enforce_2fa = COALESCE($3, enforce_2fa),
		    extra_integration = COALESCE($4, extra_integration)
		WHERE id = $5
	`
	result, err := s.db.ExecContext(ctx, query, req.Name, req.Description, req.Enforce2FA, req.ExtraIntegration, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update organization: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, apperrors.NotFound("organization")
	}

	return s.GetOrganization(ctx, id)
}

// DeleteOrganization deletes an organization. Projects, authorizations,
// the billing plan, and invoices cascade.
func (s *PostgresService) DeleteOrganization(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperrors.NotFound("organization")
	}
	return nil
}

// CreateProject inserts a project. The flow engine binding is set
// separately once provisioning succeeds.
func (s *PostgresService) CreateProject(ctx context.Context, orgID int64, createdBy *int64, req *CreateProjectRequest) (*Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.InvalidArgument("project name is required")
	}

	p := &Project{
		OrganizationID: orgID,
		Name:           name,
		Timezone:       req.Timezone,
		DateFormat:     req.DateFormat,
		IsTemplate:     req.IsTemplate,
		CreatedBy:      createdBy,
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	switch p.DateFormat {
	case "":
		p.DateFormat = DateFormatDayFirst
	case DateFormatDayFirst, DateFormatMonthFirst:
	default:
		return nil, apperrors.InvalidArgument("invalid date format %q", p.DateFormat)
	}

	query := `
		INSERT INTO projects (organization_id, name, timezone, date_format, is_template, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query, p.OrganizationID, p.Name, p.Timezone, p.DateFormat, p.IsTemplate, p.CreatedBy).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, apperrors.NotFound("organization")
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return p, nil
}

// GetProject retrieves a project by ID
func (s *PostgresService) GetProject(ctx context.Context, id int64) (*Project, error) {
	return LoadProject(ctx, s.db, id)
}

// ListProjects lists the projects of an organization
func (s *PostgresService) ListProjects(ctx context.Context, orgID int64) ([]*Project, error) {
	return ProjectsOf(ctx, s.db, orgID)
}

// SetFlowOrganization records the flow engine binding of a project
func (s *PostgresService) SetFlowOrganization(ctx context.Context, projectID int64, flowOrg uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `UPDATE projects SET flow_organization = $1 WHERE id = $2`, flowOrg, projectID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return apperrors.StateConflict("flow organization %s is already bound to another project", flowOrg)
		}
		return fmt.Errorf("failed to set flow organization: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("project")
	}
	return nil
}

// DeleteProject deletes a project and its project authorizations
func (s *PostgresService) DeleteProject(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("project")
	}
	return nil
}

// LoadOrganization reads an organization through q, so callers holding a
// transaction see their own writes.
func LoadOrganization(ctx context.Context, q postgres.DBTX, id int64) (*Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE id = $1`

	org := &Organization{}
	err := q.QueryRowContext(ctx, query, id).Scan(
		&org.ID, &org.Name, &org.Description, &org.IsSuspended, &org.Enforce2FA,
		&org.ExtraIntegration, &org.IntelligenceOrganization, &org.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("organization")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// LoadProject reads a project through q
func LoadProject(ctx context.Context, q postgres.DBTX, id int64) (*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p, err := scanProject(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ProjectsOf lists an organization's projects through q, ordered by ID
func ProjectsOf(ctx context.Context, q postgres.DBTX, orgID int64) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE organization_id = $1 ORDER BY id`

	rows, err := q.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// MarkSuspended sets the organization's suspended flag through q
func MarkSuspended(ctx context.Context, q postgres.DBTX, orgID int64, suspended bool) error {
	result, err := q.ExecContext(ctx, `UPDATE organizations SET is_suspended = $1 WHERE id = $2`, suspended, orgID)
	if err != nil {
		return fmt.Errorf("failed to update organization suspension: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("organization")
	}
	return nil
}

// ActiveContactTotal sums the contact counters of an organization's projects
func ActiveContactTotal(ctx context.Context, q postgres.DBTX, orgID int64) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(contact_count), 0) FROM projects WHERE organization_id = $1`, orgID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum active contacts: %w", err)
	}
	return total, nil
}

// SetContactCount stores the latest active contact counter of a project
func SetContactCount(ctx context.Context, q postgres.DBTX, projectID, count int64) error {
	_, err := q.ExecContext(ctx, `UPDATE projects SET contact_count = $1 WHERE id = $2`, count, projectID)
	if err != nil {
		return fmt.Errorf("failed to update contact count: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	p := &Project{}
	var createdBy sql.NullInt64
	err := row.Scan(
		&p.ID, &p.OrganizationID, &p.Name, &p.Timezone, &p.DateFormat, &p.FlowOrganization,
		&p.ContactCount, &p.ExtraIntegration, &p.IsTemplate, &createdBy, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if createdBy.Valid {
		p.CreatedBy = &createdBy.Int64
	}
	return p, nil
}
