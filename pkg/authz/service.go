package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/identity"
	"github.com/platinummonkey/orgplane/pkg/observability"
	"github.com/platinummonkey/orgplane/pkg/provisioning"
	"github.com/platinummonkey/orgplane/pkg/storage/postgres"
)

const orgAuthColumns = `id, identity_id, organization_id, role, has_2fa, created_at`

const projectAuthColumns = `id, identity_id, project_id, organization_authorization_id, role, chat_role, created_at`

// PostgresService implements the Service interface using PostgreSQL.
// Every mutation locks the organization row first, so changes within one
// organization are serialized.
type PostgresService struct {
	db       *sql.DB
	notifier *provisioning.Notifier
	metrics  *observability.Metrics
	logger   *logrus.Logger
}

// NewPostgresService creates a new PostgresService. metrics may be nil.
func NewPostgresService(db *sql.DB, notifier *provisioning.Notifier, metrics *observability.Metrics, logger *logrus.Logger) *PostgresService {
	return &PostgresService{
		db:       db,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// GetOrCreateOrgAuthorization returns the identity's authorization in the
// organization, creating a NOT_SET one on first access.
func (s *PostgresService) GetOrCreateOrgAuthorization(ctx context.Context, ident *identity.Identity, orgID int64) (*OrganizationAuthorization, error) {
	if ident == nil {
		return &OrganizationAuthorization{OrganizationID: orgID, Transient: true}, nil
	}

	if _, err := ensureOrgAuthorization(ctx, s.db, ident, orgID); err != nil {
		return nil, err
	}
	return getOrgAuthorization(ctx, s.db, ident.ID, orgID)
}

// GetOrCreateProjectAuthorization returns the identity's authorization in
// the project. The organization authorization is created first so the new
// row can reference it.
func (s *PostgresService) GetOrCreateProjectAuthorization(ctx context.Context, ident *identity.Identity, projectID int64) (*ProjectAuthorization, error) {
	if ident == nil {
		return &ProjectAuthorization{ProjectID: projectID, Transient: true}, nil
	}

	var auth *ProjectAuthorization
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		scope, err := loadProjectScope(ctx, tx, projectID)
		if err != nil {
			return err
		}
		orgAuthID, err := ensureOrgAuthorization(ctx, tx, ident, scope.organizationID)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO project_authorizations (identity_id, project_id, organization_authorization_id, role)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (identity_id, project_id) DO NOTHING
		`
		if _, err := tx.ExecContext(ctx, query, ident.ID, projectID, orgAuthID, ProjectRoleNotSet); err != nil {
			return fmt.Errorf("failed to create project authorization: %w", err)
		}

		auth, err = getProjectAuthorization(ctx, tx, ident.ID, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return auth, nil
}

// SetOrgRole sets target's role in the organization. The actor must be an
// organization admin and may not change their own role.
func (s *PostgresService) SetOrgRole(ctx context.Context, actor, target *identity.Identity, orgID int64, role OrgRole) (*OrganizationAuthorization, error) {
	if err := validateOrgRole(role); err != nil {
		return nil, err
	}
	if err := checkNotSelf(actor, target); err != nil {
		return nil, err
	}

	var auth *OrganizationAuthorization
	var changes []provisioning.PermissionChange
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}
		if err := requireOrgAdmin(ctx, tx, actor, orgID); err != nil {
			return err
		}

		var err error
		auth, err = upsertOrgAuthorization(ctx, tx, target, orgID, role)
		if err != nil {
			return err
		}
		changes, err = orgChange(ctx, tx, orgID, target.Email, role, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, "set_role", provisioning.ScopeOrganization, changes)
	return auth, nil
}

// SetProjectRole sets target's role in the project. The actor must be a
// project moderator or an organization admin and may not change their own
// role. The target's organization authorization is created if missing.
func (s *PostgresService) SetProjectRole(ctx context.Context, actor, target *identity.Identity, projectID int64, role ProjectRole) (*ProjectAuthorization, error) {
	if err := validateProjectRole(role); err != nil {
		return nil, err
	}
	if err := checkNotSelf(actor, target); err != nil {
		return nil, err
	}

	var auth *ProjectAuthorization
	var change provisioning.PermissionChange
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		scope, err := loadProjectScope(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := lockOrganization(ctx, tx, scope.organizationID); err != nil {
			return err
		}
		if err := requireProjectAdmin(ctx, tx, actor, scope); err != nil {
			return err
		}

		auth, err = setProjectRoleTx(ctx, tx, target, scope, role)
		if err != nil {
			return err
		}
		change = scope.change(target.Email, role.String(), false)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, "set_role", provisioning.ScopeProject, []provisioning.PermissionChange{change})
	return auth, nil
}

// RevokeOrgAuthorization removes target's access to the organization and
// every project authorization anchored to it, atomically.
func (s *PostgresService) RevokeOrgAuthorization(ctx context.Context, actor, target *identity.Identity, orgID int64) error {
	if actor == nil {
		return apperrors.PermissionDenied("authentication required")
	}

	var changes []provisioning.PermissionChange
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}
		if err := requireOrgAdmin(ctx, tx, actor, orgID); err != nil {
			return err
		}

		query := `
			DELETE FROM project_authorizations pa
			USING projects p
			WHERE pa.project_id = p.id AND p.organization_id = $1 AND pa.identity_id = $2
			RETURNING pa.project_id, p.flow_organization
		`
		rows, err := tx.QueryContext(ctx, query, orgID, target.ID)
		if err != nil {
			return fmt.Errorf("failed to delete project authorizations: %w", err)
		}
		var projectChanges []provisioning.PermissionChange
		for rows.Next() {
			var projectID int64
			var flowOrg uuid.NullUUID
			if err := rows.Scan(&projectID, &flowOrg); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan project authorization: %w", err)
			}
			scope := projectScope{projectID: projectID, organizationID: orgID, flowOrganization: flowOrg}
			projectChanges = append(projectChanges, scope.change(target.Email, ProjectRoleNotSet.String(), true))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to delete project authorizations: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM organization_authorizations WHERE identity_id = $1 AND organization_id = $2`,
			target.ID, orgID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete organization authorization: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return apperrors.NotFound("organization authorization")
		}

		changes, err = orgChange(ctx, tx, orgID, target.Email, OrgRoleNotSet, true)
		if err != nil {
			return err
		}
		changes = append(changes, projectChanges...)
		return nil
	})
	if err != nil {
		return err
	}

	s.committed(ctx, "revoke", provisioning.ScopeOrganization, changes)
	return nil
}

// RevokeProjectAuthorization removes target's project access. The actor
// must be a project moderator, an organization admin, or the target.
func (s *PostgresService) RevokeProjectAuthorization(ctx context.Context, actor, target *identity.Identity, projectID int64) error {
	if actor == nil {
		return apperrors.PermissionDenied("authentication required")
	}

	var change provisioning.PermissionChange
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		scope, err := loadProjectScope(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if err := lockOrganization(ctx, tx, scope.organizationID); err != nil {
			return err
		}
		if actor.ID != target.ID {
			if err := requireProjectAdmin(ctx, tx, actor, scope); err != nil {
				return err
			}
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM project_authorizations WHERE identity_id = $1 AND project_id = $2`,
			target.ID, projectID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete project authorization: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return apperrors.NotFound("project authorization")
		}
		change = scope.change(target.Email, ProjectRoleNotSet.String(), true)
		return nil
	})
	if err != nil {
		return err
	}

	s.committed(ctx, "revoke", provisioning.ScopeProject, []provisioning.PermissionChange{change})
	return nil
}

// ListOrgAuthorizations lists the organization's members with a role
func (s *PostgresService) ListOrgAuthorizations(ctx context.Context, orgID int64) ([]*Member, error) {
	query := `
		SELECT oa.id, oa.identity_id, oa.organization_id, oa.role, oa.has_2fa, oa.created_at,
		       i.email, i.first_name, i.last_name
		FROM organization_authorizations oa
		JOIN identities i ON i.id = oa.identity_id
		WHERE oa.organization_id = $1 AND oa.role <> $2
		ORDER BY oa.id
	`
	rows, err := s.db.QueryContext(ctx, query, orgID, OrgRoleNotSet)
	if err != nil {
		return nil, fmt.Errorf("failed to list organization authorizations: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m := &Member{}
		if err := rows.Scan(
			&m.ID, &m.IdentityID, &m.OrganizationID, &m.Role, &m.Has2FA, &m.CreatedAt,
			&m.Email, &m.FirstName, &m.LastName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GrantCreator gives the organization's creator the ADMIN role inside the
// organization creation transaction.
func (s *PostgresService) GrantCreator(ctx context.Context, tx *sql.Tx, ident *identity.Identity, orgID int64) (*OrganizationAuthorization, error) {
	if ident == nil {
		return nil, apperrors.PermissionDenied("authentication required")
	}
	return upsertOrgAuthorization(ctx, tx, ident, orgID, OrgRoleAdmin)
}

// committed runs the post-commit side effects of a permission change
func (s *PostgresService) committed(ctx context.Context, operation string, scope provisioning.Scope, changes []provisioning.PermissionChange) {
	s.metrics.RecordAuthorizationChange(operation, string(scope))

	var pending []provisioning.PermissionChange
	for _, change := range changes {
		if change.ExternalID != uuid.Nil {
			pending = append(pending, change)
		}
	}
	if len(pending) > 0 && s.notifier != nil {
		s.notifier.PermissionChanged(ctx, pending...)
	}
}

// projectScope is a project's position in its organization
type projectScope struct {
	projectID        int64
	organizationID   int64
	flowOrganization uuid.NullUUID
}

func (p projectScope) change(email, role string, removed bool) provisioning.PermissionChange {
	change := provisioning.PermissionChange{
		Scope:          provisioning.ScopeProject,
		OrganizationID: p.organizationID,
		ProjectID:      p.projectID,
		Email:          email,
		Role:           role,
		Removed:        removed,
	}
	if p.flowOrganization.Valid {
		change.ExternalID = p.flowOrganization.UUID
	}
	return change
}

func loadProjectScope(ctx context.Context, q postgres.DBTX, projectID int64) (projectScope, error) {
	scope := projectScope{projectID: projectID}
	err := q.QueryRowContext(ctx,
		`SELECT organization_id, flow_organization FROM projects WHERE id = $1`, projectID,
	).Scan(&scope.organizationID, &scope.flowOrganization)
	if errors.Is(err, sql.ErrNoRows) {
		return scope, apperrors.NotFound("project")
	}
	if err != nil {
		return scope, fmt.Errorf("failed to get project: %w", err)
	}
	return scope, nil
}

// orgChange builds the organization-level notification. Organizations not
// bound to the intelligence service produce none.
func orgChange(ctx context.Context, tx *sql.Tx, orgID int64, email string, role OrgRole, removed bool) ([]provisioning.PermissionChange, error) {
	var external uuid.NullUUID
	err := tx.QueryRowContext(ctx,
		`SELECT intelligence_organization FROM organizations WHERE id = $1`, orgID,
	).Scan(&external)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization binding: %w", err)
	}
	if !external.Valid {
		return nil, nil
	}
	return []provisioning.PermissionChange{{
		Scope:          provisioning.ScopeOrganization,
		OrganizationID: orgID,
		ExternalID:     external.UUID,
		Email:          email,
		Role:           role.String(),
		Removed:        removed,
	}}, nil
}

func lockOrganization(ctx context.Context, tx *sql.Tx, orgID int64) error {
	err := postgres.LockOrganization(ctx, tx, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound("organization")
	}
	if err != nil {
		return fmt.Errorf("failed to lock organization: %w", err)
	}
	return nil
}

func orgRoleOf(ctx context.Context, q postgres.DBTX, identityID, orgID int64) (OrgRole, error) {
	var role OrgRole
	err := q.QueryRowContext(ctx,
		`SELECT role FROM organization_authorizations WHERE identity_id = $1 AND organization_id = $2`,
		identityID, orgID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return OrgRoleNotSet, nil
	}
	if err != nil {
		return OrgRoleNotSet, fmt.Errorf("failed to get organization role: %w", err)
	}
	return role, nil
}

func projectRoleOf(ctx context.Context, q postgres.DBTX, identityID, projectID int64) (ProjectRole, error) {
	var role ProjectRole
	err := q.QueryRowContext(ctx,
		`SELECT role FROM project_authorizations WHERE identity_id = $1 AND project_id = $2`,
		identityID, projectID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectRoleNotSet, nil
	}
	if err != nil {
		return ProjectRoleNotSet, fmt.Errorf("failed to get project role: %w", err)
	}
	return role, nil
}

func requireOrgAdmin(ctx context.Context, q postgres.DBTX, actor *identity.Identity, orgID int64) error {
	if actor == nil {
		return apperrors.PermissionDenied("authentication required")
	}
	role, err := orgRoleOf(ctx, q, actor.ID, orgID)
	if err != nil {
		return err
	}
	if !role.Capabilities().IsAdmin {
		return apperrors.PermissionDenied("organization admin role required")
	}
	return nil
}

func requireProjectAdmin(ctx context.Context, q postgres.DBTX, actor *identity.Identity, scope projectScope) error {
	if actor == nil {
		return apperrors.PermissionDenied("authentication required")
	}
	role, err := projectRoleOf(ctx, q, actor.ID, scope.projectID)
	if err != nil {
		return err
	}
	if role.Capabilities().CanWrite {
		return nil
	}
	orgRole, err := orgRoleOf(ctx, q, actor.ID, scope.organizationID)
	if err != nil {
		return err
	}
	if !orgRole.Capabilities().IsAdmin {
		return apperrors.PermissionDenied("project moderator role required")
	}
	return nil
}

func checkNotSelf(actor, target *identity.Identity) error {
	if actor == nil {
		return apperrors.PermissionDenied("authentication required")
	}
	if target == nil {
		return apperrors.InvalidArgument("target identity is required")
	}
	if actor.ID == target.ID {
		return apperrors.PermissionDenied("cannot change your own role")
	}
	return nil
}

func validateOrgRole(role OrgRole) error {
	if role == OrgRoleNotSet || !role.Valid() {
		return apperrors.InvalidArgument("invalid organization role %d", int16(role))
	}
	return nil
}

func validateProjectRole(role ProjectRole) error {
	if role == ProjectRoleNotSet || !role.Valid() {
		return apperrors.InvalidArgument("invalid project role %d", int16(role))
	}
	return nil
}

// ensureOrgAuthorization creates a NOT_SET authorization if none exists
// and returns the row's ID. Concurrent callers converge on one row.
func ensureOrgAuthorization(ctx context.Context, q postgres.DBTX, ident *identity.Identity, orgID int64) (int64, error) {
	query := `
		INSERT INTO organization_authorizations (identity_id, organization_id, role, has_2fa)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_id, organization_id) DO NOTHING
	`
	if _, err := q.ExecContext(ctx, query, ident.ID, orgID, OrgRoleNotSet, ident.Has2FA); err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return 0, apperrors.NotFound("organization")
		}
		return 0, fmt.Errorf("failed to create organization authorization: %w", err)
	}

	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM organization_authorizations WHERE identity_id = $1 AND organization_id = $2`,
		ident.ID, orgID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get organization authorization: %w", err)
	}
	return id, nil
}

func upsertOrgAuthorization(ctx context.Context, q postgres.DBTX, ident *identity.Identity, orgID int64, role OrgRole) (*OrganizationAuthorization, error) {
	query := `
		INSERT INTO organization_authorizations (identity_id, organization_id, role, has_2fa)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_id, organization_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING ` + orgAuthColumns
	auth, err := scanOrgAuthorization(q.QueryRowContext(ctx, query, ident.ID, orgID, role, ident.Has2FA))
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, apperrors.NotFound("organization")
		}
		return nil, fmt.Errorf("failed to set organization role: %w", err)
	}
	return auth, nil
}

// setProjectRoleTx derives the organization authorization and upserts the
// project authorization pointing at it.
func setProjectRoleTx(ctx context.Context, tx *sql.Tx, target *identity.Identity, scope projectScope, role ProjectRole) (*ProjectAuthorization, error) {
	orgAuthID, err := ensureOrgAuthorization(ctx, tx, target, scope.organizationID)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO project_authorizations (identity_id, project_id, organization_authorization_id, role, chat_role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity_id, project_id) DO UPDATE
		SET role = EXCLUDED.role,
		    chat_role = EXCLUDED.chat_role,
		    organization_authorization_id = EXCLUDED.organization_authorization_id
		RETURNING ` + projectAuthColumns
	auth, err := scanProjectAuthorization(tx.QueryRowContext(ctx, query,
		target.ID, scope.projectID, orgAuthID, role, role.ChatRole(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to set project role: %w", err)
	}
	return auth, nil
}

func getOrgAuthorization(ctx context.Context, q postgres.DBTX, identityID, orgID int64) (*OrganizationAuthorization, error) {
	query := `SELECT ` + orgAuthColumns + ` FROM organization_authorizations WHERE identity_id = $1 AND organization_id = $2`
	auth, err := scanOrgAuthorization(q.QueryRowContext(ctx, query, identityID, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("organization authorization")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization authorization: %w", err)
	}
	return auth, nil
}

func getProjectAuthorization(ctx context.Context, q postgres.DBTX, identityID, projectID int64) (*ProjectAuthorization, error) {
	query := `SELECT ` + projectAuthColumns + ` FROM project_authorizations WHERE identity_id = $1 AND project_id = $2`
	auth, err := scanProjectAuthorization(q.QueryRowContext(ctx, query, identityID, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("project authorization")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project authorization: %w", err)
	}
	return auth, nil
}

func scanOrgAuthorization(row *sql.Row) (*OrganizationAuthorization, error) {
	auth := &OrganizationAuthorization{}
	err := row.Scan(&auth.ID, &auth.IdentityID, &auth.OrganizationID, &auth.Role, &auth.Has2FA, &auth.CreatedAt)
	if err != nil {
		return nil, err
	}
	return auth, nil
}

func scanProjectAuthorization(row *sql.Row) (*ProjectAuthorization, error) {
	auth := &ProjectAuthorization{}
	var chatRole sql.NullInt16
	err := row.Scan(
		&auth.ID, &auth.IdentityID, &auth.ProjectID, &auth.OrganizationAuthorizationID,
		&auth.Role, &chatRole, &auth.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if chatRole.Valid {
		role := ChatRole(chatRole.Int16)
		auth.ChatRole = &role
	}
	return auth, nil
}
