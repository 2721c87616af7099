package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/identity"
	"github.com/platinummonkey/orgplane/pkg/provisioning"
	"github.com/platinummonkey/orgplane/pkg/storage/postgres"
)

// InviteToOrganization grants role to the identity owning email, or stores
// a pending invite when no identity has that email yet. Inviting the same
// email twice updates the stored role.
func (s *PostgresService) InviteToOrganization(ctx context.Context, actor *identity.Identity, email string, orgID int64, role OrgRole) (*OrgInviteResult, error) {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, apperrors.InvalidArgument("email is required")
	}
	if err := validateOrgRole(role); err != nil {
		return nil, err
	}

	result := &OrgInviteResult{}
	var changes []provisioning.PermissionChange
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := lockOrganization(ctx, tx, orgID); err != nil {
			return err
		}
		if err := requireOrgAdmin(ctx, tx, actor, orgID); err != nil {
			return err
		}

		target, err := identity.FindByEmail(ctx, tx, email)
		if err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		if target != nil {
			if err := checkNotSelf(actor, target); err != nil {
				return err
			}
			result.Authorization, err = upsertOrgAuthorization(ctx, tx, target, orgID, role)
			if err != nil {
				return err
			}
			changes, err = orgChange(ctx, tx, orgID, target.Email, role, false)
			return err
		}

		query := `
			INSERT INTO organization_invites (email, organization_id, role, invited_by)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (email, organization_id) DO UPDATE
			SET role = EXCLUDED.role, invited_by = EXCLUDED.invited_by
			RETURNING id, email, organization_id, role, invited_by, created_at
		`
		invite := &OrganizationInvite{}
		var invitedBy sql.NullInt64
		err = tx.QueryRowContext(ctx, query, email, orgID, role, actor.ID).Scan(
			&invite.ID, &invite.Email, &invite.OrganizationID, &invite.Role, &invitedBy, &invite.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to store organization invite: %w", err)
		}
		if invitedBy.Valid {
			invite.InvitedBy = &invitedBy.Int64
		}
		result.Invite = invite
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Authorization != nil {
		s.committed(ctx, "invite", provisioning.ScopeOrganization, changes)
	}
	return result, nil
}

// InviteToProject is the project counterpart of InviteToOrganization. The
// actor must be a project moderator or an organization admin.
func (s *PostgresService) InviteToProject(ctx context.Context, actor *identity.Identity, email string, projectID int64, role ProjectRole) (*ProjectInviteResult, error) {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, apperrors.InvalidArgument("email is required")
	}
	if err := validateProjectRole(role); err != nil {
		return nil, err
	}

	result := &ProjectInviteResult{}
	var changes []provisioning.PermissionChange
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

		target, err := identity.FindByEmail(ctx, tx, email)
		if err != nil && !apperrors.IsNotFound(err) {
			return err
		}
		if target != nil {
			if err := checkNotSelf(actor, target); err != nil {
				return err
			}
			result.Authorization, err = setProjectRoleTx(ctx, tx, target, scope, role)
			if err != nil {
				return err
			}
			changes = append(changes, scope.change(target.Email, role.String(), false))
			return nil
		}

		query := `
			INSERT INTO project_invites (email, project_id, role, invited_by)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (email, project_id) DO UPDATE
			SET role = EXCLUDED.role, invited_by = EXCLUDED.invited_by
			RETURNING id, email, project_id, role, invited_by, created_at
		`
		invite := &ProjectInvite{}
		var invitedBy sql.NullInt64
		err = tx.QueryRowContext(ctx, query, email, projectID, role, actor.ID).Scan(
			&invite.ID, &invite.Email, &invite.ProjectID, &invite.Role, &invitedBy, &invite.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to store project invite: %w", err)
		}
		if invitedBy.Valid {
			invite.InvitedBy = &invitedBy.Int64
		}
		result.Invite = invite
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Authorization != nil {
		s.committed(ctx, "invite", provisioning.ScopeProject, changes)
	}
	return result, nil
}

// ConsumeInvites converts every pending invite for ident's email into an
// authorization and deletes the invites. It runs inside the identity
// creation transaction; the returned func sends the notifications and must
// only be called after commit.
func (s *PostgresService) ConsumeInvites(ctx context.Context, tx *sql.Tx, ident *identity.Identity) (func(context.Context), error) {
	email := identity.NormalizeEmail(ident.Email)

	type orgInvite struct {
		orgID int64
		role  OrgRole
	}
	rows, err := tx.QueryContext(ctx,
		`DELETE FROM organization_invites WHERE email = $1 RETURNING organization_id, role`, email,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume organization invites: %w", err)
	}
	var orgInvites []orgInvite
	for rows.Next() {
		var inv orgInvite
		if err := rows.Scan(&inv.orgID, &inv.role); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan organization invite: %w", err)
		}
		orgInvites = append(orgInvites, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to consume organization invites: %w", err)
	}

	type projectInvite struct {
		scope projectScope
		role  ProjectRole
	}
	rows, err = tx.QueryContext(ctx, `
		DELETE FROM project_invites pi
		USING projects p
		WHERE pi.project_id = p.id AND pi.email = $1
		RETURNING pi.project_id, p.organization_id, p.flow_organization, pi.role
	`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to consume project invites: %w", err)
	}
	var projectInvites []projectInvite
	for rows.Next() {
		var inv projectInvite
		var flowOrg uuid.NullUUID
		if err := rows.Scan(&inv.scope.projectID, &inv.scope.organizationID, &flowOrg, &inv.role); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan project invite: %w", err)
		}
		inv.scope.flowOrganization = flowOrg
		projectInvites = append(projectInvites, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to consume project invites: %w", err)
	}

	orgIDs := make([]int64, 0, len(orgInvites)+len(projectInvites))
	for _, inv := range orgInvites {
		orgIDs = append(orgIDs, inv.orgID)
	}
	for _, inv := range projectInvites {
		orgIDs = append(orgIDs, inv.scope.organizationID)
	}
	gone, err := lockInvitingOrganizations(ctx, tx, orgIDs)
	if err != nil {
		return nil, err
	}

	var changes []provisioning.PermissionChange
	for _, inv := range orgInvites {
		if gone[inv.orgID] {
			continue
		}
		if _, err := upsertOrgAuthorization(ctx, tx, ident, inv.orgID, inv.role); err != nil {
			return nil, err
		}
		orgChanges, err := orgChange(ctx, tx, inv.orgID, ident.Email, inv.role, false)
		if err != nil {
			return nil, err
		}
		changes = append(changes, orgChanges...)
	}
	for _, inv := range projectInvites {
		if gone[inv.scope.organizationID] {
			continue
		}
		if _, err := setProjectRoleTx(ctx, tx, ident, inv.scope, inv.role); err != nil {
			return nil, err
		}
		changes = append(changes, inv.scope.change(ident.Email, inv.role.String(), false))
	}

	if len(orgInvites) == 0 && len(projectInvites) == 0 {
		return nil, nil
	}
	return func(ctx context.Context) {
		s.committed(ctx, "consume_invite", provisioning.ScopeOrganization, changes)
	}, nil
}

// lockInvitingOrganizations locks each distinct organization in ascending
// ID order. Organizations deleted since the invite was sent are returned as
// gone instead of failing the identity creation.
func lockInvitingOrganizations(ctx context.Context, tx *sql.Tx, orgIDs []int64) (map[int64]bool, error) {
	slices.Sort(orgIDs)
	orgIDs = slices.Compact(orgIDs)

	gone := make(map[int64]bool)
	for _, orgID := range orgIDs {
		err := postgres.LockOrganization(ctx, tx, orgID)
		if errors.Is(err, sql.ErrNoRows) {
			gone[orgID] = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock organization %d: %w", orgID, err)
		}
	}
	return gone, nil
}

// OnIdentityCreated consumes pending invites for a freshly created identity
// in its own transaction.
func (s *PostgresService) OnIdentityCreated(ctx context.Context, ident *identity.Identity) error {
	var after func(context.Context)
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		after, err = s.ConsumeInvites(ctx, tx, ident)
		return err
	})
	if err != nil {
		return err
	}
	if after != nil {
		after(ctx)
	}
	return nil
}
