package orgs

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
)

var projectRowColumns = []string{
	"id", "organization_id", "name", "timezone", "date_format", "flow_organization",
	"contact_count", "extra_integration", "is_template", "created_by", "created_at",
}

func TestPostgresService_CreateOrganization(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("runs steps in the same transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO organizations").
			WithArgs("Acme", "support team", false).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), now))
		mock.ExpectExec("INSERT INTO billing_plans").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		var seen int64
		step := func(ctx context.Context, tx *sql.Tx, org *Organization) error {
			seen = org.ID
			_, err := tx.ExecContext(ctx, "INSERT INTO billing_plans (organization_id) VALUES ($1)", org.ID)
			return err
		}

		svc := NewPostgresService(db)
		org, err := svc.CreateOrganization(ctx, &CreateOrgRequest{Name: " Acme ", Description: "support team"}, step)
		require.NoError(t, err)
		assert.Equal(t, int64(7), org.ID)
		assert.Equal(t, "Acme", org.Name)
		assert.Equal(t, int64(7), seen)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("step failure rolls back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO organizations").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), now))
		mock.ExpectRollback()

		failing := func(ctx context.Context, tx *sql.Tx, org *Organization) error {
			return errors.New("plan insert failed")
		}

		svc := NewPostgresService(db)
		_, err = svc.CreateOrganization(ctx, &CreateOrgRequest{Name: "Acme"}, failing)
		require.Error(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty name", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		_, err = NewPostgresService(db).CreateOrganization(ctx, &CreateOrgRequest{Name: "  "})
		assert.True(t, apperrors.IsInvalidArgument(err))
	})
}

func TestPostgresService_GetOrganization(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewPostgresService(db)
	intel := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "description", "is_suspended", "enforce_2fa", "extra_integration",
			"intelligence_organization", "created_at",
		}).AddRow(int64(3), "Acme", "", true, false, 2, intel.String(), time.Now()))

	org, err := svc.GetOrganization(ctx, 3)
	require.NoError(t, err)
	assert.True(t, org.IsSuspended)
	assert.Equal(t, 2, org.ExtraIntegration)
	assert.True(t, org.IntelligenceOrganization.Valid)
	assert.Equal(t, intel, org.IntelligenceOrganization.UUID)

	mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id").
		WithArgs(int64(4)).
		WillReturnError(sql.ErrNoRows)

	_, err = svc.GetOrganization(ctx, 4)
	assert.True(t, apperrors.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_UpdateOrganization(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewPostgresService(db)
	extra := 3

	mock.ExpectExec("UPDATE organizations").
		WithArgs(nil, nil, nil, 3, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = svc.UpdateOrganization(ctx, 9, &UpdateOrgRequest{ExtraIntegration: &extra})
	assert.True(t, apperrors.IsNotFound(err))

	negative := -1
	_, err = svc.UpdateOrganization(ctx, 9, &UpdateOrgRequest{ExtraIntegration: &negative})
	assert.True(t, apperrors.IsInvalidArgument(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_DeleteOrganization(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewPostgresService(db)

	mock.ExpectExec("DELETE FROM organizations").WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.DeleteOrganization(ctx, 1))

	mock.ExpectExec("DELETE FROM organizations").WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.True(t, apperrors.IsNotFound(svc.DeleteOrganization(ctx, 2)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_CreateProject(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		creator := int64(5)
		mock.ExpectQuery("INSERT INTO projects").
			WithArgs(int64(1), "Support", "UTC", "D", false, &creator).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(10), time.Now()))

		p, err := NewPostgresService(db).CreateProject(ctx, 1, &creator, &CreateProjectRequest{Name: "Support"})
		require.NoError(t, err)
		assert.Equal(t, int64(10), p.ID)
		assert.Equal(t, DateFormatDayFirst, p.DateFormat)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing organization", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("INSERT INTO projects").
			WillReturnError(&pq.Error{Code: "23503"})

		_, err = NewPostgresService(db).CreateProject(ctx, 99, nil, &CreateProjectRequest{Name: "Support"})
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("invalid date format", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		_, err = NewPostgresService(db).CreateProject(ctx, 1, nil, &CreateProjectRequest{Name: "x", DateFormat: "Y"})
		assert.True(t, apperrors.IsInvalidArgument(err))
	})
}

func TestPostgresService_SetFlowOrganization(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewPostgresService(db)
	flowOrg := uuid.New()

	mock.ExpectExec("UPDATE projects SET flow_organization").
		WithArgs(flowOrg.String(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.SetFlowOrganization(ctx, 1, flowOrg))

	mock.ExpectExec("UPDATE projects SET flow_organization").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "projects_flow_organization_key"})
	assert.True(t, apperrors.IsStateConflict(svc.SetFlowOrganization(ctx, 2, flowOrg)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectsOf(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	flowOrg := uuid.New()
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM projects WHERE organization_id").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(projectRowColumns).
			AddRow(int64(1), int64(1), "Sales", "UTC", "D", flowOrg.String(), 120, 0, false, int64(5), now).
			AddRow(int64(2), int64(1), "Support", "America/Sao_Paulo", "M", nil, 0, 1, true, nil, now))

	projects, err := ProjectsOf(ctx, db, 1)
	require.NoError(t, err)
	require.Len(t, projects, 2)

	assert.Equal(t, flowOrg, projects[0].FlowOrganization.UUID)
	require.NotNil(t, projects[0].CreatedBy)
	assert.Equal(t, int64(5), *projects[0].CreatedBy)

	assert.False(t, projects[1].FlowOrganization.Valid)
	assert.Nil(t, projects[1].CreatedBy)
	assert.Equal(t, DateFormatMonthFirst, projects[1].DateFormat)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSuspendedAndContactTotal(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE organizations SET is_suspended").
		WithArgs(true, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, MarkSuspended(ctx, db, 1, true))

	mock.ExpectExec("UPDATE organizations SET is_suspended").
		WithArgs(false, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.True(t, apperrors.IsNotFound(MarkSuspended(ctx, db, 2, false)))

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(contact_count\\), 0\\) FROM projects").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(250)))
	total, err := ActiveContactTotal(ctx, db, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(250), total)

	mock.ExpectExec("UPDATE projects SET contact_count").
		WithArgs(int64(120), int64(30)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, SetContactCount(ctx, db, 30, 120))
	require.NoError(t, mock.ExpectationsWereMet())
}
