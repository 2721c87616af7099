package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE organizations").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err = WithTx(context.Background(), db, func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE organizations SET is_suspended = TRUE WHERE id = $1", 1)
			return err
		})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err = WithTx(context.Background(), db, func(tx *sql.Tx) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

		err = WithTx(context.Background(), db, func(tx *sql.Tx) error {
			t.Fatal("fn must not run")
			return nil
		})
		assert.Contains(t, err.Error(), "failed to begin transaction")
	})
}

func TestLockOrganization(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM organizations WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM organizations WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(8)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, LockOrganization(context.Background(), tx, 7))
	assert.ErrorIs(t, LockOrganization(context.Background(), tx, 8), sql.ErrNoRows)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorClassification(t *testing.T) {
	unique := &pq.Error{Code: "23505", Constraint: "organization_authorizations_identity_id_organization_id_key"}
	fk := &pq.Error{Code: "23503"}
	serialization := &pq.Error{Code: "40001"}

	assert.True(t, IsUniqueViolation(unique))
	assert.False(t, IsUniqueViolation(fk))
	assert.True(t, IsForeignKeyViolation(fk))
	assert.True(t, IsSerializationFailure(serialization))
	assert.False(t, IsUniqueViolation(errors.New("plain")))
	assert.Equal(t, "organization_authorizations_identity_id_organization_id_key", ConstraintName(unique))
	assert.Empty(t, ConstraintName(errors.New("plain")))
}

func TestRunMigrations(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	t.Run("applies only pending migrations", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
		rows := sqlmock.NewRows([]string{"version"})
		for v := 1; v <= 5; v++ {
			rows.AddRow(v)
		}
		mock.ExpectQuery("SELECT version FROM schema_migrations").WillReturnRows(rows)
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS contact_activity").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(6, "Create contact usage tables").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, RunMigrations(context.Background(), db, logger))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed migration is rolled back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT version FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}))
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS identities").WillReturnError(errors.New("permission denied for schema public"))
		mock.ExpectRollback()

		err = RunMigrations(context.Background(), db, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to execute migration 1")
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMigrationsAreOrdered(t *testing.T) {
	migrations := GetMigrations()
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.SQL)
	}
}
