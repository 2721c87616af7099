package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgplane/pkg/apperrors"
	"github.com/platinummonkey/orgplane/pkg/storage/postgres"
)

const identityColumns = `id, COALESCE(subject, ''), email, first_name, last_name, has_2fa, created_at`

// PostgresService implements the Service interface using PostgreSQL
type PostgresService struct {
	db     *sql.DB
	onNew  []CreatedHook
	logger *logrus.Logger
}

// NewPostgresService creates a new PostgresService. hooks run, in order,
// in the transaction that creates a new identity.
func NewPostgresService(db *sql.DB, logger *logrus.Logger, hooks ...CreatedHook) *PostgresService {
	return &PostgresService{db: db, onNew: hooks, logger: logger}
}

// Upsert creates the identity for claims or refreshes its profile. The
// boolean result is true when the row was created by this call.
func (s *PostgresService) Upsert(ctx context.Context, claims *Claims) (*Identity, bool, error) {
	email := NormalizeEmail(claims.Email)
	if email == "" {
		return nil, false, apperrors.InvalidArgument("email is required")
	}

	ident := &Identity{}
	var created bool
	var afterCommit []func(context.Context)
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		query := `
			INSERT INTO identities (subject, email, first_name, last_name, has_2fa)
			VALUES (NULLIF($1, ''), $2, $3, $4, $5)
			ON CONFLICT (email) DO UPDATE
			SET subject = COALESCE(identities.subject, EXCLUDED.subject),
			    first_name = CASE WHEN EXCLUDED.first_name = '' THEN identities.first_name ELSE EXCLUDED.first_name END,
			    last_name = CASE WHEN EXCLUDED.last_name = '' THEN identities.last_name ELSE EXCLUDED.last_name END,
			    has_2fa = EXCLUDED.has_2fa
			RETURNING ` + identityColumns + `, (xmax = 0) AS created
		`
		err := tx.QueryRowContext(ctx, query,
			claims.Subject, email, claims.GivenName, claims.FamilyName, claims.MultiFactor(),
		).Scan(
			&ident.ID, &ident.Subject, &ident.Email, &ident.FirstName, &ident.LastName,
			&ident.Has2FA, &ident.CreatedAt, &created,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return apperrors.StateConflict("subject is already bound to another identity")
			}
			return fmt.Errorf("failed to upsert identity: %w", err)
		}

		if !created {
			return nil
		}
		for _, hook := range s.onNew {
			after, err := hook(ctx, tx, ident)
			if err != nil {
				return err
			}
			if after != nil {
				afterCommit = append(afterCommit, after)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.WithFields(logrus.Fields{
			"identity_id": ident.ID,
		}).Info("Identity created")
	}
	for _, after := range afterCommit {
		after(ctx)
	}
	return ident, created, nil
}

// Get retrieves an identity by ID
func (s *PostgresService) Get(ctx context.Context, id int64) (*Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
}

// GetByEmail retrieves an identity by email (case-insensitive)
func (s *PostgresService) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	return FindByEmail(ctx, s.db, email)
}

// FindByEmail looks an identity up through q
func FindByEmail(ctx context.Context, q postgres.DBTX, email string) (*Identity, error) {
	return scanIdentity(q.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email = $1`, NormalizeEmail(email)))
}

// NormalizeEmail lowercases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	ident := &Identity{}
	err := row.Scan(
		&ident.ID, &ident.Subject, &ident.Email, &ident.FirstName, &ident.LastName,
		&ident.Has2FA, &ident.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("identity")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return ident, nil
}
