package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the control plane schema in apply order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create identities and organizations",
			SQL: `
				CREATE TABLE IF NOT EXISTS identities (
					id BIGSERIAL PRIMARY KEY,
					subject VARCHAR(255) UNIQUE,
					email VARCHAR(254) NOT NULL UNIQUE,
					first_name VARCHAR(150) NOT NULL DEFAULT '',
					last_name VARCHAR(150) NOT NULL DEFAULT '',
					has_2fa BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(150) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					is_suspended BOOLEAN NOT NULL DEFAULT FALSE,
					enforce_2fa BOOLEAN NOT NULL DEFAULT FALSE,
					extra_integration INT NOT NULL DEFAULT 0,
					intelligence_organization UUID,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_organizations_is_suspended ON organizations(is_suspended);
			`,
		},
		{
			Version:     2,
			Description: "Create projects",
			SQL: `
				CREATE TABLE IF NOT EXISTS projects (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(150) NOT NULL,
					timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
					date_format VARCHAR(1) NOT NULL DEFAULT 'D',
					flow_organization UUID UNIQUE,
					contact_count INT NOT NULL DEFAULT 0,
					extra_integration INT NOT NULL DEFAULT 0,
					is_template BOOLEAN NOT NULL DEFAULT FALSE,
					created_by BIGINT REFERENCES identities(id) ON DELETE SET NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_projects_organization_id ON projects(organization_id);
			`,
		},
		{
			Version:     3,
			Description: "Create authorizations and invites",
			SQL: `
				CREATE TABLE IF NOT EXISTS organization_authorizations (
					id BIGSERIAL PRIMARY KEY,
					identity_id BIGINT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					role SMALLINT NOT NULL DEFAULT 0 CHECK (role BETWEEN 0 AND 5),
					has_2fa BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(identity_id, organization_id)
				);

				CREATE TABLE IF NOT EXISTS project_authorizations (
					id BIGSERIAL PRIMARY KEY,
					identity_id BIGINT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
					project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					organization_authorization_id BIGINT NOT NULL
						REFERENCES organization_authorizations(id) ON DELETE CASCADE,
					role SMALLINT NOT NULL DEFAULT 0 CHECK (role BETWEEN 0 AND 5),
					chat_role SMALLINT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(identity_id, project_id)
				);

				CREATE INDEX idx_project_authorizations_org_auth ON project_authorizations(organization_authorization_id);

				CREATE TABLE IF NOT EXISTS organization_invites (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(254) NOT NULL,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					role SMALLINT NOT NULL CHECK (role BETWEEN 1 AND 5),
					invited_by BIGINT REFERENCES identities(id) ON DELETE SET NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(email, organization_id)
				);

				CREATE TABLE IF NOT EXISTS project_invites (
					id BIGSERIAL PRIMARY KEY,
					email VARCHAR(254) NOT NULL,
					project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					role SMALLINT NOT NULL CHECK (role BETWEEN 1 AND 5),
					invited_by BIGINT REFERENCES identities(id) ON DELETE SET NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(email, project_id)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create billing plans",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_plans (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL UNIQUE REFERENCES organizations(id) ON DELETE CASCADE,
					plan VARCHAR(20) NOT NULL,
					cycle VARCHAR(20) NOT NULL,
					payment_method VARCHAR(20) NOT NULL,
					next_due_date TIMESTAMPTZ,
					last_invoice_date TIMESTAMPTZ,
					termination_date TIMESTAMPTZ,
					contract_on TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					trial_end_date TIMESTAMPTZ,
					stripe_customer VARCHAR(100),
					card_brand VARCHAR(24),
					card_last4 VARCHAR(4),
					card_expiration VARCHAR(7),
					cardholder_name VARCHAR(100),
					fixed_discount NUMERIC(5,2) NOT NULL DEFAULT 0,
					personal_identification_number VARCHAR(50),
					additional_billing_information TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_billing_plans_plan ON billing_plans(plan, is_active);
				CREATE INDEX idx_billing_plans_next_due_date ON billing_plans(next_due_date);
			`,
		},
		{
			Version:     5,
			Description: "Create invoices",
			SQL: `
				CREATE TABLE IF NOT EXISTS invoices (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					invoice_random_id INT NOT NULL,
					due_date TIMESTAMPTZ,
					paid_date TIMESTAMPTZ,
					payment_status VARCHAR(10) NOT NULL DEFAULT 'pending',
					payment_method VARCHAR(20) NOT NULL,
					discount NUMERIC(5,2) NOT NULL DEFAULT 0,
					stripe_charge_id VARCHAR(100),
					capture_payment BOOLEAN NOT NULL DEFAULT TRUE,
					extra_integration INT NOT NULL DEFAULT 0,
					cost_per_integration NUMERIC(10,2) NOT NULL DEFAULT 0,
					total_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE(organization_id, invoice_random_id)
				);

				CREATE INDEX idx_invoices_capture ON invoices(payment_status, capture_payment);
				CREATE INDEX idx_invoices_stripe_charge_id ON invoices(stripe_charge_id);

				CREATE TABLE IF NOT EXISTS invoice_projects (
					id BIGSERIAL PRIMARY KEY,
					invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
					project_id BIGINT REFERENCES projects(id) ON DELETE SET NULL,
					project_name VARCHAR(150) NOT NULL,
					contact_count INT NOT NULL DEFAULT 0,
					amount NUMERIC(12,2) NOT NULL DEFAULT 0
				);
			`,
		},
		{
			Version:     6,
			Description: "Create contact usage tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS contact_activity (
					id BIGSERIAL PRIMARY KEY,
					project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					contact_uuid UUID NOT NULL,
					seen_on DATE NOT NULL,
					UNIQUE(project_id, contact_uuid, seen_on)
				);

				CREATE TABLE IF NOT EXISTS contact_daily_counts (
					id BIGSERIAL PRIMARY KEY,
					project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
					day DATE NOT NULL,
					count INT NOT NULL DEFAULT 0,
					UNIQUE(project_id, day)
				);
			`,
		},
	}
}

// RunMigrations executes all pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB, logger *logrus.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		logger.Infof("Running migration %d: %s", migration.Version, migration.Description)

		err := WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
				migration.Version, migration.Description,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}
