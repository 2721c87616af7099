package billing

import (
	"context"
	"fmt"

	"github.com/platinummonkey/orgplane/pkg/provisioning"
	"github.com/platinummonkey/orgplane/pkg/storage/postgres"
)

// ContactCounter counts the billable contacts of a project in a window
type ContactCounter interface {
	CountContacts(ctx context.Context, q postgres.DBTX, projectID int64, tier PlanTier, window provisioning.Window) (int64, error)
}

// SQLContactCounter counts from the local usage tables. CUSTOM and
// ENTERPRISE plans are billed on distinct contacts seen in the window;
// every other tier sums the daily snapshots, so a contact active on two
// days counts twice.
type SQLContactCounter struct{}

// CountContacts implements ContactCounter
func (SQLContactCounter) CountContacts(ctx context.Context, q postgres.DBTX, projectID int64, tier PlanTier, window provisioning.Window) (int64, error) {
	if countsDistinct(tier) {
		return countDistinctContacts(ctx, q, projectID, window)
	}
	return sumDailyContacts(ctx, q, projectID, window)
}

func countsDistinct(tier PlanTier) bool {
	return tier == PlanCustom || tier == PlanEnterprise
}

func countDistinctContacts(ctx context.Context, q postgres.DBTX, projectID int64, window provisioning.Window) (int64, error) {
	query := `
		SELECT COUNT(DISTINCT contact_uuid)
		FROM contact_activity
		WHERE project_id = $1 AND seen_on BETWEEN $2::date AND $3::date
	`
	var count int64
	if err := q.QueryRowContext(ctx, query, projectID, window.Start, window.End).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count distinct contacts: %w", err)
	}
	return count, nil
}

func sumDailyContacts(ctx context.Context, q postgres.DBTX, projectID int64, window provisioning.Window) (int64, error) {
	query := `
		SELECT COALESCE(SUM(count), 0)
		FROM contact_daily_counts
		WHERE project_id = $1 AND day BETWEEN $2::date AND $3::date
	`
	var count int64
	if err := q.QueryRowContext(ctx, query, projectID, window.Start, window.End).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to sum daily contacts: %w", err)
	}
	return count, nil
}
