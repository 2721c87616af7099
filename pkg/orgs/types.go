package orgs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DateFormat is the project's display convention for dates
type DateFormat string

const (
	DateFormatDayFirst   DateFormat = "D"
	DateFormatMonthFirst DateFormat = "M"
)

// Organization is a tenant. Its billing plan lives in pkg/billing and is
// created in the same transaction as the organization.
type Organization struct {
	ID                       int64         `json:"id"`
	Name                     string        `json:"name"`
	Description              string        `json:"description,omitempty"`
	IsSuspended              bool          `json:"is_suspended"`
	Enforce2FA               bool          `json:"enforce_2fa"`
	ExtraIntegration         int           `json:"extra_integration"`
	IntelligenceOrganization uuid.NullUUID `json:"intelligence_organization"`
	CreatedAt                time.Time     `json:"created_at"`
}

// Project belongs to exactly one organization and is bound 1:1 to an
// organization in the flow engine through FlowOrganization.
type Project struct {
	ID               int64         `json:"id"`
	OrganizationID   int64         `json:"organization_id"`
	Name             string        `json:"name"`
	Timezone         string        `json:"timezone"`
	DateFormat       DateFormat    `json:"date_format"`
	FlowOrganization uuid.NullUUID `json:"flow_organization"`
	ContactCount     int           `json:"contact_count"`
	ExtraIntegration int           `json:"extra_integration"`
	IsTemplate       bool          `json:"is_template"`
	CreatedBy        *int64        `json:"created_by,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// CreateOrgRequest represents a request to create an organization
type CreateOrgRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enforce2FA  bool   `json:"enforce_2fa"`
}

// UpdateOrgRequest represents a partial organization update
type UpdateOrgRequest struct {
	Name             *string `json:"name,omitempty"`
	Description      *string `json:"description,omitempty"`
	Enforce2FA       *bool   `json:"enforce_2fa,omitempty"`
	ExtraIntegration *int    `json:"extra_integration,omitempty"`
}

// CreateProjectRequest represents a request to create a project
type CreateProjectRequest struct {
	Name       string     `json:"name"`
	Timezone   string     `json:"timezone"`
	DateFormat DateFormat `json:"date_format"`
	IsTemplate bool       `json:"is_template"`
}

// TxStep runs inside the organization creation transaction after the
// organization row is inserted. Returning an error rolls everything back.
type TxStep func(ctx context.Context, tx *sql.Tx, org *Organization) error

// Service defines the interface for organization and project storage
type Service interface {
	CreateOrganization(ctx context.Context, req *CreateOrgRequest, steps ...TxStep) (*Organization, error)
	GetOrganization(ctx context.Context, id int64) (*Organization, error)
	UpdateOrganization(ctx context.Context, id int64, req *UpdateOrgRequest) (*Organization, error)
	DeleteOrganization(ctx context.Context, id int64) error

	CreateProject(ctx context.Context, orgID int64, createdBy *int64, req *CreateProjectRequest) (*Project, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	ListProjects(ctx context.Context, orgID int64) ([]*Project, error)
	SetFlowOrganization(ctx context.Context, projectID int64, flowOrg uuid.UUID) error
	DeleteProject(ctx context.Context, id int64) error
}
