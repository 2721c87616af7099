package provisioning

import (
	"context"

	"github.com/google/uuid"
)

// NoopOrchestrator is used when no sibling services are configured.
// ProvisionProject hands out random identifiers so projects can still be
// bound locally.
type NoopOrchestrator struct{}

func (NoopOrchestrator) NotifyPermissionChanged(context.Context, PermissionChange) error {
	return nil
}

func (NoopOrchestrator) NotifyProjectSuspended(context.Context, ProjectRef, bool) error {
	return nil
}

func (NoopOrchestrator) ProvisionProject(context.Context, ProjectRef) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (NoopOrchestrator) DeprovisionProject(context.Context, ProjectRef) error {
	return nil
}

func (NoopOrchestrator) GetUsage(context.Context, ProjectRef, Window) (int64, error) {
	return 0, nil
}
