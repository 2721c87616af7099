package provisioning

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgplane/pkg/async"
	"github.com/platinummonkey/orgplane/pkg/observability"
)

const defaultNotifyTimeout = 2 * time.Minute

// Notifier delivers post-commit notifications to sibling services without
// blocking the caller. Failures are logged and counted; local state is
// never rolled back because of them.
type Notifier struct {
	orchestrator Orchestrator
	tasks        *async.Group
	metrics      *observability.Metrics
	timeout      time.Duration
}

// NewNotifier creates a notifier. metrics may be nil.
func NewNotifier(orchestrator Orchestrator, logger logrus.FieldLogger, metrics *observability.Metrics) *Notifier {
	return &Notifier{
		orchestrator: orchestrator,
		tasks:        async.NewGroup(logger),
		metrics:      metrics,
		timeout:      defaultNotifyTimeout,
	}
}

// PermissionChanged schedules one notification per change
func (n *Notifier) PermissionChanged(ctx context.Context, changes ...PermissionChange) {
	for _, change := range changes {
		change := change
		n.tasks.Go(ctx, n.timeout, "notify permission changed", func(ctx context.Context) error {
			err := n.orchestrator.NotifyPermissionChanged(ctx, change)
			n.record("notify_permission_changed", err)
			return err
		})
	}
}

// ProjectsSuspended schedules a suspension flag update for every ref
func (n *Notifier) ProjectsSuspended(ctx context.Context, refs []ProjectRef, suspended bool) {
	for _, ref := range refs {
		ref := ref
		n.tasks.Go(ctx, n.timeout, "notify project suspended", func(ctx context.Context) error {
			err := n.orchestrator.NotifyProjectSuspended(ctx, ref, suspended)
			n.record("notify_project_suspended", err)
			return err
		})
	}
}

// Wait blocks until scheduled notifications finish or ctx is done
func (n *Notifier) Wait(ctx context.Context) error {
	return n.tasks.Wait(ctx)
}

func (n *Notifier) record(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	n.metrics.RecordProvisioningCall(operation, status)
}
