// Package async runs fire-and-forget side effects (provisioning
// notifications, invoice archiving) with panic recovery, per-task timeouts,
// and logrus error logging.
//
// # Overview
//
// Tasks started through a Group can be drained on shutdown:
//
//	tasks := async.NewGroup(logger)
//	tasks.Go(ctx, 30*time.Second, "suspend project", func(ctx context.Context) error {
//		return orchestrator.NotifyProjectSuspended(ctx, ref, true)
//	})
//	defer tasks.Wait(shutdownCtx)
package async
