package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgplane/pkg/observability"
)

// SafeGo executes fn in a goroutine with panic recovery, a timeout, and
// error logging. The task is detached from parentCtx cancellation so a
// finished request does not abort its side effects, but it keeps the
// parent's values (trace context).
//
// Example:
//
//	SafeGo(r.Context(), logger, 30*time.Second, "permission change", func(ctx context.Context) error {
//	    return orchestrator.NotifyPermissionChanged(ctx, change)
//	})
func SafeGo(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go run(parentCtx, logger, timeout, taskName, fn)
}

func run(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
	defer cancel()

	defer observability.RecoverPanic(logger, "task", taskName)

	if err := fn(ctx); err != nil {
		logger.WithField("task", taskName).WithError(err).Warn("Background task failed")
	}
}

// Group runs SafeGo tasks and lets the owner wait for in-flight tasks
// during shutdown.
type Group struct {
	logger logrus.FieldLogger
	wg     sync.WaitGroup
}

// NewGroup creates a task group that logs through logger
func NewGroup(logger logrus.FieldLogger) *Group {
	return &Group{logger: logger}
}

// Go starts fn with the same guarantees as SafeGo
func (g *Group) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(parentCtx, g.logger, timeout, taskName, fn)
	}()
}

// Wait blocks until all started tasks return or ctx is done
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background tasks still running: %w", ctx.Err())
	}
}
