package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgplane/pkg/billing"
	"github.com/platinummonkey/orgplane/pkg/observability"
	"github.com/platinummonkey/orgplane/pkg/storage/locks"
)

// ErrUnknownJob is returned by Run for a name that was never registered
var ErrUnknownJob = errors.New("unknown job")

// Job is a periodic sweep
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (billing.SweepResult, error)
}

// Runner runs registered jobs under a cluster-wide lease so that two
// scheduler replicas never run the same job at once.
type Runner struct {
	locker   *locks.Locker
	leaseTTL time.Duration
	metrics  *observability.Metrics
	logger   *logrus.Logger

	mu   sync.RWMutex
	jobs map[string]Job
}

// NewRunner creates a Runner. A nil locker runs jobs without a lease,
// which is only safe with a single scheduler.
func NewRunner(locker *locks.Locker, leaseTTL time.Duration, metrics *observability.Metrics, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{
		locker:   locker,
		leaseTTL: leaseTTL,
		metrics:  metrics,
		logger:   logger,
		jobs:     make(map[string]Job),
	}
}

// Register adds jobs, replacing any with the same name
func (r *Runner) Register(jobs ...Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range jobs {
		r.jobs[job.Name] = job
	}
}

// Names lists registered jobs in name order
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes one job if its lease can be taken. A job whose lease is
// held elsewhere is skipped and reports ran == false.
func (r *Runner) Run(ctx context.Context, name string) (result billing.SweepResult, ran bool, err error) {
	r.mu.RLock()
	job, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return billing.SweepResult{}, false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	entry := r.logger.WithField("job", name)
	start := time.Now()

	if r.locker != nil {
		lease, acquired, err := r.locker.TryAcquire(ctx, name, r.leaseTTL)
		if err != nil {
			r.metrics.ObserveJobRun(name, "error", time.Since(start))
			return billing.SweepResult{}, false, err
		}
		if !acquired {
			entry.Info("Job lease held by another scheduler, skipping")
			r.metrics.ObserveJobRun(name, "skipped", time.Since(start))
			return billing.SweepResult{}, false, nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				entry.WithError(err).Warn("Failed to release job lease")
			}
		}()
	}

	entry.Info("Job started")
	result, err = job.Run(ctx)
	elapsed := time.Since(start)

	entry = entry.WithFields(logrus.Fields{
		"processed": result.Processed,
		"failed":    result.Failed,
		"duration":  elapsed.String(),
	})
	if err != nil {
		entry.WithError(err).Error("Job failed")
		r.metrics.ObserveJobRun(name, "error", elapsed)
		return result, true, err
	}

	status := "success"
	if result.Failed > 0 {
		status = "partial"
	}
	entry.Info("Job finished")
	r.metrics.ObserveJobRun(name, status, elapsed)
	return result, true, nil
}

// RunAll runs every registered job once, in name order, and joins the
// errors
func (r *Runner) RunAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.Names() {
		if _, _, err := r.Run(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Schedule adds every registered job to c. Runs of the same job that would
// overlap locally are skipped.
func (r *Runner) Schedule(ctx context.Context, c *cron.Cron) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, job := range r.jobs {
		name := job.Name
		wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(r.logger))).Then(cron.FuncJob(func() {
			defer observability.RecoverPanic(r.logger, "job", name)
			_, _, _ = r.Run(ctx, name)
		}))
		if _, err := c.AddJob(job.Schedule, wrapped); err != nil {
			return fmt.Errorf("failed to schedule job %s (%q): %w", name, job.Schedule, err)
		}
		r.logger.WithFields(logrus.Fields{
			"job":      name,
			"schedule": job.Schedule,
		}).Info("Job scheduled")
	}
	return nil
}
