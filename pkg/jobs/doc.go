// Package jobs schedules the periodic billing sweeps.
//
// Each job takes a Redis lease named after the job before it runs, so any
// number of scheduler replicas can share one cron table:
//
//	runner := jobs.NewRunner(locks.NewLocker(redisClient, "orgplane"), cfg.Jobs.LeaseTTL, metrics, logger)
//	runner.Register(jobs.BillingJobs(billingSvc, cfg.Jobs, time.Now)...)
//
//	c := cron.New(cron.WithLocation(time.UTC))
//	if err := runner.Schedule(ctx, c); err != nil {
//		return err
//	}
//	c.Start()
//
// The sweeps themselves are re-entrant: a job interrupted halfway is simply
// picked up by the next run.
package jobs
