package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgplane/pkg/app"
	"github.com/platinummonkey/orgplane/pkg/config"
	"github.com/platinummonkey/orgplane/pkg/jobs"
	"github.com/platinummonkey/orgplane/pkg/observability"
)

var (
	runOnce  = flag.Bool("run-once", false, "Run the selected jobs once and exit")
	jobNames = flag.String("job", "", "Comma-separated jobs to run with --run-once (default: all)")
	list     = flag.Bool("list", false, "List the registered jobs and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger("info", "json", os.Stderr).WithError(err).Fatal("Failed to load configuration")
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Scheduler failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.WithError(err).Error("Failed to release resources")
		}
	}()

	locker := a.Locker("orgplane")
	if locker == nil {
		logger.Warn("No Redis configured, jobs run without a lease; run a single scheduler")
	}
	runner := jobs.NewRunner(locker, cfg.Jobs.LeaseTTL, a.Metrics, logger)
	runner.Register(jobs.BillingJobs(a.Billing, cfg.Jobs, time.Now)...)

	if *list {
		for _, name := range runner.Names() {
			fmt.Println(name)
		}
		return nil
	}

	if *runOnce {
		return runSelected(ctx, runner, *jobNames)
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if err := runner.Schedule(ctx, c); err != nil {
		return err
	}
	c.Start()
	logger.WithField("jobs", runner.Names()).Info("Scheduler started")

	<-ctx.Done()
	logger.Info("Shutting down scheduler, waiting for running jobs")
	<-c.Stop().Done()
	logger.Info("Scheduler stopped")
	return nil
}

func runSelected(ctx context.Context, runner *jobs.Runner, names string) error {
	if names == "" {
		return runner.RunAll(ctx)
	}
	var errs []error
	for _, name := range strings.Split(names, ",") {
		if _, _, err := runner.Run(ctx, strings.TrimSpace(name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
