// Package app assembles the control plane's services from configuration.
// Both the API server and the scheduler start from the same graph.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgplane/pkg/authz"
	"github.com/platinummonkey/orgplane/pkg/billing"
	"github.com/platinummonkey/orgplane/pkg/config"
	"github.com/platinummonkey/orgplane/pkg/controlplane"
	"github.com/platinummonkey/orgplane/pkg/gateway"
	"github.com/platinummonkey/orgplane/pkg/identity"
	"github.com/platinummonkey/orgplane/pkg/observability"
	"github.com/platinummonkey/orgplane/pkg/orgs"
	"github.com/platinummonkey/orgplane/pkg/provisioning"
	"github.com/platinummonkey/orgplane/pkg/storage/archive"
	"github.com/platinummonkey/orgplane/pkg/storage/locks"
	"github.com/platinummonkey/orgplane/pkg/storage/postgres"
)

// App holds the wired services and the resources they own
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	DB       *sql.DB
	Redis    *redis.Client
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	Gateway      *gateway.StripeGateway
	Orchestrator provisioning.Orchestrator
	Notifier     *provisioning.Notifier

	Orgs         *orgs.PostgresService
	Authz        *authz.PostgresService
	Identities   *identity.PostgresService
	Billing      *billing.PostgresService
	ControlPlane *controlplane.Service

	closers []func(context.Context) error
}

// New connects to every backing store and builds the service graph.
// Partially acquired resources are released when it fails.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = observability.NewMetrics(a.Registry)

	if err := a.connectStores(ctx); err != nil {
		return nil, err
	}
	if err := a.connectServices(ctx); err != nil {
		return nil, err
	}

	pricing, err := a.loadPricing(ctx)
	if err != nil {
		return nil, err
	}

	var archiver billing.Archiver
	if cfg.Archive.Enabled {
		s3Archive, err := archive.NewS3Archive(ctx, archive.Config{
			Endpoint:     cfg.Archive.Endpoint,
			Region:       cfg.Archive.Region,
			Bucket:       cfg.Archive.Bucket,
			AccessKey:    cfg.Archive.AccessKey,
			SecretKey:    cfg.Archive.SecretKey,
			UsePathStyle: cfg.Archive.UsePathStyle,
			Prefix:       cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize invoice archive: %w", err)
		}
		archiver = s3Archive
	}

	exempt := make([]billing.PlanTier, 0, len(cfg.Billing.CardExemptPlans))
	for _, plan := range cfg.Billing.CardExemptPlans {
		exempt = append(exempt, billing.PlanTier(plan))
	}

	a.Orgs = orgs.NewPostgresService(a.DB)
	a.Authz = authz.NewPostgresService(a.DB, a.Notifier, a.Metrics, logger)
	a.Identities = identity.NewPostgresService(a.DB, logger, a.Authz.ConsumeInvites)
	a.Billing = billing.NewPostgresService(a.DB, billing.Options{
		Gateway:         a.Gateway,
		Notifier:        a.Notifier,
		Usage:           a.Orchestrator,
		Pricing:         pricing,
		Archive:         archiver,
		Notices:         billing.LogNotices{Logger: logger},
		CardExemptPlans: exempt,
		Concurrency:     cfg.Jobs.Concurrency,
		Metrics:         a.Metrics,
		Logger:          logger,
	})
	a.ControlPlane = controlplane.NewService(a.Orgs, a.Authz, a.Billing, a.Orchestrator, logger)

	return a, nil
}

func (a *App) connectStores(ctx context.Context) error {
	cfg := a.Config

	dbConfig := postgres.DefaultConnectionConfig(cfg.Database.URL)
	dbConfig.MaxConns = cfg.Database.MaxConns
	dbConfig.MinConns = cfg.Database.MinConns
	dbConfig.Timeout = cfg.Database.Timeout
	db, err := postgres.Connect(ctx, dbConfig)
	if err != nil {
		return err
	}
	a.DB = db
	a.onClose(func(context.Context) error { return db.Close() })

	if cfg.Database.Migrate {
		if err := postgres.RunMigrations(ctx, db, a.Logger); err != nil {
			return err
		}
	}

	if cfg.Redis.URL != "" {
		client, err := locks.NewRedisClient(ctx, locks.RedisConfig{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
			PoolSize:   cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		a.Redis = client
		a.onClose(func(context.Context) error { return client.Close() })
	}

	return nil
}

func (a *App) connectServices(ctx context.Context) error {
	cfg := a.Config

	gw, err := gateway.NewStripeGateway(gateway.Config{
		SecretKey:     cfg.Gateway.StripeSecretKey,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		Currency:      cfg.Gateway.Currency,
		CardCacheSize: cfg.Gateway.CardCacheSize,
		CardCacheTTL:  cfg.Gateway.CardCacheTTL,
		CallTimeout:   cfg.Gateway.CallTimeout,
	}, a.Logger, a.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize payment gateway: %w", err)
	}
	a.Gateway = gw

	a.Orchestrator = provisioning.NoopOrchestrator{}
	if cfg.Provisioning.Enabled {
		client, err := provisioning.NewRESTClient(ctx, provisioning.RESTConfig{
			BaseURL:      cfg.Provisioning.BaseURL,
			TokenURL:     cfg.Provisioning.TokenURL,
			ClientID:     cfg.Provisioning.ClientID,
			ClientSecret: cfg.Provisioning.ClientSecret,
			Scopes:       cfg.Provisioning.Scopes,
			Timeout:      cfg.Provisioning.Timeout,
			Retry: provisioning.RetryConfig{
				MaxAttempts:  cfg.Provisioning.MaxAttempts,
				InitialDelay: cfg.Provisioning.InitialDelay,
				MaxDelay:     cfg.Provisioning.MaxDelay,
			},
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize flow engine client: %w", err)
		}
		a.Orchestrator = client
	} else {
		a.Logger.Warn("Provisioning disabled, flow engine calls are no-ops")
	}

	a.Notifier = provisioning.NewNotifier(a.Orchestrator, a.Logger, a.Metrics)
	a.onClose(a.Notifier.Wait)
	return nil
}

func (a *App) loadPricing(ctx context.Context) (billing.PricingSource, error) {
	if a.Config.Billing.PricingFile == "" {
		return billing.NewStaticPricing(billing.DefaultPricing()), nil
	}

	source, err := billing.NewFilePricingSource(a.Config.Billing.PricingFile, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := source.Watch(ctx); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return source.Close() })
	return source, nil
}

// Locker returns a job lease locker, or nil without Redis
func (a *App) Locker(prefix string) *locks.Locker {
	if a.Redis == nil {
		return nil
	}
	return locks.NewLocker(a.Redis, prefix)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse acquisition order and joins the
// errors
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
