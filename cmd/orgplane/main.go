package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/platinummonkey/orgplane/pkg/api"
	"github.com/platinummonkey/orgplane/pkg/app"
	"github.com/platinummonkey/orgplane/pkg/config"
	"github.com/platinummonkey/orgplane/pkg/identity"
	"github.com/platinummonkey/orgplane/pkg/middleware"
	"github.com/platinummonkey/orgplane/pkg/observability"
)

const (
	dbStatsInterval     = 15 * time.Second
	healthWatchInterval = 10 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger("info", "json", os.Stderr).WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize OpenTelemetry")
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}

	opts := api.Options{Logger: logger}
	if cfg.Observability.MetricsEnabled {
		opts.Metrics = a.Metrics
	}
	if cfg.Identity.IssuerURL != "" {
		verifier, err := identity.NewOIDCVerifier(ctx, cfg.Identity.IssuerURL, cfg.Identity.ClientID)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize OIDC verifier")
		}
		opts.Authenticate = identity.BearerMiddleware(verifier, a.Identities)
	} else {
		logger.Warn("No OIDC issuer configured, every authenticated endpoint will answer 401")
	}

	if cfg.RateLimit.Enabled {
		limits := middleware.NewRateLimitMiddleware(a.Redis,
			middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimit.IdentityPerMinute, WindowDuration: time.Minute},
			middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimit.AnonymousPerMinute, WindowDuration: time.Minute},
		)
		opts.RateLimit = limits.Handler
	}

	apiServer := api.NewServer(opts,
		api.NewOrgHandlers(a.ControlPlane, a.Orgs, a.Authz, a.Identities),
		api.NewBillingHandlers(a.Billing, a.Authz, a.Gateway),
	)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(apiServer, cfg.Observability.OTelServiceName),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	probes := []observability.Probe{observability.DatabaseProbe(a.DB)}
	if a.Redis != nil {
		probes = append(probes, observability.RedisProbe(a.Redis))
	}
	checker := observability.NewHealthChecker(cfg.Observability.OTelServiceVersion, probes...)

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, a.Registry)
	}
	healthServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     healthMux,
		ReadTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	grpcHealth := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, grpcHealth)

	grpcListener, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		logger.WithError(err).Fatal("Failed to listen for gRPC health checks")
	}

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("Starting API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("API server failed")
		}
	}()
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Health server failed")
		}
	}()
	go func() {
		logger.WithField("addr", grpcListener.Addr().String()).Info("Starting gRPC health server")
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.WithError(err).Error("gRPC health server failed")
		}
	}()
	go checker.Watch(ctx, healthWatchInterval, func(status observability.HealthStatus) {
		serving := healthpb.HealthCheckResponse_SERVING
		if status.Status == observability.StatusUnhealthy {
			serving = healthpb.HealthCheckResponse_NOT_SERVING
		}
		grpcHealth.SetServingStatus("", serving)
	})
	if cfg.Observability.MetricsEnabled {
		go recordDBStats(ctx, a)
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)
	shutdown.Register("grpc", func(context.Context) error {
		grpcHealth.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})
	shutdown.Register("services", func(ctx context.Context) error {
		cancel()
		return a.Close(ctx)
	})
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	if err := shutdown.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

func recordDBStats(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Metrics.UpdateDBStats(a.DB.Stats())
		}
	}
}
