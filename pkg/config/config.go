package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	RateLimit     RateLimitConfig
	Archive       ArchiveConfig
	Gateway       GatewayConfig
	Provisioning  ProvisioningConfig
	Identity      IdentityConfig
	Billing       BillingConfig
	Jobs          JobsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP and gRPC server configuration
type ServerConfig struct {
	Host            string
	Port            string
	GRPCPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
	Migrate  bool
}

// RedisConfig holds the job lease store settings
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// RateLimitConfig holds the API request limits. They need Redis.
type RateLimitConfig struct {
	Enabled            bool
	IdentityPerMinute  int
	AnonymousPerMinute int
}

// ArchiveConfig holds invoice archive (S3) settings
type ArchiveConfig struct {
	Enabled      bool
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// GatewayConfig holds payment gateway credentials
type GatewayConfig struct {
	StripeSecretKey string
	WebhookSecret   string
	Currency        string
	CardCacheSize   int
	CardCacheTTL    time.Duration
	CallTimeout     time.Duration
}

// ProvisioningConfig holds the sibling-service client settings
type ProvisioningConfig struct {
	Enabled      bool
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// IdentityConfig holds the OIDC provider settings
type IdentityConfig struct {
	IssuerURL string
	ClientID  string
}

// BillingConfig holds billing policy settings
type BillingConfig struct {
	// PricingFile is an optional YAML pricing table; built-in defaults when empty
	PricingFile     string
	CardExemptPlans []string
}

// JobsConfig holds cron schedules for the periodic jobs
type JobsConfig struct {
	TrialExpirySchedule       string
	FreePlanLimitSchedule     string
	InvoiceGenerationSchedule string
	InvoiceCaptureSchedule    string
	ContactSyncSchedule       string
	Concurrency               int
	LeaseTTL                  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables. A .env file
// (or the file named by ORGPLANE_ENV_FILE) is applied first without
// overriding variables already set.
func LoadConfig() (*Config, error) {
	if err := loadEnvFile(getEnv("ORGPLANE_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		RateLimit:     loadRateLimitConfig(),
		Archive:       loadArchiveConfig(),
		Gateway:       loadGatewayConfig(),
		Provisioning:  loadProvisioningConfig(),
		Identity:      loadIdentityConfig(),
		Billing:       loadBillingConfig(),
		Jobs:          loadJobsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load env file %s: %w", path, err)
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ORGPLANE_HOST", "0.0.0.0"),
		Port:            getEnv("ORGPLANE_PORT", "8080"),
		GRPCPort:        getEnv("ORGPLANE_GRPC_PORT", "9000"),
		ReadTimeout:     getEnvDuration("ORGPLANE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ORGPLANE_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("ORGPLANE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ORGPLANE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("ORGPLANE_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:      getEnv("ORGPLANE_POSTGRES_URL", ""),
		MaxConns: getEnvInt("ORGPLANE_POSTGRES_MAX_CONNS", 20),
		MinConns: getEnvInt("ORGPLANE_POSTGRES_MIN_CONNS", 2),
		Timeout:  getEnvDuration("ORGPLANE_POSTGRES_TIMEOUT", 10*time.Second),
		Migrate:  getEnvBool("ORGPLANE_POSTGRES_MIGRATE", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("ORGPLANE_REDIS_URL", ""),
		Password:   getEnv("ORGPLANE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("ORGPLANE_REDIS_DB", 0),
		MaxRetries: getEnvInt("ORGPLANE_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("ORGPLANE_REDIS_POOL_SIZE", 10),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:            getEnvBool("ORGPLANE_RATE_LIMIT_ENABLED", false),
		IdentityPerMinute:  getEnvInt("ORGPLANE_RATE_LIMIT_IDENTITY_PER_MINUTE", 1000),
		AnonymousPerMinute: getEnvInt("ORGPLANE_RATE_LIMIT_ANONYMOUS_PER_MINUTE", 100),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Enabled:      getEnvBool("ORGPLANE_ARCHIVE_ENABLED", false),
		Endpoint:     getEnv("ORGPLANE_S3_ENDPOINT", ""),
		Region:       getEnv("ORGPLANE_S3_REGION", "us-east-1"),
		Bucket:       getEnv("ORGPLANE_S3_BUCKET", ""),
		AccessKey:    getEnv("ORGPLANE_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("ORGPLANE_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("ORGPLANE_S3_USE_PATH_STYLE", false),
		Prefix:       getEnv("ORGPLANE_S3_PREFIX", ""),
	}
}

func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		StripeSecretKey: getEnv("ORGPLANE_STRIPE_SECRET_KEY", ""),
		WebhookSecret:   getEnv("ORGPLANE_STRIPE_WEBHOOK_SECRET", ""),
		Currency:        getEnv("ORGPLANE_GATEWAY_CURRENCY", "brl"),
		CardCacheSize:   getEnvInt("ORGPLANE_CARD_CACHE_SIZE", 1024),
		CardCacheTTL:    getEnvDuration("ORGPLANE_CARD_CACHE_TTL", 10*time.Minute),
		CallTimeout:     getEnvDuration("ORGPLANE_GATEWAY_TIMEOUT", 30*time.Second),
	}
}

func loadProvisioningConfig() ProvisioningConfig {
	return ProvisioningConfig{
		Enabled:      getEnvBool("ORGPLANE_PROVISIONING_ENABLED", false),
		BaseURL:      getEnv("ORGPLANE_FLOWS_URL", ""),
		TokenURL:     getEnv("ORGPLANE_FLOWS_TOKEN_URL", ""),
		ClientID:     getEnv("ORGPLANE_FLOWS_CLIENT_ID", ""),
		ClientSecret: getEnv("ORGPLANE_FLOWS_CLIENT_SECRET", ""),
		Scopes:       getEnvList("ORGPLANE_FLOWS_SCOPES", nil),
		Timeout:      getEnvDuration("ORGPLANE_FLOWS_TIMEOUT", 30*time.Second),
		MaxAttempts:  getEnvInt("ORGPLANE_FLOWS_MAX_ATTEMPTS", 5),
		InitialDelay: getEnvDuration("ORGPLANE_FLOWS_INITIAL_DELAY", time.Second),
		MaxDelay:     getEnvDuration("ORGPLANE_FLOWS_MAX_DELAY", 30*time.Second),
	}
}

func loadIdentityConfig() IdentityConfig {
	return IdentityConfig{
		IssuerURL: getEnv("ORGPLANE_OIDC_ISSUER_URL", ""),
		ClientID:  getEnv("ORGPLANE_OIDC_CLIENT_ID", ""),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		PricingFile:     getEnv("ORGPLANE_PRICING_FILE", ""),
		CardExemptPlans: getEnvList("ORGPLANE_CARD_EXEMPT_PLANS", []string{"custom"}),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		TrialExpirySchedule:       getEnv("ORGPLANE_JOB_TRIAL_EXPIRY_SCHEDULE", "0 * * * *"),
		FreePlanLimitSchedule:     getEnv("ORGPLANE_JOB_FREE_PLAN_LIMIT_SCHEDULE", "*/30 * * * *"),
		InvoiceGenerationSchedule: getEnv("ORGPLANE_JOB_INVOICE_GENERATION_SCHEDULE", "0 2 * * *"),
		InvoiceCaptureSchedule:    getEnv("ORGPLANE_JOB_INVOICE_CAPTURE_SCHEDULE", "0 4 * * *"),
		ContactSyncSchedule:       getEnv("ORGPLANE_JOB_CONTACT_SYNC_SCHEDULE", "15 * * * *"),
		Concurrency:               getEnvInt("ORGPLANE_JOB_CONCURRENCY", 4),
		LeaseTTL:                  getEnvDuration("ORGPLANE_JOB_LEASE_TTL", 30*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           getEnv("ORGPLANE_LOG_LEVEL", "info"),
		LogFormat:          getEnv("ORGPLANE_LOG_FORMAT", "json"),
		MetricsEnabled:     getEnvBool("ORGPLANE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ORGPLANE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ORGPLANE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ORGPLANE_OTEL_SERVICE_NAME", "orgplane"),
		OTelServiceVersion: getEnv("ORGPLANE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ORGPLANE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("ORGPLANE_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}

	if c.RateLimit.Enabled {
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required when rate limiting is enabled")
		}
		if c.RateLimit.IdentityPerMinute < 1 || c.RateLimit.AnonymousPerMinute < 1 {
			return fmt.Errorf("rate limits must be at least 1 request per minute")
		}
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("S3 bucket is required when the invoice archive is enabled")
	}

	if c.Provisioning.Enabled {
		if c.Provisioning.BaseURL == "" {
			return fmt.Errorf("flow engine URL is required when provisioning is enabled")
		}
		if c.Provisioning.TokenURL == "" || c.Provisioning.ClientID == "" {
			return fmt.Errorf("flow engine OAuth2 client credentials are required when provisioning is enabled")
		}
		if c.Provisioning.MaxAttempts < 1 {
			return fmt.Errorf("flow engine max attempts must be at least 1")
		}
	}

	if c.Jobs.Concurrency < 1 {
		return fmt.Errorf("job concurrency must be at least 1")
	}
	// each sweep worker holds a connection for its organization transaction
	if c.Database.MaxConns > 0 && c.Jobs.Concurrency >= c.Database.MaxConns {
		return fmt.Errorf("job concurrency (%d) must be below postgres max conns (%d)", c.Jobs.Concurrency, c.Database.MaxConns)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
