package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Database   DatabaseConfig
	Encryption EncryptionConfig
	Scheduler  SchedulerConfig
	Sync       SyncConfig
	Spend      SpendConfig
	Funds      FundsConfig
	Firebase   FirebaseConfig
	Telemetry  TelemetryConfig
	Secrets    SecretsConfig

	// ProviderTimeout bounds every outbound provider request.
	ProviderTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type EncryptionConfig struct {
	Key string
}

// SchedulerConfig controls the daemon. Each scheduled time starts one sync
// run; concurrency inside a run is SyncConfig.Workers.
type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	RunTimeout    time.Duration
	RunOnStartup  bool
}

// SyncConfig tunes the reserve sync engine.
type SyncConfig struct {
	Staleness          time.Duration
	Workers            int
	JobTimeout         time.Duration
	CheckpointAttempts int
	CheckpointBackoff  time.Duration
	DedupeStrategy     string
}

// SpendConfig configures the card provider that transactions are read from.
type SpendConfig struct {
	Sandbox          bool
	APIURL           string
	AuthURL          string
	TokenPath        string
	TransactionsPath string
	ClientID         string
	ClientSecret     string
	RedirectURI      string
}

// FundsConfig configures the bank whose pots receive the reserve.
type FundsConfig struct {
	BaseURL      string
	TokenPath    string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type FirebaseConfig struct {
	CredentialsFile string
	AlertTokens     []string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
}

type SecretsConfig struct {
	AWSRegion string
}

func Load() (*Config, error) {

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	// Parse scheduler configuration
	schedulerEnabled := getBoolEnv("SCHEDULER_ENABLED", true)
	schedulerTimes := splitList(getEnv("SCHEDULER_TIMES", "05:00,10:00,14:00,20:00"))
	for _, st := range schedulerTimes {
		if _, err := time.Parse("15:04", st); err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_TIMES entry %q: %w", st, err)
		}
	}
	schedulerRunTimeout, err := time.ParseDuration(getEnv("SCHEDULER_RUN_TIMEOUT", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_RUN_TIMEOUT: %w", err)
	}
	if schedulerRunTimeout <= 0 {
		return nil, fmt.Errorf("invalid SCHEDULER_RUN_TIMEOUT: must be positive, got %v", schedulerRunTimeout)
	}
	schedulerRunOnStartup := getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false)

	// Parse sync engine configuration
	staleness, err := time.ParseDuration(getEnv("SYNC_STALENESS", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_STALENESS: %w", err)
	}
	syncWorkers, err := strconv.Atoi(getEnv("SYNC_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_WORKERS: %w", err)
	}
	jobTimeout, err := time.ParseDuration(getEnv("SYNC_JOB_TIMEOUT", "2m"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_JOB_TIMEOUT: %w", err)
	}
	checkpointAttempts, err := strconv.Atoi(getEnv("SYNC_CHECKPOINT_ATTEMPTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_CHECKPOINT_ATTEMPTS: %w", err)
	}
	checkpointBackoff, err := time.ParseDuration(getEnv("SYNC_CHECKPOINT_BACKOFF", "500ms"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_CHECKPOINT_BACKOFF: %w", err)
	}
	providerTimeout, err := time.ParseDuration(getEnv("PROVIDER_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "reservesync"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "reservesync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:       schedulerEnabled,
			ScheduleTimes: schedulerTimes,
			RunTimeout:    schedulerRunTimeout,
			RunOnStartup:  schedulerRunOnStartup,
		},
		Sync: SyncConfig{
			Staleness:          staleness,
			Workers:            syncWorkers,
			JobTimeout:         jobTimeout,
			CheckpointAttempts: checkpointAttempts,
			CheckpointBackoff:  checkpointBackoff,
			DedupeStrategy:     getEnv("SYNC_DEDUPE_STRATEGY", "daily"),
		},
		Spend: SpendConfig{
			Sandbox:          getBoolEnv("SPEND_SANDBOX", false),
			APIURL:           getEnv("SPEND_API_URL", ""),
			AuthURL:          getEnv("SPEND_AUTH_URL", ""),
			TokenPath:        getEnv("SPEND_TOKEN_PATH", "/connect/token"),
			TransactionsPath: getEnv("SPEND_TRANSACTIONS_PATH", "/data/v1/cards/{account_id}/transactions"),
			ClientID:         getEnv("SPEND_CLIENT_ID", ""),
			ClientSecret:     getEnv("SPEND_CLIENT_SECRET", ""),
			RedirectURI:      getEnv("SPEND_REDIRECT_URI", ""),
		},
		Funds: FundsConfig{
			BaseURL:      getEnv("FUNDS_BASE_URL", "https://api.monzo.com"),
			TokenPath:    getEnv("FUNDS_TOKEN_PATH", "/oauth2/token"),
			ClientID:     getEnv("FUNDS_CLIENT_ID", ""),
			ClientSecret: getEnv("FUNDS_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("FUNDS_REDIRECT_URI", ""),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
			AlertTokens:     splitList(getEnv("FIREBASE_ALERT_TOKENS", "")),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "reservesync"),
			Environment:  getEnv("OTEL_ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9090"),
		},
		Secrets: SecretsConfig{
			AWSRegion: getEnv("AWS_REGION", ""),
		},
		ProviderTimeout: providerTimeout,
	}

	// Validate required fields
	if cfg.Encryption.Key == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(cfg.Encryption.Key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}
	if cfg.Sync.Workers < 1 {
		return nil, fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", cfg.Sync.Workers)
	}
	if cfg.Sync.CheckpointAttempts < 1 {
		return nil, fmt.Errorf("SYNC_CHECKPOINT_ATTEMPTS must be at least 1, got %d", cfg.Sync.CheckpointAttempts)
	}
	if cfg.Sync.JobTimeout <= 0 {
		return nil, fmt.Errorf("SYNC_JOB_TIMEOUT must be positive")
	}
	switch cfg.Sync.DedupeStrategy {
	case "daily", "window":
	default:
		return nil, fmt.Errorf("SYNC_DEDUPE_STRATEGY must be daily or window, got %q", cfg.Sync.DedupeStrategy)
	}
	if providerTimeout <= 0 {
		return nil, fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if !strings.Contains(cfg.Spend.TransactionsPath, "{account_id}") {
		return nil, fmt.Errorf("SPEND_TRANSACTIONS_PATH must contain {account_id}")
	}

	return cfg, nil
}

// RequireProviders checks the credentials the sync commands need. Commands
// that only touch the database (migrate, due) skip it.
func (c *Config) RequireProviders() error {
	required := []struct {
		name, value string
	}{
		{"SPEND_CLIENT_ID", c.Spend.ClientID},
		{"SPEND_CLIENT_SECRET", c.Spend.ClientSecret},
		{"FUNDS_CLIENT_ID", c.Funds.ClientID},
		{"FUNDS_CLIENT_SECRET", c.Funds.ClientSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}
	return nil
}

// SecretResolver turns a secret reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

// ResolveSecrets replaces secret references in the credential fields with
// their values. Plain values are returned unchanged by the resolver.
func (c *Config) ResolveSecrets(ctx context.Context, resolver SecretResolver) error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"DB_PASSWORD", &c.Database.Password},
		{"SPEND_CLIENT_ID", &c.Spend.ClientID},
		{"SPEND_CLIENT_SECRET", &c.Spend.ClientSecret},
		{"FUNDS_CLIENT_ID", &c.Funds.ClientID},
		{"FUNDS_CLIENT_SECRET", &c.Funds.ClientSecret},
	}
	for _, f := range fields {
		if *f.ptr == "" {
			continue
		}
		v, err := resolver.Resolve(ctx, *f.ptr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.name, err)
		}
		*f.ptr = v
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
