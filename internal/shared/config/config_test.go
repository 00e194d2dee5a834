package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnvVars(t *testing.T) {
	t.Helper()
	t.Setenv("ENCRYPTION_KEY", "01234567890123456789012345678901") // 32 bytes
}

func TestLoad_Success(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Database.Port != 5432 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 5432)
	}
	if cfg.Sync.Staleness != 24*time.Hour {
		t.Errorf("Sync.Staleness = %v, want 24h", cfg.Sync.Staleness)
	}
	if cfg.Sync.Workers != 4 {
		t.Errorf("Sync.Workers = %d, want 4", cfg.Sync.Workers)
	}
	if cfg.Sync.JobTimeout != 2*time.Minute {
		t.Errorf("Sync.JobTimeout = %v, want 2m", cfg.Sync.JobTimeout)
	}
	if cfg.Sync.CheckpointAttempts != 5 {
		t.Errorf("Sync.CheckpointAttempts = %d, want 5", cfg.Sync.CheckpointAttempts)
	}
	if cfg.Sync.DedupeStrategy != "daily" {
		t.Errorf("Sync.DedupeStrategy = %q, want daily", cfg.Sync.DedupeStrategy)
	}
	if cfg.ProviderTimeout != 30*time.Second {
		t.Errorf("ProviderTimeout = %v, want 30s", cfg.ProviderTimeout)
	}
	if cfg.Spend.TokenPath != "/connect/token" {
		t.Errorf("Spend.TokenPath = %q", cfg.Spend.TokenPath)
	}
	if cfg.Funds.TokenPath != "/oauth2/token" {
		t.Errorf("Funds.TokenPath = %q", cfg.Funds.TokenPath)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled should default to false")
	}
}

func TestLoad_InvalidEncryptionKeyLength(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "too-short")

	_, err := Load()
	if err == nil {
		t.Error("Load() expected error for invalid ENCRYPTION_KEY length, got nil")
	}
}

func TestLoad_MissingEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	os.Unsetenv("ENCRYPTION_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Load() expected error for missing ENCRYPTION_KEY, got nil")
	}
}

func TestLoad_InvalidDBPort(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("DB_PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Error("Load() expected error for invalid DB_PORT, got nil")
	}
}

func TestLoad_InvalidSyncSettings(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SYNC_STALENESS", "a day"},
		{"SYNC_WORKERS", "0"},
		{"SYNC_WORKERS", "many"},
		{"SYNC_JOB_TIMEOUT", "0s"},
		{"SYNC_CHECKPOINT_ATTEMPTS", "0"},
		{"SYNC_CHECKPOINT_BACKOFF", "soon"},
		{"SYNC_DEDUPE_STRATEGY", "hourly"},
		{"PROVIDER_TIMEOUT", "-1s"},
		{"SPEND_TRANSACTIONS_PATH", "/data/v1/cards/transactions"},
		{"SCHEDULER_TIMES", "05:00,25:99"},
		{"SCHEDULER_RUN_TIMEOUT", "0s"},
		{"SCHEDULER_RUN_TIMEOUT", "forever"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setRequiredEnvVars(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() expected error for %s=%q, got nil", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not name %s", err, tt.key)
			}
		})
	}
}

func TestLoad_SyncOverrides(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("SYNC_STALENESS", "6h")
	t.Setenv("SYNC_WORKERS", "8")
	t.Setenv("SYNC_DEDUPE_STRATEGY", "window")
	t.Setenv("SPEND_SANDBOX", "yes")
	t.Setenv("FIREBASE_ALERT_TOKENS", "tok-a, tok-b,,")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 6*time.Hour, cfg.Sync.Staleness)
	require.Equal(t, 8, cfg.Sync.Workers)
	require.Equal(t, "window", cfg.Sync.DedupeStrategy)
	require.True(t, cfg.Spend.Sandbox)
	require.Equal(t, []string{"tok-a", "tok-b"}, cfg.Firebase.AlertTokens)
}

func TestLoad_SchedulerConfig(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("SCHEDULER_RUN_TIMEOUT", "90m")
	t.Setenv("SCHEDULER_RUN_ON_STARTUP", "true")
	t.Setenv("SCHEDULER_TIMES", "06:30, 18:30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Scheduler.Enabled != false {
		t.Error("Scheduler.Enabled should be false")
	}
	if cfg.Scheduler.RunTimeout != 90*time.Minute {
		t.Errorf("Scheduler.RunTimeout = %v, want 90m", cfg.Scheduler.RunTimeout)
	}
	if cfg.Scheduler.RunOnStartup != true {
		t.Error("Scheduler.RunOnStartup should be true")
	}
	if len(cfg.Scheduler.ScheduleTimes) != 2 || cfg.Scheduler.ScheduleTimes[1] != "18:30" {
		t.Errorf("Scheduler.ScheduleTimes = %v", cfg.Scheduler.ScheduleTimes)
	}
}

func TestRequireProviders(t *testing.T) {
	cfg := &Config{
		Spend: SpendConfig{ClientID: "spend-id", ClientSecret: "spend-secret"},
		Funds: FundsConfig{ClientID: "funds-id"},
	}

	err := cfg.RequireProviders()
	require.ErrorContains(t, err, "FUNDS_CLIENT_SECRET")

	cfg.Funds.ClientSecret = "funds-secret"
	require.NoError(t, cfg.RequireProviders())
}

type mapResolver map[string]string

func (m mapResolver) Resolve(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, "awssm:") {
		return value, nil
	}
	v, ok := m[value]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Password: "plain"},
		Spend:    SpendConfig{ClientID: "spend-id", ClientSecret: "awssm:reservesync/spend#client_secret"},
		Funds:    FundsConfig{ClientSecret: "awssm:reservesync/funds"},
	}
	resolver := mapResolver{
		"awssm:reservesync/spend#client_secret": "s3cret",
		"awssm:reservesync/funds":               "f3cret",
	}

	require.NoError(t, cfg.ResolveSecrets(context.Background(), resolver))
	require.Equal(t, "plain", cfg.Database.Password)
	require.Equal(t, "spend-id", cfg.Spend.ClientID)
	require.Equal(t, "s3cret", cfg.Spend.ClientSecret)
	require.Equal(t, "f3cret", cfg.Funds.ClientSecret)
	require.Empty(t, cfg.Funds.ClientID, "empty fields are left alone")
}

func TestResolveSecrets_NamesField(t *testing.T) {
	cfg := &Config{Funds: FundsConfig{ClientSecret: "awssm:missing"}}

	err := cfg.ResolveSecrets(context.Background(), mapResolver{})
	require.ErrorContains(t, err, "FUNDS_CLIENT_SECRET")
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		defVal   bool
		expected bool
	}{
		{"true", false, true},
		{"TRUE", false, true},
		{"True", false, true},
		{"1", false, true},
		{"yes", false, true},
		{"YES", false, true},
		{"false", true, false},
		{"FALSE", true, false},
		{"0", true, false},
		{"no", true, false},
		{"NO", true, false},
		{"invalid", true, true},   // returns default
		{"invalid", false, false}, // returns default
		{"", true, true},          // empty returns default
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			key := "TEST_BOOL_ENV"
			if tt.value == "" {
				os.Unsetenv(key)
			} else {
				t.Setenv(key, tt.value)
			}

			got := getBoolEnv(key, tt.defVal)
			if got != tt.expected {
				t.Errorf("getBoolEnv(%q, %v) = %v, want %v", tt.value, tt.defVal, got, tt.expected)
			}
		})
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
		SSLMode:  "disable",
	}

	expected := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable"
	got := cfg.ConnectionString()
	if got != expected {
		t.Errorf("ConnectionString() = %q, want %q", got, expected)
	}
}
