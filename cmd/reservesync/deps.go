package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"reservesync/internal/domain/job"
	"reservesync/internal/domain/provider"
	"reservesync/internal/domain/reconcile"
	"reservesync/internal/infrastructure/crypto"
	"reservesync/internal/infrastructure/firebase"
	"reservesync/internal/infrastructure/funds"
	"reservesync/internal/infrastructure/oauth"
	"reservesync/internal/infrastructure/postgres"
	"reservesync/internal/infrastructure/secrets"
	"reservesync/internal/infrastructure/spend"
	"reservesync/internal/shared/config"
	"reservesync/internal/shared/telemetry"
)

// Dependencies holds the initialized application components.
type Dependencies struct {
	DB       *postgres.DB
	Jobs     *postgres.JobRepository
	Selector *job.Selector

	// Set only when built with providers.
	Orchestrator *reconcile.Orchestrator
}

// loadConfig reads the environment and resolves secret references.
// withProviders additionally requires the provider credentials.
func loadConfig(ctx context.Context, withProviders bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if err := cfg.ResolveSecrets(ctx, &lazyResolver{region: cfg.Secrets.AWSRegion}); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to resolve secrets", err)
	}
	if withProviders {
		if err := cfg.RequireProviders(); err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
		}
	}
	return cfg, nil
}

// lazyResolver only talks to AWS once a value actually is a reference,
// so plain configurations never load AWS credentials.
type lazyResolver struct {
	region string

	once     sync.Once
	resolver *secrets.Resolver
	err      error
}

func (l *lazyResolver) Resolve(ctx context.Context, value string) (string, error) {
	if !secrets.IsRef(value) {
		return value, nil
	}
	l.once.Do(func() {
		l.resolver, l.err = secrets.NewResolver(ctx, l.region)
	})
	if l.err != nil {
		return "", l.err
	}
	return l.resolver.Resolve(ctx, value)
}

// initTelemetry starts OpenTelemetry when enabled. serveMetrics controls the
// /metrics listener, which only the daemon keeps open.
func initTelemetry(ctx context.Context, cfg *config.Config, serveMetrics bool) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.Telemetry.Enabled {
		return noop
	}

	tcfg := telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  cfg.Telemetry.Environment,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}
	if serveMetrics {
		tcfg.MetricsPort = cfg.Telemetry.MetricsPort
	}

	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		log.Printf("Warning: Failed to initialize telemetry: %v", err)
		return noop
	}
	log.Printf("Telemetry initialized (service=%s)", tcfg.ServiceName)
	return shutdown
}

// NewDependencies wires the store and, when withProviders is set, the
// provider clients and the orchestrator.
func NewDependencies(ctx context.Context, cfg *config.Config, withProviders bool) (*Dependencies, error) {
	db, err := postgres.Open(ctx, cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	log.Println("Connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		db.Close()
		return nil, err
	}

	jobRepo := postgres.NewJobRepository(db, encryptor)
	selector, err := job.NewSelector(jobRepo, cfg.Sync.Staleness)
	if err != nil {
		db.Close()
		return nil, err
	}

	deps := &Dependencies{
		DB:       db,
		Jobs:     jobRepo,
		Selector: selector,
	}
	if !withProviders {
		return deps, nil
	}

	orch, err := newOrchestrator(ctx, cfg, db, encryptor, jobRepo, selector)
	if err != nil {
		db.Close()
		return nil, err
	}
	deps.Orchestrator = orch
	return deps, nil
}

func newOrchestrator(
	ctx context.Context,
	cfg *config.Config,
	db *postgres.DB,
	encryptor *crypto.Encryptor,
	jobRepo *postgres.JobRepository,
	selector *job.Selector,
) (*reconcile.Orchestrator, error) {
	strategy, err := reconcile.ParseDedupeStrategy(cfg.Sync.DedupeStrategy)
	if err != nil {
		return nil, err
	}

	refreshers, err := newRefreshers(cfg)
	if err != nil {
		return nil, err
	}

	ledger, err := spend.NewClient(spend.Config{
		APIURL:           cfg.Spend.APIURL,
		Sandbox:          cfg.Spend.Sandbox,
		TransactionsPath: cfg.Spend.TransactionsPath,
		Timeout:          cfg.ProviderTimeout,
	})
	if err != nil {
		return nil, err
	}

	fundsClient := funds.NewClient(funds.Config{
		BaseURL: cfg.Funds.BaseURL,
		Timeout: cfg.ProviderTimeout,
	})

	alerter := newAlerter(ctx, cfg)
	tokens := reconcile.NewTokenManager(postgres.NewConnectionRepository(db, encryptor), refreshers, alerter)

	return reconcile.NewOrchestrator(selector, jobRepo, tokens, ledger, fundsClient, alerter, reconcile.Config{
		Workers:            cfg.Sync.Workers,
		JobTimeout:         cfg.Sync.JobTimeout,
		CheckpointAttempts: cfg.Sync.CheckpointAttempts,
		CheckpointBackoff:  cfg.Sync.CheckpointBackoff,
		DedupeStrategy:     strategy,
	}), nil
}

// newRefreshers builds one refresh client per provider, keyed by the name
// stored in connections.provider.
func newRefreshers(cfg *config.Config) (map[string]provider.Refresher, error) {
	authURL := cfg.Spend.AuthURL
	if authURL == "" {
		authURL = spend.HostURL("auth", cfg.Spend.Sandbox)
	}

	spendRefresher, err := oauth.NewClient(oauth.Config{
		Provider:     spend.ProviderName,
		TokenURL:     joinURL(authURL, cfg.Spend.TokenPath),
		ClientID:     cfg.Spend.ClientID,
		ClientSecret: cfg.Spend.ClientSecret,
		RedirectURI:  cfg.Spend.RedirectURI,
		Timeout:      cfg.ProviderTimeout,
	})
	if err != nil {
		return nil, err
	}

	fundsRefresher, err := oauth.NewClient(oauth.Config{
		Provider:     funds.ProviderName,
		TokenURL:     joinURL(cfg.Funds.BaseURL, cfg.Funds.TokenPath),
		ClientID:     cfg.Funds.ClientID,
		ClientSecret: cfg.Funds.ClientSecret,
		RedirectURI:  cfg.Funds.RedirectURI,
		Timeout:      cfg.ProviderTimeout,
	})
	if err != nil {
		return nil, err
	}

	return map[string]provider.Refresher{
		spend.ProviderName: spendRefresher,
		funds.ProviderName: fundsRefresher,
	}, nil
}

// newAlerter pushes alerts through FCM when credentials and operator
// devices are configured and falls back to the log otherwise.
func newAlerter(ctx context.Context, cfg *config.Config) reconcile.Alerter {
	if cfg.Firebase.CredentialsFile == "" || len(cfg.Firebase.AlertTokens) == 0 {
		log.Println("Operator alerts go to the log (Firebase not configured)")
		return reconcile.LogAlerter{}
	}

	client, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, cfg.Firebase.AlertTokens)
	if err != nil {
		log.Printf("Warning: Failed to initialize Firebase, alerts go to the log: %v", err)
		return reconcile.LogAlerter{}
	}
	log.Printf("Operator alerts via Firebase to %d devices", len(cfg.Firebase.AlertTokens))
	return client
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}
}

func describeConfig(cfg *config.Config) string {
	return fmt.Sprintf("staleness=%v workers=%d dedupe=%s", cfg.Sync.Staleness, cfg.Sync.Workers, cfg.Sync.DedupeStrategy)
}
