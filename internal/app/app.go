// Package app wires configuration into the store, adapters and collection service
// shared by the HTTP service and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"ar-collect/internal/agentmail"
	"ar-collect/internal/billing"
	"ar-collect/internal/cache"
	"ar-collect/internal/collection"
	"ar-collect/internal/config"
	"ar-collect/internal/events"
	"ar-collect/internal/extract"
	"ar-collect/internal/metrics"
	"ar-collect/internal/repo"
	"ar-collect/internal/vapi"
	"ar-collect/migrations"
)

// OpenStore connects to the configured database and applies pending migrations.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, error) {
	var (
		store repo.Store
		err   error
	)
	switch cfg.DatabaseDriver {
	case "postgres":
		store, err = repo.NewPostgres(ctx, cfg.DatabaseURL, cfg.SupabaseSchema, logger)
	case "sqlite":
		store, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}

	dir, err := migrations.For(cfg.DatabaseDriver)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	if err := store.RunMigrations(ctx, dir); err != nil {
		store.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "driver", cfg.DatabaseDriver)
	return store, nil
}

// App holds the long-lived components built from configuration.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Store     repo.Store
	Redis     *cache.Redis
	Events    events.Publisher
	Extractor *extract.Client
	Service   *collection.Service

	closers []func() error
}

// Build opens the store and constructs every adapter and the collection service.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.Registry(cfg.MetricsNamespace),
	}

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})

	if cfg.RedisAddr != "" {
		a.Redis = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	if cfg.AMQPURL != "" {
		publisher, err := events.NewRabbit(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init event publisher: %w", err)
		}
		a.Events = publisher
	} else {
		a.Events = events.NewNoop(logger)
	}
	a.closers = append(a.closers, a.Events.Close)

	a.Extractor, err = extract.New(ctx, extract.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		Timeout: cfg.GeminiTimeout,
	}, logger, a.Metrics)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init extractor: %w", err)
	}
	a.closers = append(a.closers, a.Extractor.Close)

	deps := collection.Dependencies{
		Voice: vapi.New(vapi.Config{
			BaseURL:       cfg.VapiBaseURL,
			APIKey:        cfg.VapiAPIKey,
			AssistantID:   cfg.VapiAssistantID,
			PhoneNumberID: cfg.VapiPhoneNumberID,
			Timeout:       cfg.VapiTimeout,
		}, logger, a.Metrics),
		Mail: agentmail.New(agentmail.Config{
			BaseURL: cfg.AgentMailBaseURL,
			APIKey:  cfg.AgentMailAPIKey,
			InboxID: cfg.AgentMailInboxID,
			Timeout: cfg.AgentMailTimeout,
		}, logger, a.Metrics),
		Billing: billing.New(billing.Config{
			BaseURL:    cfg.StripeBaseURL,
			SecretKey:  cfg.StripeSecretKey,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
			Timeout:    cfg.BillingTimeout,
		}, logger, a.Metrics),
		Extractor: a.Extractor,
		Events:    a.Events,
	}
	if a.Redis != nil {
		deps.Broadcast = a.Redis
	}

	a.Service = collection.New(store, deps, a.Metrics, logger, collection.Config{
		DefaultMinPctBps: cfg.DefaultMinPctBps,
		MaxInstallments:  cfg.MaxInstallments,
		PortalURL:        cfg.SettlementPortalURL,
	})
	return a, nil
}

// Close releases components in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("failed closing component", "error", err)
		}
	}
	a.closers = nil
}
