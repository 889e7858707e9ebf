package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ar-collect/internal/app"
	"ar-collect/internal/billing"
	"ar-collect/internal/config"
	"ar-collect/internal/handlers"
	"ar-collect/internal/httpserver"
	"ar-collect/internal/logging"
	"ar-collect/internal/scheduler"
	"ar-collect/internal/vapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting ar-collect", "env", cfg.AppEnv)

	if cfg.PublicBaseURL != "" {
		base := strings.TrimRight(cfg.PublicBaseURL, "/") + cfg.PublicBasePath
		logger.Info("public base url configured",
			"base_url", cfg.PublicBaseURL,
			"voice_webhook_url", base+"/webhook/voice",
			"billing_webhook_url", base+"/webhook/billing",
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	voiceProcessor := handlers.NewVoiceProcessor(a.Service, logger)
	billingProcessor := handlers.NewBillingProcessor(a.Service, logger)

	if cfg.WeeklyResetEnabled {
		weekly := scheduler.NewWeekly(a.Service, cfg.WeeklyResetWeekday, cfg.WeeklyResetHour, logger)
		go weekly.Run(ctx)
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, a.Metrics, httpserver.Handlers{
		VoiceWebhook:   vapi.NewWebhookHandler(logger, a.Metrics, cfg.VapiWebhookSecret, voiceProcessor),
		BillingWebhook: billing.NewWebhookHandler(logger, a.Metrics, cfg.StripeWebhookSecret, billingProcessor),
	}, httpserver.Dependencies{
		Service:  a.Service,
		Store:    a.Store,
		Redis:    a.Redis,
		APIToken: cfg.OperatorAPIToken,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
