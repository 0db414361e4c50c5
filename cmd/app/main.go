package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"partner-ledger/internal/analytics"
	"partner-ledger/internal/billing"
	"partner-ledger/internal/cache"
	"partner-ledger/internal/config"
	"partner-ledger/internal/dispatch"
	"partner-ledger/internal/httpserver"
	"partner-ledger/internal/logging"
	"partner-ledger/internal/metrics"
	"partner-ledger/internal/notify"
	"partner-ledger/internal/payments"
	"partner-ledger/internal/postback"
	"partner-ledger/internal/repo"
	"partner-ledger/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting partner-ledger", "env", cfg.AppEnv, "driver", cfg.DatabaseDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repository.Close()

	opts := billing.Options{
		Metrics:  metricRegistry,
		LockTTL:  cfg.PartnerLockTTL,
		StatsTTL: cfg.StatsCacheTTL,
	}

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		opts.Locker = redisClient
		opts.Cache = redisClient
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process locks and no stats cache")
	}

	dispatcher := dispatch.New(dispatch.Config{
		Workers: cfg.AsyncWorkers,
		Timeout: cfg.OutboundTimeout,
	}, logger, metricRegistry)
	opts.Dispatcher = dispatcher

	ga := analytics.New(analytics.Config{
		MeasurementID: cfg.GAMeasurementID,
		APISecret:     cfg.GAAPISecret,
		Endpoint:      cfg.GAEndpoint,
		Timeout:       cfg.OutboundTimeout,
	}, logger, metricRegistry)
	if ga.Enabled() {
		opts.Tracker = ga
	} else {
		logger.Info("GA4 forwarding disabled")
	}

	paymentClient := payments.New(payments.Config{
		BaseURL:       cfg.PaymentBaseURL,
		APIKey:        cfg.PaymentAPIKey,
		Timeout:       cfg.PaymentTimeout,
		DefaultMethod: cfg.PaymentDefaultMethod,
	}, logger, metricRegistry)
	if paymentClient.Enabled() {
		opts.Gateway = paymentClient
	} else {
		logger.Info("payment provider not configured, recharges settle immediately")
	}

	opts.Notifier = notify.New(notify.Config{Timeout: cfg.OutboundTimeout}, repository, logger, metricRegistry)

	svc := billing.New(repository, logger, opts)

	gateway := postback.New(postback.Secrets{
		Primary:   cfg.WebhookSecret,
		Secondary: cfg.WebhookSecretSecondary,
	}, svc, repository, logger, metricRegistry)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		Postback:       gateway,
		PostbackHealth: http.HandlerFunc(gateway.Health),
		Admin:          httpserver.NewAdmin(svc, cfg.AdminAPIToken, logger, metricRegistry),
		PaymentWebhook: payments.NewWebhookHandler(logger, metricRegistry, cfg.PaymentWebhookUserMD5, cfg.PaymentWebhookPassMD5, svc),
		Ready: func(ctx context.Context) error {
			if err := repository.Ping(ctx); err != nil {
				return err
			}
			if redisClient != nil {
				return redisClient.Ping(ctx)
			}
			return nil
		},
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
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("side jobs still running at shutdown", "error", err)
	}

	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	var (
		repository repo.Repository
		files      fs.FS
		err        error
	)
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		repository, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		files = migrations.SQLite()
	default:
		repository, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		files = migrations.Postgres()
	}
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}
	if err := repository.RunMigrations(ctx, files); err != nil {
		repository.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated", "driver", cfg.DatabaseDriver)
	return repository, nil
}
