// Command invoicer runs one invoice or payout for a partner and exits. It is
// meant for cron.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"partner-ledger/internal/billing"
	"partner-ledger/internal/cache"
	"partner-ledger/internal/config"
	"partner-ledger/internal/logging"
	"partner-ledger/internal/money"
	"partner-ledger/internal/repo"
	"partner-ledger/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("invoicer", flag.ContinueOnError)
	partner := fs.String("partner", "", "partner id (required)")
	kind := fs.String("kind", "invoice", "invoice or payout")
	rangeName := fs.String("range", "", "named range for invoices: today, yesterday, 7d, 30d, 90d, all")
	from := fs.String("from", "", "window start, RFC3339 or YYYY-MM-DD")
	to := fs.String("to", "", "window end (exclusive), RFC3339 or YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *partner == "" {
		return errors.New("-partner is required")
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var repository repo.Repository
	if cfg.DatabaseDriver == config.DriverSQLite {
		sqlite, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("init repository: %w", err)
		}
		repository = sqlite
		err = repository.RunMigrations(ctx, migrations.SQLite())
		if err != nil {
			repository.Close()
			return fmt.Errorf("run migrations: %w", err)
		}
	} else {
		pg, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		if err != nil {
			return fmt.Errorf("init repository: %w", err)
		}
		repository = pg
		if err := repository.RunMigrations(ctx, migrations.Postgres()); err != nil {
			repository.Close()
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	defer repository.Close()

	opts := billing.Options{LockTTL: cfg.PartnerLockTTL, StatsTTL: cfg.StatsCacheTTL}
	if cfg.RedisAddr != "" {
		// Same lock keys as the server.
		rc := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer rc.Close()
		opts.Locker = rc
		opts.Cache = rc
	}
	svc := billing.New(repository, logger, opts)

	switch *kind {
	case "invoice":
		window, err := billing.ParseWindow(*rangeName, *from, *to, svc.Now())
		if err != nil {
			return err
		}
		inv, err := svc.GenerateInvoice(ctx, *partner, window)
		if errors.Is(err, billing.ErrNothingToInvoice) {
			logger.Info("nothing to invoice", "partner_id", *partner, "range", window.Key())
			return nil
		}
		if err != nil {
			return fmt.Errorf("generate invoice: %w", err)
		}
		fmt.Printf("invoice %s %s amount=%s conversions=%d\n", inv.Number, inv.ID, money.Format(inv.Amount), len(inv.ConversionIDs))
	case "payout":
		payout, err := svc.GeneratePayout(ctx, *partner)
		if errors.Is(err, billing.ErrBelowThreshold) || errors.Is(err, billing.ErrNothingToInvoice) {
			logger.Info("payout skipped", "partner_id", *partner, "reason", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("generate payout: %w", err)
		}
		fmt.Printf("payout %s amount=%s threshold=%s conversions=%d\n", payout.ID, money.Format(payout.Amount), money.Format(payout.Threshold), len(payout.ConversionIDs))
	default:
		return fmt.Errorf("unknown -kind %q", *kind)
	}
	return nil
}
