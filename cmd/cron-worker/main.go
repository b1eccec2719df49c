package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/packfinderz-donations/internal/cron"
	"github.com/angelmondragon/packfinderz-donations/internal/donations"
	"github.com/angelmondragon/packfinderz-donations/pkg/config"
	"github.com/angelmondragon/packfinderz-donations/pkg/db"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
	"github.com/angelmondragon/packfinderz-donations/pkg/metrics"
	"github.com/angelmondragon/packfinderz-donations/pkg/migrate"
	"github.com/angelmondragon/packfinderz-donations/pkg/outbox"
	"github.com/angelmondragon/packfinderz-donations/pkg/redis"
	pkgstripe "github.com/angelmondragon/packfinderz-donations/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	donationService, gaps, err := buildDonationService(cfg, logg, dbClient, redisClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create donation service", err)
		os.Exit(1)
	}

	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	reconcileJob, err := cron.NewDonationReconcileJob(cron.DonationReconcileJobParams{
		Logger:     logg,
		Reconciler: donationService,
		Gaps:       gaps,
		Metrics:    cronMetrics,
		Lookback:   cfg.Reconcile.Lookback,
		Limit:      cfg.Reconcile.Limit,
		Workers:    cfg.Reconcile.Workers,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile job", err)
		os.Exit(1)
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:        logg,
		DB:            dbClient,
		Repository:    outbox.NewRepository(dbClient.DB()),
		Metrics:       cronMetrics,
		RetentionDays: cfg.Outbox.RetentionDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry()
	registry.Register(reconcileJob, cfg.Reconcile.Interval)
	registry.Register(retentionJob, retentionInterval)

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"jobs":        registry.Names(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildDonationService(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client) (donations.Service, donations.GapRecorder, error) {
	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		return nil, nil, fmt.Errorf("stripe client: %w", err)
	}
	donationMetrics := metrics.NewDonationMetrics(prometheus.DefaultRegisterer)
	gateway, err := donations.NewStripeGateway(pkgstripe.NewPaymentIntentAPI(stripeClient), stripeClient.Timeout(), donationMetrics)
	if err != nil {
		return nil, nil, err
	}
	guard, err := donations.NewIdempotencyGuard(redisClient, cfg.Donations.ClaimTTL)
	if err != nil {
		return nil, nil, err
	}
	gaps, err := donations.NewRedisGapRecorder(redisClient)
	if err != nil {
		return nil, nil, err
	}
	svc, err := donations.NewService(donations.ServiceParams{
		Repo:              donations.NewRepository(dbClient.DB()),
		Gateway:           gateway,
		Guard:             guard,
		Gaps:              gaps,
		Notifier:          donations.NewOutboxNotifier(outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)),
		TransactionRunner: dbClient,
		Logger:            logg,
		Metrics:           donationMetrics,
		Config:            cfg.Donations,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, gaps, nil
}

const retentionInterval = 24 * time.Hour

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env
}
