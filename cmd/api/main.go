package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/packfinderz-donations/api/routes"
	"github.com/angelmondragon/packfinderz-donations/internal/donations"
	stripewebhook "github.com/angelmondragon/packfinderz-donations/internal/webhooks/stripe"
	"github.com/angelmondragon/packfinderz-donations/pkg/config"
	"github.com/angelmondragon/packfinderz-donations/pkg/db"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
	"github.com/angelmondragon/packfinderz-donations/pkg/metrics"
	"github.com/angelmondragon/packfinderz-donations/pkg/migrate"
	"github.com/angelmondragon/packfinderz-donations/pkg/outbox"
	"github.com/angelmondragon/packfinderz-donations/pkg/redis"
	pkgstripe "github.com/angelmondragon/packfinderz-donations/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe client", err)
		os.Exit(1)
	}
	if cfg.App.IsProd() && stripeClient.Environment() != "live" {
		logg.Warn(context.Background(), "prod deployment is using stripe test keys")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	donationMetrics := metrics.NewDonationMetrics(registry)
	httpMetrics := metrics.NewHTTPMetrics(registry)

	gateway, err := donations.NewStripeGateway(pkgstripe.NewPaymentIntentAPI(stripeClient), stripeClient.Timeout(), donationMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create payment gateway", err)
		os.Exit(1)
	}
	guard, err := donations.NewIdempotencyGuard(redisClient, cfg.Donations.ClaimTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency guard", err)
		os.Exit(1)
	}
	gaps, err := donations.NewRedisGapRecorder(redisClient)
	if err != nil {
		logg.Error(context.Background(), "failed to create gap recorder", err)
		os.Exit(1)
	}

	donationService, err := donations.NewService(donations.ServiceParams{
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
		logg.Error(context.Background(), "failed to create donation service", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Donations: donationService,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe webhook service", err)
		os.Exit(1)
	}
	webhookGuard, err := stripewebhook.NewEventGuard(redisClient, cfg.Donations.WebhookEventTTL, "stripe-webhook")
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe webhook guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			httpMetrics,
			donationService,
			stripeClient,
			webhookService,
			webhookGuard,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(ctx, "api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
	}
}
