package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/packfinderz-donations/api/controllers"
	webhookcontrollers "github.com/angelmondragon/packfinderz-donations/api/controllers/webhooks"
	"github.com/angelmondragon/packfinderz-donations/api/middleware"
	"github.com/angelmondragon/packfinderz-donations/internal/donations"
	stripewebhook "github.com/angelmondragon/packfinderz-donations/internal/webhooks/stripe"
	"github.com/angelmondragon/packfinderz-donations/pkg/config"
	"github.com/angelmondragon/packfinderz-donations/pkg/db"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
	"github.com/angelmondragon/packfinderz-donations/pkg/metrics"
	"github.com/angelmondragon/packfinderz-donations/pkg/redis"
)

type signingSecretProvider interface {
	SigningSecret() string
}

type redisStore interface {
	redis.IdempotencyStore
	redis.Pinger
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient redisStore,
	metricsHandler http.Handler,
	httpMetrics *metrics.HTTPMetrics,
	donationService donations.Service,
	stripeClient signingSecretProvider,
	stripeWebhookService *stripewebhook.Service,
	stripeWebhookGuard *stripewebhook.EventGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, httpMetrics),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, map[string]controllers.Pinger{
			"db":    dbP,
			"redis": redisClient,
		}, logg))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, stripeWebhookGuard, logg))
	})

	r.Route("/api/v1/donations", func(r chi.Router) {
		r.Use(middleware.DonorAuth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(redisClient, logg))

		r.Post("/", controllers.CreateDonation(donationService, logg))
		r.Get("/{reference}", controllers.GetDonation(donationService, logg))
		r.Post("/{reference}/confirm", controllers.ConfirmDonation(donationService, logg))
		r.Post("/{reference}/cancel", controllers.CancelDonation(donationService, logg))
	})

	return r
}
