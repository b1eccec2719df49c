package config

const (
	EnvPrefix = "PACKFINDERZ"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "PACKFINDERZ_APP_ENV"
	EnvPort     = "PACKFINDERZ_APP_PORT"
	EnvLogLevel = "PACKFINDERZ_LOG_LEVEL"

	EnvDBDSN  = "PACKFINDERZ_DB_DSN"
	EnvDBHost = "PACKFINDERZ_DB_HOST"
	EnvDBUser = "PACKFINDERZ_DB_USER"
	EnvDBName = "PACKFINDERZ_DB_NAME"

	EnvRedisURL = "PACKFINDERZ_REDIS_URL"

	EnvJWTSecret = "PACKFINDERZ_JWT_SECRET"
	EnvJWTIssuer = "PACKFINDERZ_JWT_ISSUER"

	EnvStripeAPIKey  = "PACKFINDERZ_STRIPE_API_KEY"
	EnvStripeSecret  = "PACKFINDERZ_STRIPE_SECRET"
	EnvStripeTimeout = "PACKFINDERZ_STRIPE_TIMEOUT"

	EnvDonationsCurrencies = "PACKFINDERZ_DONATIONS_CURRENCIES"
	EnvReconcileWorkers    = "PACKFINDERZ_RECONCILE_WORKERS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
