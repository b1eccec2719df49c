package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/packfinderz-donations/api/responses"
	"github.com/angelmondragon/packfinderz-donations/internal/donations"
	pkgerrors "github.com/angelmondragon/packfinderz-donations/pkg/errors"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
	pkgstripe "github.com/angelmondragon/packfinderz-donations/pkg/stripe"
)

const maxWebhookBodyBytes = 64 << 10

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

type stripeWebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type stripeClient interface {
	SigningSecret() string
}

// StripeWebhook verifies and applies Stripe payment intent events. Any non-2xx
// response makes Stripe redeliver, so failed events are forgotten by the guard.
func StripeWebhook(svc StripeWebhookService, client stripeClient, guard stripeWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if client == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "stripe client unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "stripe signature missing"))
			return
		}

		event, err := pkgstripe.VerifyEvent(payload, sigHeader, client.SigningSecret())
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid stripe signature"))
			return
		}
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"stripe_event_id": event.ID, "stripe_event_type": event.Type})
		}

		marked := false
		if guard != nil {
			seen, err := guard.CheckAndMark(ctx, event.ID)
			switch {
			case err != nil:
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "error", err.Error()), "stripe event dedupe unavailable, processing anyway")
				}
			case seen:
				if logg != nil {
					logg.Info(ctx, "stripe event already processed")
				}
				responses.WriteSuccess(w, map[string]bool{"received": true})
				return
			default:
				marked = true
			}
		}

		if err := svc.HandleEvent(ctx, &event); err != nil {
			if marked {
				if forgetErr := guard.Forget(ctx, event.ID); forgetErr != nil && logg != nil {
					logg.Warn(logg.WithField(ctx, "error", forgetErr.Error()), "failed to forget stripe event")
				}
			}
			responses.WriteError(ctx, logg, w, donations.ToAPIError(err))
			return
		}

		responses.WriteSuccess(w, map[string]bool{"received": true})
	}
}
