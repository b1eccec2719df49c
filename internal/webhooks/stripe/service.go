package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/packfinderz-donations/internal/donations"
	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
)

// Applier projects a verified gateway update onto the ledger.
type Applier interface {
	ApplyWebhookUpdate(ctx context.Context, update donations.WebhookUpdate) (*models.Donation, error)
}

type ServiceParams struct {
	Donations Applier
	Logger    *logger.Logger
}

// Service turns Stripe payment intent events into ledger updates.
type Service struct {
	donations Applier
	logg      *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Donations == nil {
		return nil, errors.New("donation service required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	return &Service{donations: params.Donations, logg: params.Logger}, nil
}

var intentEvents = map[stripe.EventType]struct{}{
	stripe.EventTypePaymentIntentSucceeded:               {},
	stripe.EventTypePaymentIntentProcessing:              {},
	stripe.EventTypePaymentIntentPaymentFailed:           {},
	stripe.EventTypePaymentIntentCanceled:                {},
	stripe.EventTypePaymentIntentRequiresAction:          {},
	stripe.EventTypePaymentIntentAmountCapturableUpdated: {},
}

// HandleEvent applies payment intent events and acknowledges every other type.
// payment_intent.created is skipped: the create flow writes the row itself and
// may not have committed when the event lands.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return &donations.ValidationError{Field: "data", Message: "stripe event data required"}
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"stripe_event_id": event.ID, "stripe_event_type": event.Type})

	if _, ok := intentEvents[event.Type]; !ok {
		s.logg.Info(ctx, "stripe event ignored")
		return nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return &donations.ValidationError{Field: "data", Message: "payment intent payload could not be decoded"}
	}
	if intent.ID == "" {
		return &donations.ValidationError{Field: "data.id", Message: "payment intent id missing"}
	}

	donation, err := s.donations.ApplyWebhookUpdate(ctx, UpdateFromIntent(&intent))
	if err != nil {
		return err
	}
	s.logg.Info(s.logg.WithDonationID(ctx, donation.ID), "stripe event applied")
	return nil
}

// UpdateFromIntent extracts the gateway-owned fields carried by a webhook payload.
func UpdateFromIntent(intent *stripe.PaymentIntent) donations.WebhookUpdate {
	update := donations.WebhookUpdate{
		ExternalReference: intent.ID,
		Status:            donations.MapIntentStatus(intent),
	}
	if intent.LatestCharge != nil && intent.LatestCharge.ID != "" {
		id := intent.LatestCharge.ID
		update.ChargeReference = &id
	}
	return update
}
