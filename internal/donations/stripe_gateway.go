package donations

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
	"github.com/angelmondragon/packfinderz-donations/pkg/metrics"
	pkgstripe "github.com/angelmondragon/packfinderz-donations/pkg/stripe"
)

const (
	opCreateIntent  = "create_intent"
	opGetIntent     = "get_intent"
	opConfirmIntent = "confirm_intent"
	opCancelIntent  = "cancel_intent"
)

// StripeGateway adapts Stripe payment intents to the Gateway contract.
type StripeGateway struct {
	api     pkgstripe.PaymentIntentAPI
	timeout time.Duration
	metrics *metrics.DonationMetrics
}

// NewStripeGateway wraps the payment intent API with a per-call timeout.
func NewStripeGateway(api pkgstripe.PaymentIntentAPI, timeout time.Duration, m *metrics.DonationMetrics) (*StripeGateway, error) {
	if api == nil {
		return nil, errors.New("stripe payment intent api required")
	}
	if timeout <= 0 {
		return nil, errors.New("gateway timeout must be positive")
	}
	return &StripeGateway{api: api, timeout: timeout, metrics: m}, nil
}

func (g *StripeGateway) CreateIntent(ctx context.Context, input CreateIntentInput) (*IntentSnapshot, error) {
	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	minor, err := pkgstripe.ToMinorUnits(input.Amount, currency)
	if err != nil {
		return nil, &GatewayError{Op: opCreateIntent, Message: err.Error(), Cause: err}
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if input.Description != "" {
		params.Description = stripe.String(input.Description)
	}
	for k, v := range input.Metadata {
		params.AddMetadata(k, v)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	return g.call(ctx, opCreateIntent, func(ctx context.Context) (*stripe.PaymentIntent, error) {
		return g.api.Create(ctx, params)
	})
}

func (g *StripeGateway) GetIntent(ctx context.Context, reference string) (*IntentSnapshot, error) {
	return g.call(ctx, opGetIntent, func(ctx context.Context) (*stripe.PaymentIntent, error) {
		return g.api.Retrieve(ctx, reference, &stripe.PaymentIntentRetrieveParams{})
	})
}

func (g *StripeGateway) ConfirmIntent(ctx context.Context, reference string, paymentMethodRef *string) (*IntentSnapshot, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	if paymentMethodRef != nil && *paymentMethodRef != "" {
		params.PaymentMethod = stripe.String(*paymentMethodRef)
	}
	return g.call(ctx, opConfirmIntent, func(ctx context.Context) (*stripe.PaymentIntent, error) {
		return g.api.Confirm(ctx, reference, params)
	})
}

func (g *StripeGateway) CancelIntent(ctx context.Context, reference string) (*IntentSnapshot, error) {
	return g.call(ctx, opCancelIntent, func(ctx context.Context) (*stripe.PaymentIntent, error) {
		return g.api.Cancel(ctx, reference, &stripe.PaymentIntentCancelParams{})
	})
}

func (g *StripeGateway) call(ctx context.Context, op string, fn func(context.Context) (*stripe.PaymentIntent, error)) (*IntentSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	intent, err := fn(callCtx)
	g.metrics.ObserveGateway(op, err, time.Since(start))
	if err != nil {
		return nil, gatewayErrorFrom(op, err, callCtx.Err())
	}
	if intent == nil {
		return nil, &GatewayError{Op: op, Message: "empty payment intent response"}
	}
	return snapshotFromIntent(intent), nil
}

func gatewayErrorFrom(op string, err, ctxErr error) *GatewayError {
	class := pkgstripe.Classify(err)
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		class.Retryable = true
		class.Message = "stripe request timed out"
	}
	return &GatewayError{
		Op:               op,
		Message:          class.Message,
		Retryable:        class.Retryable,
		AlreadySucceeded: class.AlreadySucceeded && op == opConfirmIntent,
		Cause:            err,
	}
}

func snapshotFromIntent(pi *stripe.PaymentIntent) *IntentSnapshot {
	currency := strings.ToLower(string(pi.Currency))
	snap := &IntentSnapshot{
		Reference:    pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       MapIntentStatus(pi),
		Amount:       pkgstripe.FromMinorUnits(pi.Amount, currency),
		Currency:     currency,
		Description:  pi.Description,
		Metadata:     pi.Metadata,
	}
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		id := pi.LatestCharge.ID
		snap.ChargeReference = &id
	}
	if pi.PaymentMethod != nil && pi.PaymentMethod.ID != "" {
		id := pi.PaymentMethod.ID
		snap.PaymentMethodReference = &id
	}
	return snap
}

// MapIntentStatus projects Stripe's intent status onto the ledger vocabulary.
// Statuses Stripe may add later map to pending so the reconcile job revisits them.
func MapIntentStatus(pi *stripe.PaymentIntent) enums.DonationStatus {
	if pi == nil {
		return enums.DonationStatusPending
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return enums.DonationStatusFailed
		}
		return enums.DonationStatusPending
	case stripe.PaymentIntentStatusRequiresConfirmation:
		return enums.DonationStatusPending
	case stripe.PaymentIntentStatusRequiresAction:
		return enums.DonationStatusRequiresAction
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return enums.DonationStatusProcessing
	case stripe.PaymentIntentStatusSucceeded:
		return enums.DonationStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return enums.DonationStatusCanceled
	default:
		return enums.DonationStatusPending
	}
}
