package donations

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
)

// Gateway is the payment gateway contract the engine drives. Every failure is a *GatewayError.
type Gateway interface {
	CreateIntent(ctx context.Context, input CreateIntentInput) (*IntentSnapshot, error)
	GetIntent(ctx context.Context, reference string) (*IntentSnapshot, error)
	ConfirmIntent(ctx context.Context, reference string, paymentMethodRef *string) (*IntentSnapshot, error)
	CancelIntent(ctx context.Context, reference string) (*IntentSnapshot, error)
}

// CreateIntentInput describes a new payment intent in currency units.
type CreateIntentInput struct {
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// IntentSnapshot is the gateway's view of a payment intent at one point in time.
type IntentSnapshot struct {
	Reference              string
	ClientSecret           string
	Status                 enums.DonationStatus
	ChargeReference        *string
	PaymentMethodReference *string
	Amount                 decimal.Decimal
	Currency               string
	Description            string
	Metadata               map[string]string
}
