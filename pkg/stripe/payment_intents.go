package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v84"
)

// PaymentIntentAPI is the subset of the /v1/payment_intents service used for
// donations. The Stripe client's V1PaymentIntents satisfies it directly.
type PaymentIntentAPI interface {
	Create(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	Retrieve(ctx context.Context, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error)
	Confirm(ctx context.Context, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Cancel(ctx context.Context, id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// NewPaymentIntentAPI returns the payment intent service bound to client's API key.
func NewPaymentIntentAPI(client *Client) PaymentIntentAPI {
	api := client.API()
	if api == nil {
		return nil
	}
	return api.V1PaymentIntents
}
