package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/stripe/stripe-go/v84"
)

// ErrorClass summarizes how a caller should react to a Stripe failure.
type ErrorClass struct {
	Retryable        bool
	AlreadySucceeded bool
	Message          string
}

// Classify inspects a Stripe call failure. Timeouts, throttling and server
// faults are retryable; declines and invalid requests are terminal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClass{}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClass{Retryable: true, Message: "stripe request timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClass{Retryable: true, Message: "stripe request canceled"}
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		class := ErrorClass{Message: stripeMessage(stripeErr)}
		switch {
		case stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState &&
			stripeErr.PaymentIntent != nil &&
			stripeErr.PaymentIntent.Status == stripe.PaymentIntentStatusSucceeded:
			class.AlreadySucceeded = true
		case stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState && stripeErr.PaymentIntent == nil:
			// Stripe omits the intent on some unexpected-state replies; the caller re-fetches.
			class.AlreadySucceeded = true
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.Code == stripe.ErrorCodeRateLimit,
			stripeErr.Type == stripe.ErrorTypeAPI,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			class.Retryable = true
		}
		return class
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClass{Retryable: true, Message: "stripe network error"}
	}

	return ErrorClass{Message: err.Error()}
}

func stripeMessage(err *stripe.Error) string {
	switch {
	case err.Msg != "":
		return err.Msg
	case err.Code != "":
		return string(err.Code)
	case err.Type != "":
		return string(err.Type)
	default:
		return fmt.Sprintf("stripe error (status %d)", err.HTTPStatusCode)
	}
}
