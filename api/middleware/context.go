package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	ctxDonorID        contextKey = "donor_id"
	ctxIdempotencyKey contextKey = "idempotency_key"
)

// DonorIDFromContext returns the authenticated donor, or nil for guest requests.
func DonorIDFromContext(ctx context.Context) *uuid.UUID {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxDonorID).(uuid.UUID); ok && v != uuid.Nil {
		return &v
	}
	return nil
}

// WithDonorID injects the authenticated donor into the context.
func WithDonorID(ctx context.Context, donorID uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxDonorID, donorID)
}

// IdempotencyKeyFromContext returns the client's Idempotency-Key for the current request.
func IdempotencyKeyFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxIdempotencyKey).(string); ok {
		return v
	}
	return ""
}

func withIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxIdempotencyKey, key)
}
