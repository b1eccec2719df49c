package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/packfinderz-donations/pkg/redis"
)

// EventGuard remembers Stripe event ids so redeliveries are acknowledged without reprocessing.
type EventGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

func NewEventGuard(store redis.IdempotencyStore, ttl time.Duration, scope string) (*EventGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &EventGuard{store: store, ttl: ttl, scope: scope}, nil
}

// CheckAndMark reports whether eventID was already seen, marking it otherwise.
func (g *EventGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, g.store.IdempotencyKey(g.scope, eventID), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("mark stripe event: %w", err)
	}
	return !set, nil
}

// Forget clears the mark so Stripe's retry of a failed event is processed again.
func (g *EventGuard) Forget(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, g.store.IdempotencyKey(g.scope, eventID))
}
