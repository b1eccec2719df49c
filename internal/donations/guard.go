package donations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type claimStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	DonationClaimKey(reference string) string
}

// IdempotencyGuard binds a gateway reference to a single creator. The claim is
// taken before the ledger row exists, so a late duplicate never inserts a second row.
type IdempotencyGuard struct {
	store claimStore
	ttl   time.Duration
}

func NewIdempotencyGuard(store claimStore, ttl time.Duration) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("claim store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &IdempotencyGuard{store: store, ttl: ttl}, nil
}

// Claim reports whether the caller now owns the reference.
func (g *IdempotencyGuard) Claim(ctx context.Context, reference, owner string) (bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return false, errors.New("reference is required")
	}
	set, err := g.store.SetNX(ctx, g.store.DonationClaimKey(reference), owner, g.ttl)
	if err != nil {
		return false, fmt.Errorf("claim reference: %w", err)
	}
	return set, nil
}

// Release drops the claim when owner still holds it, letting a retry create the row.
func (g *IdempotencyGuard) Release(ctx context.Context, reference, owner string) error {
	key := g.store.DonationClaimKey(reference)
	current, err := g.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read claim: %w", err)
	}
	if current != owner {
		return nil
	}
	return g.store.Del(ctx, key)
}
