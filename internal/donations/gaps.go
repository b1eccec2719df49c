package donations

import (
	"context"
	"errors"

	"github.com/angelmondragon/packfinderz-donations/pkg/redis"
)

// GapRecorder remembers references whose gateway outcome never reached the ledger.
type GapRecorder interface {
	Record(ctx context.Context, reference string) error
	Pending(ctx context.Context) ([]string, error)
	Clear(ctx context.Context, references ...string) error
}

// RedisGapRecorder keeps the gap set in Redis so it survives process restarts.
type RedisGapRecorder struct {
	store redis.GapStore
}

func NewRedisGapRecorder(store redis.GapStore) (*RedisGapRecorder, error) {
	if store == nil {
		return nil, errors.New("gap store is required")
	}
	return &RedisGapRecorder{store: store}, nil
}

func (r *RedisGapRecorder) Record(ctx context.Context, reference string) error {
	return r.store.SAdd(ctx, r.store.ReconcileGapKey(), reference)
}

func (r *RedisGapRecorder) Pending(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, r.store.ReconcileGapKey())
}

func (r *RedisGapRecorder) Clear(ctx context.Context, references ...string) error {
	return r.store.SRem(ctx, r.store.ReconcileGapKey(), references...)
}
