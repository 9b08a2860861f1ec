package fiscal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// Locker grants a short-lived single-writer section.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), err error)
}

// RedisLocker implements Locker with redislock. It never retries: a held
// lock means another switch is in flight.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker wraps a redislock client.
func NewRedisLocker(client *redislock.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire obtains key for ttl.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("fiscal: lock %s held: %w", key, shared.ErrConcurrencyConflict)
	}
	if err != nil {
		return nil, shared.Persistence("fiscal: obtain lock", err)
	}
	return func(ctx context.Context) {
		_ = lock.Release(ctx)
	}, nil
}
