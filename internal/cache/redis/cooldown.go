package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// CooldownStore implements domain.CooldownStore. A cooldown is a plain key
// whose Redis expiry is the cooldown deadline, so "is the cooldown active"
// reduces to "does the key still exist". Cooldowns survive restarts for free.
type CooldownStore struct {
	rdb *redis.Client
}

// NewCooldownStore creates a CooldownStore backed by the given Client.
func NewCooldownStore(c *Client) *CooldownStore {
	return &CooldownStore{rdb: c.Underlying()}
}

// Set arms a cooldown that stays active until the given time. Deadlines in
// the past are ignored.
func (cs *CooldownStore) Set(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := cs.rdb.Set(ctx, key, until.UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set cooldown %s: %w", key, err)
	}
	return nil
}

// Active reports whether the cooldown is still in effect.
func (cs *CooldownStore) Active(ctx context.Context, key string) (bool, error) {
	err := cs.rdb.Get(ctx, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: check cooldown %s: %w", key, err)
	}
	return true, nil
}

var _ domain.CooldownStore = (*CooldownStore)(nil)
