package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// releaseScript frees a lock only when the stored token matches, so a holder
// whose TTL already expired cannot delete the lock a new holder now owns.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager provides the per-trade mutual exclusion the controller,
// reconciler, and guard all route through: SET NX with a TTL for acquire,
// the token-checked script for release.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager on the shared client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseScript),
	}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld when another
// holder owns it. The returned unlock is idempotent and uses its own
// timeout, since the caller's context is often already cancelled by the time
// a deferred unlock runs.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	name := "lock:" + key

	ok, err := lm.rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.release.Run(rctx, lm.rdb, []string{name}, token).Err()
	}, nil
}
