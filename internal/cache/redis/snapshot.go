package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore. It keeps the last known
// positions and balance per venue so the API can answer exposure queries
// without hitting the exchanges.
type SnapshotStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotStore creates a SnapshotStore with the given entry lifetime.
func NewSnapshotStore(c *Client, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SnapshotStore{rdb: c.Underlying(), ttl: ttl}
}

func positionsKey(venue string) string { return "snapshot:positions:" + venue }
func balanceKey(venue string) string   { return "snapshot:balance:" + venue }

// SetPositions stores the venue's open positions.
func (ss *SnapshotStore) SetPositions(ctx context.Context, venue string, positions []domain.Position) error {
	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("redis: marshal positions: %w", err)
	}
	if err := ss.rdb.Set(ctx, positionsKey(venue), data, ss.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set positions %s: %w", venue, err)
	}
	return nil
}

// GetPositions returns the last stored positions for a venue.
func (ss *SnapshotStore) GetPositions(ctx context.Context, venue string) ([]domain.Position, error) {
	data, err := ss.rdb.Get(ctx, positionsKey(venue)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get positions %s: %w", venue, err)
	}
	var positions []domain.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("redis: unmarshal positions %s: %w", venue, err)
	}
	return positions, nil
}

// SetBalance stores the venue's account balance.
func (ss *SnapshotStore) SetBalance(ctx context.Context, b domain.Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("redis: marshal balance: %w", err)
	}
	if err := ss.rdb.Set(ctx, balanceKey(b.Venue), data, ss.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set balance %s: %w", b.Venue, err)
	}
	return nil
}

// GetBalance returns the last stored balance for a venue.
func (ss *SnapshotStore) GetBalance(ctx context.Context, venue string) (domain.Balance, error) {
	data, err := ss.rdb.Get(ctx, balanceKey(venue)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Balance{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("redis: get balance %s: %w", venue, err)
	}
	var b domain.Balance
	if err := json.Unmarshal(data, &b); err != nil {
		return domain.Balance{}, fmt.Errorf("redis: unmarshal balance %s: %w", venue, err)
	}
	return b, nil
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)
