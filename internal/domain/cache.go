package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest normalized market data per
// venue and symbol.
type PriceCache interface {
	SetTicker(ctx context.Context, t Ticker) error
	GetTicker(ctx context.Context, venue, symbol string) (Ticker, error)
	SetFunding(ctx context.Context, f FundingRate) error
	GetFunding(ctx context.Context, venue, symbol string) (FundingRate, error)
}

// LockManager provides distributed locking, used to serialize panic actions
// per symbol across processes.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// CooldownStore records panic-trigger cooldowns so a fired trigger is
// suppressed for its window without suppressing more severe triggers.
type CooldownStore interface {
	Set(ctx context.Context, key string, until time.Time) error
	Active(ctx context.Context, key string) (bool, error)
}

// SnapshotStore keeps the most recent per-venue position and balance
// snapshots written by the guard's deep loop.
type SnapshotStore interface {
	SetPositions(ctx context.Context, venue string, positions []Position) error
	GetPositions(ctx context.Context, venue string) ([]Position, error)
	SetBalance(ctx context.Context, b Balance) error
	GetBalance(ctx context.Context, venue string) (Balance, error)
}
