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

// PriceCache implements domain.PriceCache using Redis string keys holding
// JSON. Entries expire on their own so a dead feed cannot serve stale prices
// to the scanner indefinitely.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. Entries
// expire after ttl.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func tickerKey(venue, symbol string) string {
	return "ticker:" + venue + ":" + symbol
}

func fundingKey(venue, symbol string) string {
	return "funding:" + venue + ":" + symbol
}

// SetTicker stores the latest book snapshot for a venue and symbol.
func (pc *PriceCache) SetTicker(ctx context.Context, t domain.Ticker) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis: marshal ticker: %w", err)
	}
	if err := pc.rdb.Set(ctx, tickerKey(t.Venue, t.Symbol), data, pc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set ticker %s/%s: %w", t.Venue, t.Symbol, err)
	}
	return nil
}

// GetTicker retrieves the latest book snapshot. It returns domain.ErrNotFound
// when the key does not exist or has expired.
func (pc *PriceCache) GetTicker(ctx context.Context, venue, symbol string) (domain.Ticker, error) {
	data, err := pc.rdb.Get(ctx, tickerKey(venue, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Ticker{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s/%s: %w", venue, symbol, err)
	}
	var t domain.Ticker
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: unmarshal ticker %s/%s: %w", venue, symbol, err)
	}
	return t, nil
}

// SetFunding stores the latest funding rate. Funding moves slowly, so the
// entry gets a longer expiry than tickers.
func (pc *PriceCache) SetFunding(ctx context.Context, f domain.FundingRate) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("redis: marshal funding: %w", err)
	}
	if err := pc.rdb.Set(ctx, fundingKey(f.Venue, f.Symbol), data, 10*pc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set funding %s/%s: %w", f.Venue, f.Symbol, err)
	}
	return nil
}

// GetFunding retrieves the latest funding rate.
func (pc *PriceCache) GetFunding(ctx context.Context, venue, symbol string) (domain.FundingRate, error) {
	data, err := pc.rdb.Get(ctx, fundingKey(venue, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.FundingRate{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.FundingRate{}, fmt.Errorf("redis: get funding %s/%s: %w", venue, symbol, err)
	}
	var f domain.FundingRate
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.FundingRate{}, fmt.Errorf("redis: unmarshal funding %s/%s: %w", venue, symbol, err)
	}
	return f, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
