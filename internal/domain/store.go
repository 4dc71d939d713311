package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeStore persists trades and their legs.
type TradeStore interface {
	Create(ctx context.Context, trade Trade) error
	Update(ctx context.Context, trade Trade) error
	GetByID(ctx context.Context, id uuid.UUID) (Trade, error)
	ListActive(ctx context.Context) ([]Trade, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Trade, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Trade, error)
	SumPnL(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// IncidentStore persists the append-only incident trail. Incidents are never
// updated or deleted.
type IncidentStore interface {
	Create(ctx context.Context, inc Incident) error
	ListByTrade(ctx context.Context, tradeID uuid.UUID) ([]Incident, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Incident, error)
	ListBefore(ctx context.Context, before time.Time) ([]Incident, error)
}

// AuditEntry is one row of the append-only audit journal. Every state
// transition and every order intent is journaled before the exchange call is
// made, so a crash mid-call is detectable on restart.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	TradeID   *uuid.UUID     `json:"trade_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists the audit journal.
type AuditStore interface {
	Log(ctx context.Context, event string, tradeID *uuid.UUID, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
