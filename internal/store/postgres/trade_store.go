package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Legs, state
// history, and the originating opportunity are stored as JSONB; the scalar
// columns exist for querying and aggregation.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeColumns = `
	id, symbol, long_venue, short_venue, quantity, notional_usd, state,
	state_history, long_leg, short_leg, opportunity,
	created_at, validated_at, opened_at, closed_at, reconciled_at,
	close_reason, incident_count, expected_net_bps, realized_pnl_usd,
	funding_collected, total_fees_usd, max_orphan_ms, max_delta_breach_pct`

// Create inserts a new trade row.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade) error {
	history, longLeg, shortLeg, opp, err := marshalTradeJSON(t)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO trades (` + tradeColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.Symbol, t.LongVenue, t.ShortVenue, t.Quantity, t.NotionalUSD, string(t.State),
		history, longLeg, shortLeg, opp,
		t.CreatedAt, t.ValidatedAt, t.OpenedAt, t.ClosedAt, t.ReconciledAt,
		t.CloseReason, t.IncidentCount, t.ExpectedNetBps, t.RealizedPnLUSD,
		t.FundingCollected, t.TotalFeesUSD, t.MaxOrphanMs, t.MaxDeltaBreachPct,
	)
	if err != nil {
		return fmt.Errorf("postgres: create trade %s: %w", t.ID, err)
	}
	return nil
}

// Update overwrites an existing trade row, returning domain.ErrNotFound when
// no row matches.
func (s *TradeStore) Update(ctx context.Context, t domain.Trade) error {
	history, longLeg, shortLeg, opp, err := marshalTradeJSON(t)
	if err != nil {
		return err
	}

	const query = `
		UPDATE trades SET
			quantity = $2, notional_usd = $3, state = $4,
			state_history = $5, long_leg = $6, short_leg = $7, opportunity = $8,
			validated_at = $9, opened_at = $10, closed_at = $11, reconciled_at = $12,
			close_reason = $13, incident_count = $14, expected_net_bps = $15,
			realized_pnl_usd = $16, funding_collected = $17, total_fees_usd = $18,
			max_orphan_ms = $19, max_delta_breach_pct = $20, updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.Quantity, t.NotionalUSD, string(t.State),
		history, longLeg, shortLeg, opp,
		t.ValidatedAt, t.OpenedAt, t.ClosedAt, t.ReconciledAt,
		t.CloseReason, t.IncidentCount, t.ExpectedNetBps,
		t.RealizedPnLUSD, t.FundingCollected, t.TotalFeesUSD,
		t.MaxOrphanMs, t.MaxDeltaBreachPct,
	)
	if err != nil {
		return fmt.Errorf("postgres: update trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update trade %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one trade.
func (s *TradeStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Trade, error) {
	const query = `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	t, err := scanTrade(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trade{}, fmt.Errorf("postgres: trade %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// ListActive returns trades in non-terminal states, oldest first. Used on
// startup to re-adopt exposure that survived a crash.
func (s *TradeStore) ListActive(ctx context.Context) ([]domain.Trade, error) {
	const query = `SELECT ` + tradeColumns + `
		FROM trades WHERE state NOT IN ('closed', 'failed') ORDER BY created_at`
	return s.list(ctx, query)
}

// ListRecent returns trades with pagination and optional time filtering.
func (s *TradeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.list(ctx, query, args...)
}

// ListClosedBefore returns terminal trades that closed before the cutoff,
// the archiver's export set.
func (s *TradeStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	const query = `SELECT ` + tradeColumns + `
		FROM trades
		WHERE state IN ('closed', 'failed') AND closed_at < $1
		ORDER BY closed_at`
	return s.list(ctx, query, before)
}

// SumPnL returns the realized PnL of trades closed since the given time.
func (s *TradeStore) SumPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	const query = `
		SELECT COALESCE(SUM(realized_pnl_usd), 0)
		FROM trades WHERE state = 'closed' AND closed_at >= $1`
	var sum decimal.Decimal
	if err := s.pool.QueryRow(ctx, query, since).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum pnl: %w", err)
	}
	return sum, nil
}

func (s *TradeStore) list(ctx context.Context, query string, args ...any) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return trades, nil
}

func marshalTradeJSON(t domain.Trade) (history, longLeg, shortLeg, opp []byte, err error) {
	if history, err = json.Marshal(t.StateHistory); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("postgres: marshal state history: %w", err)
	}
	if longLeg, err = json.Marshal(t.LongLeg); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("postgres: marshal long leg: %w", err)
	}
	if shortLeg, err = json.Marshal(t.ShortLeg); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("postgres: marshal short leg: %w", err)
	}
	if t.Opportunity != nil {
		if opp, err = json.Marshal(t.Opportunity); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("postgres: marshal opportunity: %w", err)
		}
	}
	return history, longLeg, shortLeg, opp, nil
}

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		t                                domain.Trade
		state                            string
		historyJSON, longJSON, shortJSON []byte
		oppJSON                          []byte
	)
	err := row.Scan(
		&t.ID, &t.Symbol, &t.LongVenue, &t.ShortVenue, &t.Quantity, &t.NotionalUSD, &state,
		&historyJSON, &longJSON, &shortJSON, &oppJSON,
		&t.CreatedAt, &t.ValidatedAt, &t.OpenedAt, &t.ClosedAt, &t.ReconciledAt,
		&t.CloseReason, &t.IncidentCount, &t.ExpectedNetBps, &t.RealizedPnLUSD,
		&t.FundingCollected, &t.TotalFeesUSD, &t.MaxOrphanMs, &t.MaxDeltaBreachPct,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.State = domain.TradeState(state)

	if err := json.Unmarshal(historyJSON, &t.StateHistory); err != nil {
		return domain.Trade{}, fmt.Errorf("unmarshal state history: %w", err)
	}
	if err := json.Unmarshal(longJSON, &t.LongLeg); err != nil {
		return domain.Trade{}, fmt.Errorf("unmarshal long leg: %w", err)
	}
	if err := json.Unmarshal(shortJSON, &t.ShortLeg); err != nil {
		return domain.Trade{}, fmt.Errorf("unmarshal short leg: %w", err)
	}
	if len(oppJSON) > 0 {
		t.Opportunity = &domain.Opportunity{}
		if err := json.Unmarshal(oppJSON, t.Opportunity); err != nil {
			return domain.Trade{}, fmt.Errorf("unmarshal opportunity: %w", err)
		}
	}
	return t, nil
}
