package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// AuditStore appends to and reads the audit_log table. Entries are written
// before every order intent and on every state transition, so the table is
// the replayable record of what the engine decided and when.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an AuditStore on the shared pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one entry. detail lands in a JSONB column; a nil map stores
// SQL NULL.
func (s *AuditStore) Log(ctx context.Context, event string, tradeID *uuid.UUID, detail map[string]any) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, trade_id, detail) VALUES ($1, $2, $3)`,
		event, tradeID, payload,
	); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first, filtered by the optional time window in
// opts and paginated by its limit and offset.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	sql := `SELECT id, event, trade_id, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Since != nil {
		sql += " AND created_at >= " + next(*opts.Since)
	}
	if opts.Until != nil {
		sql += " AND created_at <= " + next(*opts.Until)
	}
	sql += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		sql += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		sql += " OFFSET " + next(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Event, &e.TradeID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if payload != nil {
			if err := json.Unmarshal(payload, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: decode audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: audit rows: %w", err)
	}
	return entries, nil
}
