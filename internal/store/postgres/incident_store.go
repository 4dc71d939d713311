package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// IncidentStore implements domain.IncidentStore using PostgreSQL. The table
// is append-only: there are no update or delete paths.
type IncidentStore struct {
	pool *pgxpool.Pool
}

// NewIncidentStore creates an IncidentStore backed by the given pool.
func NewIncidentStore(pool *pgxpool.Pool) *IncidentStore {
	return &IncidentStore{pool: pool}
}

const incidentColumns = `
	id, trade_id, type, severity, venue, symbol, message,
	measured, threshold, detected_at, action`

// Create appends one incident.
func (s *IncidentStore) Create(ctx context.Context, inc domain.Incident) error {
	const query = `
		INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	var tradeID *uuid.UUID
	if inc.TradeID != uuid.Nil {
		tradeID = &inc.TradeID
	}
	_, err := s.pool.Exec(ctx, query,
		inc.ID, tradeID, string(inc.Type), string(inc.Severity),
		inc.Venue, inc.Symbol, inc.Message,
		inc.Measured, inc.Threshold, inc.DetectedAt, inc.Action,
	)
	if err != nil {
		return fmt.Errorf("postgres: create incident %s: %w", inc.ID, err)
	}
	return nil
}

// ListByTrade returns a trade's incidents in detection order.
func (s *IncidentStore) ListByTrade(ctx context.Context, tradeID uuid.UUID) ([]domain.Incident, error) {
	const query = `SELECT ` + incidentColumns + `
		FROM incidents WHERE trade_id = $1 ORDER BY detected_at`
	return s.list(ctx, query, tradeID)
}

// ListRecent returns incidents with pagination and time filtering.
func (s *IncidentStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND detected_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND detected_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY detected_at DESC"

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

// ListBefore returns incidents detected before the cutoff, for archival.
func (s *IncidentStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Incident, error) {
	const query = `SELECT ` + incidentColumns + `
		FROM incidents WHERE detected_at < $1 ORDER BY detected_at`
	return s.list(ctx, query, before)
}

func (s *IncidentStore) list(ctx context.Context, query string, args ...any) ([]domain.Incident, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list incidents rows: %w", err)
	}
	return incidents, nil
}

func scanIncident(row pgx.Row) (domain.Incident, error) {
	var (
		inc           domain.Incident
		tradeID       *uuid.UUID
		typ, severity string
	)
	err := row.Scan(
		&inc.ID, &tradeID, &typ, &severity,
		&inc.Venue, &inc.Symbol, &inc.Message,
		&inc.Measured, &inc.Threshold, &inc.DetectedAt, &inc.Action,
	)
	if err != nil {
		return domain.Incident{}, err
	}
	if tradeID != nil {
		inc.TradeID = *tradeID
	}
	inc.Type = domain.IncidentType(typ)
	inc.Severity = domain.Severity(severity)
	return inc, nil
}
