package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// TradeArchiveStore is the slice of the trade store the archiver needs.
type TradeArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
}

// IncidentArchiveStore is the slice of the incident store the archiver needs.
type IncidentArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Incident, error)
}

// Archive implements domain.Archiver. It exports terminal trades and old
// incidents to JSONL objects in blob storage, partitioned by the cutoff's
// year-month. Archival never deletes from the primary store; retention is a
// separate, explicit step run after the archive is verified.
type Archive struct {
	writer    domain.BlobWriter
	trades    TradeArchiveStore
	incidents IncidentArchiveStore
	audit     domain.AuditStore
	prefix    string
	logger    *slog.Logger
}

// NewArchiver creates an Archive writing under the given key prefix.
func NewArchiver(
	writer domain.BlobWriter,
	trades TradeArchiveStore,
	incidents IncidentArchiveStore,
	audit domain.AuditStore,
	prefix string,
	logger *slog.Logger,
) *Archive {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archive{
		writer:    writer,
		trades:    trades,
		incidents: incidents,
		audit:     audit,
		prefix:    prefix,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveBefore exports trades closed before the cutoff and incidents
// detected before it. It returns the object keys written. An empty result set
// for a kind skips the upload for that kind entirely.
func (a *Archive) ArchiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var objects []string

	trades, err := a.trades.ListClosedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) > 0 {
		buf, err := marshalJSONL(trades)
		if err != nil {
			return nil, fmt.Errorf("s3blob: archive trades marshal: %w", err)
		}
		path, err := a.upload(ctx, "trades", cutoff, buf)
		if err != nil {
			return objects, err
		}
		objects = append(objects, path)
	}

	incidents, err := a.incidents.ListBefore(ctx, cutoff)
	if err != nil {
		return objects, fmt.Errorf("s3blob: archive incidents query: %w", err)
	}
	if len(incidents) > 0 {
		buf, err := marshalJSONL(incidents)
		if err != nil {
			return objects, fmt.Errorf("s3blob: archive incidents marshal: %w", err)
		}
		path, err := a.upload(ctx, "incidents", cutoff, buf)
		if err != nil {
			return objects, err
		}
		objects = append(objects, path)
	}

	if len(objects) > 0 {
		if err := a.audit.Log(ctx, "archive_written", nil, map[string]any{
			"objects": objects,
			"trades":  len(trades),
			"cutoff":  cutoff.Format(time.RFC3339),
		}); err != nil {
			a.logger.Warn("archive audit log failed", slog.String("error", err.Error()))
		}
	}
	return objects, nil
}

func (a *Archive) upload(ctx context.Context, kind string, cutoff time.Time, buf []byte) (string, error) {
	path := fmt.Sprintf("%s/%s/%s.jsonl", a.prefix, kind, cutoff.Format("2006-01"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}
	a.logger.Info("archive uploaded",
		slog.String("path", path),
		slog.Int("bytes", len(buf)))
	return path, nil
}

// marshalJSONL serialises a slice as newline-delimited JSON, one compact
// object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archive)(nil)
