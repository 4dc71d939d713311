package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver exports closed trades and old incidents to blob storage as JSONL.
// Archival never deletes from the primary store; retention is a separate,
// explicit step run after the archive is verified.
type Archiver interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time) (objects []string, err error)
}
