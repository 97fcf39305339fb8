package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobInfo describes one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobReader fetches objects from storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// LedgerSnapshot is one archived copy of the hedge ledger.
type LedgerSnapshot struct {
	FlushedAt time.Time       `json:"flushed_at"`
	Risk      RiskState       `json:"risk"`
	Hedges    []HedgePosition `json:"hedges"`
}

// Archiver snapshots the hedge ledger to cold storage.
type Archiver interface {
	Flush(ctx context.Context, hedges []HedgePosition, risk RiskState) (string, error)
}

// SnapshotReader returns the newest archived ledger, or ErrNotFound.
type SnapshotReader interface {
	Latest(ctx context.Context) (LedgerSnapshot, error)
}
