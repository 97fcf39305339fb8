package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// HedgeStore mirrors the in-memory hedge ledger to durable storage.
type HedgeStore interface {
	Upsert(ctx context.Context, h HedgePosition) error
	GetByID(ctx context.Context, id string) (HedgePosition, error)
	ListOpen(ctx context.Context) ([]HedgePosition, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]HedgePosition, error)
}

// FundingHistoryStore keeps every accepted funding quote.
type FundingHistoryStore interface {
	Insert(ctx context.Context, q FundingQuote) error
	ListByPair(ctx context.Context, pair string, opts ListOpts) ([]FundingQuote, error)
}

// AuditEntry represents an audit log record.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore provides an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
