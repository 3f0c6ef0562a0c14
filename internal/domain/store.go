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

// BarStore persists closed bars keyed by (symbol, timestamp).
type BarStore interface {
	// InsertBatch stores bars, skipping any (symbol, ts) already present, and
	// returns the number actually inserted.
	InsertBatch(ctx context.Context, bars []Bar) (int64, error)
	// ListRange returns bars with from <= ts < to ordered by ts then symbol.
	// An empty symbol matches all symbols.
	ListRange(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
	ListBefore(ctx context.Context, before time.Time) ([]Bar, error)
	Symbols(ctx context.Context) ([]string, error)
}

// TradeStore persists closed trades keyed by id with a symbol/date index.
type TradeStore interface {
	Insert(ctx context.Context, trade TradeRecord) error
	ListByDate(ctx context.Context, date string) ([]TradeRecord, error)
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]TradeRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
	Dates(ctx context.Context) ([]string, error)
}

// EquityStore persists equity snapshots keyed by time.
type EquityStore interface {
	Append(ctx context.Context, point EquityPoint) error
	List(ctx context.Context, opts ListOpts) ([]EquityPoint, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
