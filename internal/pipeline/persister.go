package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

type recordKind int

const (
	recordBar recordKind = iota
	recordTrade
	recordEquity
	recordAudit
)

type record struct {
	kind   recordKind
	bar    domain.Bar
	trade  domain.TradeRecord
	point  domain.EquityPoint
	event  string
	detail map[string]any
}

// PersisterConfig tunes the write-behind queue.
type PersisterConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultPersisterConfig returns production defaults.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{QueueSize: 4096, BatchSize: 500, FlushInterval: 2 * time.Second}
}

// PersisterStats counts what reached the stores.
type PersisterStats struct {
	Bars    int64 `json:"bars"`
	Trades  int64 `json:"trades"`
	Equity  int64 `json:"equity"`
	Audit   int64 `json:"audit"`
	Dropped int64 `json:"dropped"`
	Errors  int64 `json:"errors"`
	Queued  int   `json:"queued"`
}

// Persister writes pipeline output to the stores behind a bounded queue so
// the bar path never waits on the database. Bars are batch inserted; trades,
// equity points and audit entries are written as they arrive. Any store may
// be nil.
type Persister struct {
	bars   domain.BarStore
	trades domain.TradeStore
	equity domain.EquityStore
	audit  domain.AuditStore
	cfg    PersisterConfig
	logger *slog.Logger

	queue chan record

	written struct{ bars, trades, equity, audit atomic.Int64 }
	dropped atomic.Int64
	errors  atomic.Int64
}

// NewPersister creates a Persister.
func NewPersister(
	bars domain.BarStore,
	trades domain.TradeStore,
	equity domain.EquityStore,
	audit domain.AuditStore,
	cfg PersisterConfig,
	logger *slog.Logger,
) *Persister {
	def := DefaultPersisterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Persister{
		bars:   bars,
		trades: trades,
		equity: equity,
		audit:  audit,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "persister")),
		queue:  make(chan record, cfg.QueueSize),
	}
}

// RecordBar queues a sealed bar.
func (p *Persister) RecordBar(b domain.Bar) {
	if p.bars != nil {
		p.enqueue(record{kind: recordBar, bar: b})
	}
}

// RecordTrade queues a closed trade.
func (p *Persister) RecordTrade(t domain.TradeRecord) {
	if p.trades != nil {
		p.enqueue(record{kind: recordTrade, trade: t})
	}
}

// RecordEquity queues an equity snapshot.
func (p *Persister) RecordEquity(pt domain.EquityPoint) {
	if p.equity != nil {
		p.enqueue(record{kind: recordEquity, point: pt})
	}
}

// Audit queues an audit log entry.
func (p *Persister) Audit(event string, detail map[string]any) {
	if p.audit != nil {
		p.enqueue(record{kind: recordAudit, event: event, detail: detail})
	}
}

func (p *Persister) enqueue(r record) {
	select {
	case p.queue <- r:
	default:
		if n := p.dropped.Add(1); n == 1 || n%1000 == 0 {
			p.logger.Warn("persister queue full, dropping", slog.Int64("dropped", n))
		}
	}
}

// Stats returns write counters.
func (p *Persister) Stats() PersisterStats {
	return PersisterStats{
		Bars:    p.written.bars.Load(),
		Trades:  p.written.trades.Load(),
		Equity:  p.written.equity.Load(),
		Audit:   p.written.audit.Load(),
		Dropped: p.dropped.Load(),
		Errors:  p.errors.Load(),
		Queued:  len(p.queue),
	}
}

// Run drains the queue until ctx is cancelled, then writes whatever is
// still queued before returning.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	p.logger.Info("persister started", slog.Int("batch_size", p.cfg.BatchSize))

	batch := make([]domain.Bar, 0, p.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		p.writeBars(ctx, batch)
		batch = batch[:0]
	}

	handle := func(ctx context.Context, r record) {
		if r.kind != recordBar {
			p.write(ctx, r)
			return
		}
		batch = append(batch, r.bar)
		if len(batch) >= p.cfg.BatchSize {
			flush(ctx)
		}
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			for len(p.queue) > 0 {
				handle(drainCtx, <-p.queue)
			}
			flush(drainCtx)
			p.logger.Info("persister stopped", slog.Int64("dropped", p.dropped.Load()))
			return nil
		case r := <-p.queue:
			handle(ctx, r)
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (p *Persister) writeBars(ctx context.Context, bars []domain.Bar) {
	n, err := p.bars.InsertBatch(ctx, bars)
	if err != nil {
		p.errors.Add(1)
		p.logger.ErrorContext(ctx, "persist bars failed",
			slog.Int("count", len(bars)),
			slog.String("error", err.Error()),
		)
		return
	}
	p.written.bars.Add(n)
}

func (p *Persister) write(ctx context.Context, r record) {
	var err error
	switch r.kind {
	case recordTrade:
		if err = p.trades.Insert(ctx, r.trade); err == nil {
			p.written.trades.Add(1)
		}
	case recordEquity:
		if err = p.equity.Append(ctx, r.point); err == nil {
			p.written.equity.Add(1)
		}
	case recordAudit:
		if err = p.audit.Log(ctx, r.event, r.detail); err == nil {
			p.written.audit.Add(1)
		}
	}
	if err != nil {
		p.errors.Add(1)
		p.logger.ErrorContext(ctx, "persist record failed",
			slog.Int("kind", int(r.kind)),
			slog.String("error", err.Error()),
		)
	}
}
