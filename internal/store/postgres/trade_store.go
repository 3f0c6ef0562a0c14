package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id::text, symbol, side, qty, entry_price, entry_time,
	stop_price, target_price, risk_amount, trade_date::text,
	exit_price, exit_time, exit_reason, pnl, r_multiple`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var side, reason string
		if err := rows.Scan(
			&t.ID, &t.Symbol, &side, &t.Quantity, &t.EntryPrice, &t.EntryTime,
			&t.StopPrice, &t.TargetPrice, &t.RiskAmount, &t.TradeDate,
			&t.ExitPrice, &t.ExitTime, &reason, &t.RealizedPnL, &t.RMultiple,
		); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		t.Status = domain.PositionStatusClosed
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert stores a closed trade. Re-inserting the same id is a no-op.
func (s *TradeStore) Insert(ctx context.Context, t domain.TradeRecord) error {
	const query = `
		INSERT INTO trades (
			id, symbol, side, qty, entry_price, entry_time,
			stop_price, target_price, risk_amount, trade_date,
			exit_price, exit_time, exit_reason, pnl, r_multiple
		) VALUES (
			$1::uuid, $2, $3, $4, $5, $6,
			$7, $8, $9, $10::date,
			$11, $12, $13, $14, $15
		) ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice, t.EntryTime,
		t.StopPrice, t.TargetPrice, t.RiskAmount, t.TradeDate,
		t.ExitPrice, t.ExitTime, string(t.ExitReason), t.RealizedPnL, t.RMultiple,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListByDate returns the trades of one trading date in exit order.
func (s *TradeStore) ListByDate(ctx context.Context, date string) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE trade_date = $1::date ORDER BY exit_time ASC`
	rows, err := s.pool.Query(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by date: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by date: %w", err)
	}
	return trades, nil
}

// ListBySymbol returns trades for a symbol, newest first, with pagination
// and optional exit-time filtering.
func (s *TradeStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	q := newListQuery(`SELECT `+tradeSelectCols+` FROM trades WHERE symbol = $1`, symbol)
	q.window("exit_time", opts)
	q.page("exit_time DESC", opts)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by symbol: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by symbol: %w", err)
	}
	return trades, nil
}

// ListBefore returns all trades that exited strictly before the given time
// (for archiving).
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE exit_time < $1 ORDER BY exit_time ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// Dates returns every trading date with at least one trade, ascending.
func (s *TradeStore) Dates(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT trade_date::text FROM trades ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("postgres: scan trade date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}
