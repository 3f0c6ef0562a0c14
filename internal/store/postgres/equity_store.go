package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// EquityStore implements domain.EquityStore using PostgreSQL.
type EquityStore struct {
	pool *pgxpool.Pool
}

// NewEquityStore creates a new EquityStore backed by the given connection pool.
func NewEquityStore(pool *pgxpool.Pool) *EquityStore {
	return &EquityStore{pool: pool}
}

// Append records one equity sample.
func (s *EquityStore) Append(ctx context.Context, p domain.EquityPoint) error {
	const query = `INSERT INTO equity_snapshots (ts, equity, trade_id) VALUES ($1, $2, NULLIF($3, '')::uuid)`
	if _, err := s.pool.Exec(ctx, query, p.Time, p.Equity, p.TradeID); err != nil {
		return fmt.Errorf("postgres: append equity snapshot: %w", err)
	}
	return nil
}

// List returns equity samples oldest first.
func (s *EquityStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.EquityPoint, error) {
	q := newListQuery(`SELECT ts, equity, COALESCE(trade_id::text, '') FROM equity_snapshots WHERE 1=1`)
	q.window("ts", opts)
	q.page("ts ASC, id ASC", opts)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list equity snapshots: %w", err)
	}
	defer rows.Close()

	var points []domain.EquityPoint
	for rows.Next() {
		var p domain.EquityPoint
		if err := rows.Scan(&p.Time, &p.Equity, &p.TradeID); err != nil {
			return nil, fmt.Errorf("postgres: scan equity snapshot: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list equity snapshots rows: %w", err)
	}
	return points, nil
}
