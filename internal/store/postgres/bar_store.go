package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// BarStore implements domain.BarStore using PostgreSQL.
type BarStore struct {
	pool *pgxpool.Pool
}

// NewBarStore creates a new BarStore backed by the given connection pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

const barSelectCols = `symbol, ts, open, high, low, close, volume, source`

func scanBarRows(rows pgx.Rows) ([]domain.Bar, error) {
	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		var src string
		if err := rows.Scan(&b.Symbol, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &src); err != nil {
			return nil, err
		}
		b.Source = domain.BarSource(src)
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// InsertBatch inserts bars with a pgx Batch. Bars whose (symbol, ts) is
// already stored are skipped via ON CONFLICT DO NOTHING; the return value
// counts only new rows.
func (s *BarStore) InsertBatch(ctx context.Context, bars []domain.Bar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO bars (symbol, ts, open, high, low, close, volume, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, ts) DO NOTHING`

	for _, b := range bars {
		batch.Queue(query, b.Symbol, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume, string(b.Source))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for i := range bars {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("postgres: insert bar batch item %d: %w", i, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ListRange returns bars with from <= ts < to, ordered by ts then symbol. An
// empty symbol matches every symbol; a zero from or to leaves that side
// open.
func (s *BarStore) ListRange(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	q := newListQuery(`SELECT ` + barSelectCols + ` FROM bars WHERE 1=1`)
	if symbol != "" {
		q.where("symbol = $%d", symbol)
	}
	if !from.IsZero() {
		q.where("ts >= $%d", from)
	}
	if !to.IsZero() {
		q.where("ts < $%d", to)
	}
	q.sql += " ORDER BY ts ASC, symbol ASC"

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bars in range: %w", err)
	}
	defer rows.Close()

	bars, err := scanBarRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bars in range: %w", err)
	}
	return bars, nil
}

// ListBefore returns all bars stamped strictly before the given time (for
// archiving).
func (s *BarStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Bar, error) {
	query := `SELECT ` + barSelectCols + ` FROM bars WHERE ts < $1 ORDER BY ts ASC, symbol ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bars before: %w", err)
	}
	defer rows.Close()
	return scanBarRows(rows)
}

// Symbols returns every symbol with stored bars.
func (s *BarStore) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT symbol FROM bars ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bar symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("postgres: scan bar symbol: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}
