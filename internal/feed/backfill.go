package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// StoreBackfiller recovers gaps from the bar store. Bars the pipeline has
// already seen are rejected as stale there and not counted.
type StoreBackfiller struct {
	bars    BarRanger
	ingress Ingress
	logger  *slog.Logger
}

// NewStoreBackfiller creates a StoreBackfiller.
func NewStoreBackfiller(bars BarRanger, ingress Ingress, logger *slog.Logger) *StoreBackfiller {
	return &StoreBackfiller{
		bars:    bars,
		ingress: ingress,
		logger:  logger.With(slog.String("component", "store_backfiller")),
	}
}

// Backfill pushes stored bars in [from, to) through the ingress.
func (s *StoreBackfiller) Backfill(ctx context.Context, from, to time.Time) (int, error) {
	bars, err := s.bars.ListRange(ctx, "", from, to)
	if err != nil {
		return 0, fmt.Errorf("feed: backfill: %w", err)
	}
	pushed := 0
	for _, b := range bars {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}
		b.Source = domain.BarSourceBackfill
		if err := s.ingress.IngestBar(ctx, b); err != nil {
			if !errors.Is(err, domain.ErrStaleBar) {
				s.logger.WarnContext(ctx, "backfill: bar rejected",
					slog.String("symbol", b.Symbol),
					slog.Time("ts", b.Timestamp),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		pushed++
	}
	return pushed, nil
}

// Backfillers runs several backfillers in order and sums what they pushed.
type Backfillers []Backfiller

// Backfill runs every backfiller even if an earlier one fails.
func (bs Backfillers) Backfill(ctx context.Context, from, to time.Time) (int, error) {
	total := 0
	var errs []error
	for _, b := range bs {
		if b == nil {
			continue
		}
		n, err := b.Backfill(ctx, from, to)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
