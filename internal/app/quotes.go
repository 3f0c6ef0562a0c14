package app

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/strategy"
)

// quoteSource answers last-close queries. The engine's own last closes are
// the baseline; the Redis quote cache, when wired, overrides them since other
// processes may have seen newer bars.
type quoteSource struct {
	cache  domain.QuoteCache
	engine *strategy.Engine
	logger *slog.Logger
}

// Quotes returns the last close per symbol.
func (q *quoteSource) Quotes(ctx context.Context) (map[string]float64, error) {
	days := q.engine.Snapshots()
	out := make(map[string]float64, len(days))
	symbols := make([]string, 0, len(days))
	for _, d := range days {
		symbols = append(symbols, d.Symbol)
		if d.LastClose > 0 {
			out[d.Symbol] = d.LastClose
		}
	}
	if q.cache == nil || len(symbols) == 0 {
		return out, nil
	}

	cached, err := q.cache.GetQuotes(ctx, symbols)
	if err != nil {
		q.logger.WarnContext(ctx, "quote cache unavailable, using engine closes",
			slog.String("error", err.Error()),
		)
		return out, nil
	}
	for sym, px := range cached {
		if px > 0 {
			out[sym] = px
		}
	}
	return out, nil
}
