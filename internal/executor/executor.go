package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/risk"
)

// Book is the ledger surface the paper executor needs beyond what the
// governor mutates.
type Book interface {
	risk.Book
	OpenPosition(symbol string) (domain.Position, bool)
}

// RiskGate approves intents and settles exits against a book. It is
// implemented by risk.Governor.
type RiskGate interface {
	TryOpen(ctx context.Context, book risk.Book, intent domain.TradeIntent) (domain.RiskDecision, domain.Position, error)
	Close(ctx context.Context, book risk.Book, id string, price float64, at time.Time, reason domain.ExitReason) (domain.TradeRecord, error)
}

// Paper fills intents at the intent price in the simulated ledger. Exits
// fill at the stop, target or close price the strategy supplies.
type Paper struct {
	gate   RiskGate
	book   Book
	logger *slog.Logger
}

// NewPaper creates a paper executor.
func NewPaper(gate RiskGate, book Book, logger *slog.Logger) *Paper {
	return &Paper{
		gate:   gate,
		book:   book,
		logger: logger.With(slog.String("component", "executor")),
	}
}

// Enter sizes and opens intent through the risk gate.
func (p *Paper) Enter(ctx context.Context, intent domain.TradeIntent) (domain.RiskDecision, domain.Position, error) {
	decision, pos, err := p.gate.TryOpen(ctx, p.book, intent)
	if err != nil {
		p.logger.ErrorContext(ctx, "executor: entry failed",
			slog.String("symbol", intent.Symbol),
			slog.String("error", err.Error()),
		)
		return decision, domain.Position{}, err
	}
	return decision, pos, nil
}

// Exit closes positionID at price.
func (p *Paper) Exit(ctx context.Context, positionID string, price float64, at time.Time, reason domain.ExitReason) (domain.TradeRecord, error) {
	rec, err := p.gate.Close(ctx, p.book, positionID, price, at, reason)
	if err != nil {
		p.logger.ErrorContext(ctx, "executor: exit failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
		return domain.TradeRecord{}, err
	}
	return rec, nil
}

// OpenPosition returns the open position for symbol.
func (p *Paper) OpenPosition(symbol string) (domain.Position, bool) {
	return p.book.OpenPosition(symbol)
}
