package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/strategy"
)

// StrategyController is the operator surface of strategy.Engine.
type StrategyController interface {
	Snapshots() []domain.TradingDay
	Stats() strategy.Stats
	RecentIntents(limit int) []strategy.Outcome
	Unfreeze(ctx context.Context, symbol string) (*domain.TradeRecord, error)
}

// StrategyHandler exposes the per-symbol machines.
type StrategyHandler struct {
	engine     StrategyController
	onUnfreeze func(ctx context.Context, symbol string, closed *domain.TradeRecord)
	logger     *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler. onUnfreeze, when set, runs
// after a successful unfreeze.
func NewStrategyHandler(
	engine StrategyController,
	onUnfreeze func(ctx context.Context, symbol string, closed *domain.TradeRecord),
	logger *slog.Logger,
) *StrategyHandler {
	return &StrategyHandler{engine: engine, onUnfreeze: onUnfreeze, logger: logHandler(logger, "strategy")}
}

// ListSymbols returns every symbol's machine state plus engine counters.
// GET /api/strategy/symbols
func (h *StrategyHandler) ListSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": h.engine.Snapshots(),
		"stats":   h.engine.Stats(),
	})
}

// ListIntents returns recent entry attempts, newest first.
// GET /api/strategy/intents?limit=20
func (h *StrategyHandler) ListIntents(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, 200)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": h.engine.RecentIntents(limit)})
}

// Unfreeze releases a frozen symbol, force-closing any position it holds.
// POST /api/strategy/symbols/{symbol}/unfreeze
func (h *StrategyHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(pathParam(r, "symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "missing symbol")
		return
	}

	closed, err := h.engine.Unfreeze(r.Context(), symbol)
	if err != nil {
		writeDomainError(w, r, h.logger, "unfreeze symbol", err)
		return
	}
	if h.onUnfreeze != nil {
		h.onUnfreeze(r.Context(), symbol, closed)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"closed": closed,
	})
}
