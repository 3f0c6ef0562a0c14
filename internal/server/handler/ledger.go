package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/ledger"
)

// LedgerView is the read side of ledger.Ledger.
type LedgerView interface {
	Equity() float64
	InitialCapital() float64
	OpenPositions() []domain.Position
	Trades() []domain.TradeRecord
	TradesForDate(date string) []domain.TradeRecord
	EquityCurve() []domain.EquityPoint
	EquityCurveForDate(date string) []domain.EquityPoint
	DailySummary(date string) domain.DailySummary
	Dates() []string
}

// QuoteSource returns the last close per symbol.
type QuoteSource interface {
	Quotes(ctx context.Context) (map[string]float64, error)
}

// TradeHistory reads persisted trades. domain.TradeStore satisfies it.
type TradeHistory interface {
	ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.TradeRecord, error)
}

// LedgerHandler serves positions, trades, equity and performance.
type LedgerHandler struct {
	ledger  LedgerView
	quotes  QuoteSource
	history TradeHistory
	audit   domain.AuditStore
	loc     *time.Location
	logger  *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler. quotes, history and audit may
// be nil; the history and audit routes then answer 503.
func NewLedgerHandler(
	l LedgerView,
	quotes QuoteSource,
	history TradeHistory,
	audit domain.AuditStore,
	loc *time.Location,
	logger *slog.Logger,
) *LedgerHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &LedgerHandler{
		ledger:  l,
		quotes:  quotes,
		history: history,
		audit:   audit,
		loc:     loc,
		logger:  logHandler(logger, "ledger"),
	}
}

// positionView is an open position marked to the last close.
type positionView struct {
	domain.Position
	LastPrice     float64 `json:"ltp"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// ListPositions returns open positions marked to market.
// GET /api/positions
func (h *LedgerHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var marks map[string]float64
	if h.quotes != nil {
		q, err := h.quotes.Quotes(r.Context())
		if err != nil {
			h.logger.WarnContext(r.Context(), "quotes unavailable for marking",
				slog.String("error", err.Error()),
			)
		}
		marks = q
	}

	open := h.ledger.OpenPositions()
	out := make([]positionView, 0, len(open))
	for _, p := range open {
		mark, ok := marks[p.Symbol]
		if !ok || mark <= 0 {
			mark = p.EntryPrice
		}
		out = append(out, positionView{
			Position:      p,
			LastPrice:     mark,
			UnrealizedPnL: (mark - p.EntryPrice) * float64(p.Quantity) * p.Side.Sign(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// ListTrades returns closed trades, all of them or one date's.
// GET /api/trades?date=YYYY-MM-DD
func (h *LedgerHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "list trades", err)
		return
	}
	var trades []domain.TradeRecord
	if date == "" {
		trades = h.ledger.Trades()
	} else {
		trades = h.ledger.TradesForDate(date)
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "trades": trades})
}

// TradeHistory returns persisted trades for one symbol, newest first.
// GET /api/trades/history?symbol=RELIANCE&limit=50&offset=0&since=...
func (h *LedgerHandler) TradeHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "trade store not configured")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	opts, err := parseListOpts(r, h.loc)
	if err != nil {
		writeDomainError(w, r, h.logger, "list trade history", err)
		return
	}
	trades, err := h.history.ListBySymbol(r.Context(), symbol, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list trade history", err)
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"trades": trades,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// GetEquity returns the equity curve, all of it or one date's.
// GET /api/equity?date=YYYY-MM-DD
func (h *LedgerHandler) GetEquity(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "get equity", err)
		return
	}
	var curve []domain.EquityPoint
	if date == "" {
		curve = h.ledger.EquityCurve()
	} else {
		curve = h.ledger.EquityCurveForDate(date)
	}
	if curve == nil {
		curve = []domain.EquityPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":            date,
		"initial_capital": h.ledger.InitialCapital(),
		"equity":          h.ledger.Equity(),
		"curve":           curve,
	})
}

// GetSummary returns one date's summary; without a date, the latest.
// GET /api/summary?date=YYYY-MM-DD
func (h *LedgerHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	date, err := parseDate(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "get summary", err)
		return
	}
	if date == "" {
		if dates := h.ledger.Dates(); len(dates) > 0 {
			date = dates[0]
		}
	}
	writeJSON(w, http.StatusOK, h.ledger.DailySummary(date))
}

// ListDates returns every trading date with activity, newest first.
// GET /api/dates
func (h *LedgerHandler) ListDates(w http.ResponseWriter, r *http.Request) {
	dates := h.ledger.Dates()
	if dates == nil {
		dates = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dates": dates})
}

// GetPerformance returns run statistics over every closed trade.
// GET /api/performance
func (h *LedgerHandler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ledger.Summarize(h.ledger.Trades(), h.ledger.InitialCapital(), h.loc))
}

// GetFunds returns the simulated available balance.
// GET /api/funds
func (h *LedgerHandler) GetFunds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{
		"available_balance": h.ledger.Equity(),
		"initial_capital":   h.ledger.InitialCapital(),
	})
}

// ListAudit returns audit entries newest first.
// GET /api/audit?limit=50&offset=0
func (h *LedgerHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	opts, err := parseListOpts(r, h.loc)
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit entries", err)
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit entries", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
