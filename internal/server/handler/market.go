package handler

import (
	"log/slog"
	"net/http"
)

// MarketHandler serves market data endpoints.
type MarketHandler struct {
	quotes QuoteSource
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(quotes QuoteSource, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{quotes: quotes, logger: logHandler(logger, "market")}
}

// GetQuotes returns the last close seen per symbol.
// GET /api/market/quotes
func (h *MarketHandler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := h.quotes.Quotes(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get quotes failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get quotes")
		return
	}
	if quotes == nil {
		quotes = map[string]float64{}
	}
	writeJSON(w, http.StatusOK, quotes)
}
