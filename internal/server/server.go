package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/server/handler"
	"github.com/alanyoungcy/breakoutsim/internal/server/middleware"
	"github.com/alanyoungcy/breakoutsim/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// IngestRateLimit caps ingest requests per client per second; 0 or a
	// nil RateLimiter disables it.
	IngestRateLimit int
	RateLimiter     domain.RateLimiter
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Replay and Archive are optional.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Feed     *handler.FeedHandler
	Ingest   *handler.IngestHandler
	Trading  *handler.TradingHandler
	Strategy *handler.StrategyHandler
	Ledger   *handler.LedgerHandler
	Market   *handler.MarketHandler
	Replay   *handler.ReplayHandler
	Archive  *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket observer API of the simulator.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Feed supervision.
	mux.HandleFunc("GET /api/feed/status", handlers.Feed.GetStatus)
	mux.HandleFunc("POST /api/feed/reset", handlers.Feed.Reset)

	// Market data ingress.
	limit := middleware.RateLimit(cfg.RateLimiter, "ingest", cfg.IngestRateLimit, time.Second, logger)
	mux.Handle("POST /api/ingest/tick", limit(http.HandlerFunc(handlers.Ingest.Tick)))
	mux.Handle("POST /api/ingest/bar", limit(http.HandlerFunc(handlers.Ingest.Bar)))
	mux.HandleFunc("POST /api/ingest/flush", handlers.Ingest.Flush)

	// Risk controls.
	mux.HandleFunc("GET /api/trading/limits", handlers.Trading.GetLimits)
	mux.HandleFunc("POST /api/trading/killswitch", handlers.Trading.SetKillSwitch)

	// Strategy state.
	mux.HandleFunc("GET /api/strategy/symbols", handlers.Strategy.ListSymbols)
	mux.HandleFunc("GET /api/strategy/intents", handlers.Strategy.ListIntents)
	mux.HandleFunc("POST /api/strategy/symbols/{symbol}/unfreeze", handlers.Strategy.Unfreeze)

	// Ledger.
	mux.HandleFunc("GET /api/positions", handlers.Ledger.ListPositions)
	mux.HandleFunc("GET /api/trades", handlers.Ledger.ListTrades)
	mux.HandleFunc("GET /api/trades/history", handlers.Ledger.TradeHistory)
	mux.HandleFunc("GET /api/equity", handlers.Ledger.GetEquity)
	mux.HandleFunc("GET /api/summary", handlers.Ledger.GetSummary)
	mux.HandleFunc("GET /api/dates", handlers.Ledger.ListDates)
	mux.HandleFunc("GET /api/performance", handlers.Ledger.GetPerformance)
	mux.HandleFunc("GET /api/funds", handlers.Ledger.GetFunds)
	mux.HandleFunc("GET /api/audit", handlers.Ledger.ListAudit)

	mux.HandleFunc("GET /api/market/quotes", handlers.Market.GetQuotes)

	if handlers.Replay != nil {
		mux.HandleFunc("POST /api/replay/start", handlers.Replay.Start)
		mux.HandleFunc("POST /api/replay/stop", handlers.Replay.Stop)
		mux.HandleFunc("POST /api/replay/speed", handlers.Replay.SetSpeed)
		mux.HandleFunc("GET /api/replay/status", handlers.Replay.GetStatus)
	}

	if handlers.Archive != nil {
		mux.HandleFunc("POST /api/archive", handlers.Archive.Run)
		mux.HandleFunc("GET /api/archive", handlers.Archive.List)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Logging(logger)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
