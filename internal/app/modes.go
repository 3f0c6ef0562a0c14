package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/aggregator"
	"github.com/alanyoungcy/breakoutsim/internal/broadcast"
	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"github.com/alanyoungcy/breakoutsim/internal/executor"
	"github.com/alanyoungcy/breakoutsim/internal/feed"
	"github.com/alanyoungcy/breakoutsim/internal/ledger"
	"github.com/alanyoungcy/breakoutsim/internal/pipeline"
	"github.com/alanyoungcy/breakoutsim/internal/risk"
	"github.com/alanyoungcy/breakoutsim/internal/server"
	"github.com/alanyoungcy/breakoutsim/internal/server/handler"
	"github.com/alanyoungcy/breakoutsim/internal/server/ws"
	"github.com/alanyoungcy/breakoutsim/internal/session"
	"github.com/alanyoungcy/breakoutsim/internal/strategy"
)

// liveLockKey guards the single live session per deployment.
const liveLockKey = "session:live"

// ServerMode runs the simulator behind the HTTP API. Data arrives through
// the ingest endpoints, the Redis bus when enabled, or API-started replays.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	sim, err := a.buildSimulator(deps, false)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	orch := a.newOrchestrator(sim, deps)
	a.addBusFeeder(orch, sim, deps)
	a.addHTTPServer(orch, sim, deps)
	return orch.Run(ctx)
}

// LiveMode connects the bridge client and the bus feeder under the feed
// monitor. A Redis lock keeps a second live process from feeding the same
// deployment.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	if deps.LockManager == nil {
		return errors.New("live mode: redis lock manager not configured")
	}
	unlock, err := deps.LockManager.Acquire(ctx, liveLockKey, a.cfg.Redis.LockTTL.Duration)
	if err != nil {
		return fmt.Errorf("live mode: acquire session lock: %w", err)
	}
	defer unlock()

	sim, err := a.buildSimulator(deps, true)
	if err != nil {
		return fmt.Errorf("live mode: %w", err)
	}
	orch := a.newOrchestrator(sim, deps)
	if sim.bridge != nil {
		orch.Add("bridge", sim.bridge)
	}
	a.addBusFeeder(orch, sim, deps)
	a.addHTTPServer(orch, sim, deps)
	return orch.Run(ctx)
}

// ReplayMode replays the configured range of stored bars at the configured
// speed. The API stays up afterwards for inspection and further replays.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replay mode")

	sim, err := a.buildSimulator(deps, false)
	if err != nil {
		return fmt.Errorf("replay mode: %w", err)
	}
	if sim.replayer == nil {
		return fmt.Errorf("replay mode: no bar source for %q", a.cfg.Replay.Source)
	}

	req, err := replayRequest(a.cfg.Replay.Symbol, a.cfg.Replay.From, a.cfg.Replay.To, a.cfg.Replay.Speed, sim.loc)
	if err != nil {
		return fmt.Errorf("replay mode: %w", err)
	}

	orch := a.newOrchestrator(sim, deps)
	orch.Add("replay_autostart", runnerFunc(func(ctx context.Context) error {
		status, err := sim.replayer.Start(ctx, req)
		if err != nil {
			return fmt.Errorf("start replay: %w", err)
		}
		a.logger.InfoContext(ctx, "configured replay started",
			slog.Int("bars", status.Total),
			slog.Float64("speed", status.Speed),
		)
		<-ctx.Done()
		return nil
	}))
	a.addHTTPServer(orch, sim, deps)
	return orch.Run(ctx)
}

func replayRequest(symbol, from, to string, speed float64, loc *time.Location) (feed.ReplayRequest, error) {
	fromTS, err := session.ParseBound(from, loc, false)
	if err != nil {
		return feed.ReplayRequest{}, fmt.Errorf("replay from: %w", err)
	}
	toTS, err := session.ParseBound(to, loc, true)
	if err != nil {
		return feed.ReplayRequest{}, fmt.Errorf("replay to: %w", err)
	}
	return feed.ReplayRequest{Symbol: symbol, From: fromTS, To: toTS, Speed: speed}, nil
}

// runnerFunc adapts a function to pipeline.Runner.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// simulator is the in-process core every mode shares.
type simulator struct {
	loc       *time.Location
	hub       *broadcast.Hub
	ledger    *ledger.Ledger
	governor  *risk.Governor
	engine    *strategy.Engine
	pipeline  *pipeline.Pipeline
	persister *pipeline.Persister
	archiver  *pipeline.Archiver
	monitor   *feed.Monitor
	clock     *feed.IngestionClock // nil in live mode
	bridge    *feed.BridgeClient   // live mode with a bridge URL only
	replayer  *feed.Replayer       // nil without a bar source or in live mode
	quotes    *quoteSource
	startedAt time.Time
	logger    *slog.Logger
}

func (a *App) buildSimulator(deps *Dependencies, live bool) (*simulator, error) {
	cfg := a.cfg
	logger := a.logger

	loc, err := session.LoadLocation(cfg.Session.Timezone)
	if err != nil {
		return nil, err
	}
	params, err := strategyParams(cfg.Session.Open, cfg.Session.ORMinutes, cfg.Session.First30Start,
		cfg.Session.First30End, cfg.Session.SquareOff, loc)
	if err != nil {
		return nil, err
	}
	params.StopRule = strategy.StopRule(cfg.Strategy.StopRule)
	params.StopFraction = cfg.Strategy.StopFraction
	params.RewardMultiple = cfg.Strategy.RewardMultiple
	params.TradesPerDay = cfg.Strategy.TradesPerDay
	params.FillPriority = strategy.FillPriority(cfg.Strategy.FillPriority)

	window, err := session.ParseWindow(cfg.Session.TradingStart, cfg.Session.TradingEnd)
	if err != nil {
		return nil, err
	}

	sim := &simulator{loc: loc, startedAt: time.Now().UTC(), logger: logger}

	sim.hub = broadcast.NewHub(broadcast.Config{
		Buffer: cfg.Broadcast.Buffer,
		Policy: broadcast.Policy(cfg.Broadcast.Policy),
	}, logger)
	if cfg.Broadcast.Relay && deps.SignalBus != nil {
		sim.hub.SetRelay(deps.SignalBus)
	}

	sim.ledger = ledger.New(cfg.Risk.InitialCapital, loc, sim.hub, logger)
	sim.governor = risk.NewGovernor(risk.Config{
		RiskFraction:       cfg.Risk.RiskFraction,
		MaxPositionPct:     cfg.Risk.MaxPositionPct,
		MaxTradesPerDay:    cfg.Risk.MaxTradesPerDay,
		MaxTradesPerSymbol: cfg.Risk.MaxTradesPerSymbol,
		MaxDailyLoss:       cfg.Risk.MaxDailyLoss,
		MaxOpenPositions:   cfg.Risk.MaxOpenPositions,
		TradingWindow:      window,
		Location:           loc,
	}, logger)
	sim.engine = strategy.NewEngine(params, executor.NewPaper(sim.governor, sim.ledger, logger), logger)
	sim.pipeline = pipeline.New(pipeline.Config{Symbols: cfg.Session.Symbols},
		aggregator.New(logger), sim.engine, sim.ledger, sim.hub, logger)

	// Persistence.
	if deps.BarStore != nil || deps.TradeStore != nil || deps.EquityStore != nil || deps.AuditStore != nil {
		sim.persister = pipeline.NewPersister(deps.BarStore, deps.TradeStore, deps.EquityStore, deps.AuditStore,
			pipeline.PersisterConfig{
				QueueSize:     cfg.Pipeline.QueueSize,
				BatchSize:     cfg.Pipeline.BatchSize,
				FlushInterval: cfg.Pipeline.FlushInterval.Duration,
			}, logger)
		sim.pipeline.SetRecorder(sim.persister)
	}
	if deps.Archiver != nil {
		sim.archiver = pipeline.NewArchiver(deps.Archiver, cfg.Pipeline.ArchiveRetentionDays, logger)
	}
	if deps.QuoteCache != nil {
		sim.pipeline.SetQuoteCache(deps.QuoteCache)
	}
	if deps.Notifier != nil {
		sim.pipeline.SetNotifier(deps.Notifier)
	}
	sim.quotes = &quoteSource{cache: deps.QuoteCache, engine: sim.engine, logger: logger}

	// Feed supervision. Live data is timed on the wall clock; everything
	// else on the timestamps it carries.
	var (
		clock       feed.Clock = feed.WallClock{}
		reconnector feed.Reconnector
		backfiller  feed.Backfiller
	)
	if live {
		if cfg.Feed.BridgeURL != "" {
			sim.bridge = feed.NewBridgeClient(feed.BridgeConfig{
				URL:      cfg.Feed.BridgeURL,
				Symbols:  cfg.Session.Symbols,
				Location: loc,
			}, sim.pipeline, logger)
			reconnector = sim.bridge
			backfillers := feed.Backfillers{sim.bridge}
			if deps.BarStore != nil {
				backfillers = append(backfillers, feed.NewStoreBackfiller(deps.BarStore, sim.pipeline, logger))
			}
			backfiller = backfillers
		}
	} else {
		sim.clock = feed.NewIngestionClock(1, time.Now)
		clock = sim.clock
	}

	sim.monitor = feed.NewMonitor(feed.MonitorConfig{
		StaleAfter:   cfg.Feed.StaleAfter.Duration,
		PollInterval: cfg.Feed.PollInterval.Duration,
		Backoff: feed.Backoff{
			Min:    cfg.Feed.BackoffMin.Duration,
			Max:    cfg.Feed.BackoffMax.Duration,
			Factor: cfg.Feed.BackoffFactor,
			Jitter: cfg.Feed.BackoffJitter,
		},
		MinReconnectSpacing:    cfg.Feed.MinReconnectSpacing.Duration,
		MaxConsecutiveFailures: cfg.Feed.MaxConsecutiveFailures,
		BackfillWindow:         cfg.Feed.BackfillWindow.Duration,
	}, clock, reconnector, backfiller, logger)
	if deps.RateLimiter != nil {
		sim.monitor.SetRateLimiter(deps.RateLimiter)
	}
	sim.monitor.OnChange(func(s domain.FeedSession) { sim.feedChanged(deps, s) })
	sim.pipeline.SetObserver(sim.monitor)
	if sim.bridge != nil {
		sim.bridge.SetStatusSink(sim.monitor)
	}

	// Replays.
	if !live {
		if src := replaySource(cfg.Replay.Source, deps); src != nil {
			sim.replayer = feed.NewReplayer(src, sim.pipeline, sim.hub, sim.clock, logger)
		}
	}

	return sim, nil
}

// strategyParams derives the machine's clocks from the session settings.
// The reference bar is the last minute of the opening range.
func strategyParams(open string, orMinutes int, first30Start, first30End, squareOff string, loc *time.Location) (strategy.Params, error) {
	params := strategy.DefaultParams()
	params.Location = loc

	openClock, err := session.ParseClock(open)
	if err != nil {
		return params, err
	}
	params.ReferenceBar = openClock.Add(orMinutes)

	params.First30, err = session.ParseWindow(first30Start, first30End)
	if err != nil {
		return params, err
	}
	if squareOff != "" {
		params.SquareOff, err = session.ParseClock(squareOff)
		if err != nil {
			return params, err
		}
		params.SquareOffSet = true
	}
	return params, nil
}

// replaySource picks the configured bar source, falling back to whichever
// one is wired.
func replaySource(name string, deps *Dependencies) feed.BarRanger {
	store := func() feed.BarRanger {
		if deps.BarStore != nil {
			return deps.BarStore
		}
		return nil
	}
	archive := func() feed.BarRanger {
		if deps.ArchiveReader != nil {
			return deps.ArchiveReader
		}
		return nil
	}
	if name == "archive" {
		if src := archive(); src != nil {
			return src
		}
		return store()
	}
	if src := store(); src != nil {
		return src
	}
	return archive()
}

// today is the trading date the counters refer to: the date of the last
// sealed bar, or the current date before any data.
func (s *simulator) today() string {
	ts := s.pipeline.Stats().LastBarAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return session.DateOf(ts, s.loc)
}

// reset clears the session state before a fresh replay. The kill switch
// survives it.
func (s *simulator) reset(ctx context.Context) {
	s.pipeline.Reset()
	s.engine.Reset()
	s.ledger.Reset()
	if s.clock != nil {
		s.clock.Reset()
	}
	s.logger.InfoContext(ctx, "session state reset")
}

func (s *simulator) audit(event string, detail map[string]any) {
	if s.persister != nil {
		s.persister.Audit(event, detail)
	}
}

func (s *simulator) feedChanged(deps *Dependencies, fs domain.FeedSession) {
	s.hub.Publish(domain.Event{Type: domain.EventFeed, Time: time.Now().UTC(), Payload: fs})
	if fs.State != domain.FeedStateFailed {
		return
	}
	s.audit("feed_failed", map[string]any{
		"failures":   fs.ConsecutiveFailures,
		"last_error": fs.LastError,
	})
	if deps.Notifier != nil {
		_ = deps.Notifier.Notify(context.Background(), pipeline.NotifyFeedFailed, "Feed failed",
			fmt.Sprintf("%d consecutive reconnect failures: %s. Operator reset required.",
				fs.ConsecutiveFailures, fs.LastError))
	}
}

func (a *App) newOrchestrator(sim *simulator, deps *Dependencies) *pipeline.Orchestrator {
	orch := pipeline.NewOrchestrator(sim.persister, sim.archiver, a.cfg.Pipeline.ArchiveCron, a.logger)
	orch.SetFlusher(sim.pipeline)
	orch.Add("broadcast", sim.hub)
	orch.Add("feed_monitor", sim.monitor)
	if deps.Notifier != nil {
		orch.Add("notifier", deps.Notifier)
	}
	if sim.replayer != nil {
		orch.Add("replayer", sim.replayer)
	}
	return orch
}

func (a *App) addBusFeeder(orch *pipeline.Orchestrator, sim *simulator, deps *Dependencies) {
	if !a.cfg.Feed.BusEnabled || deps.SignalBus == nil {
		return
	}
	feeder := feed.NewBusFeeder(deps.SignalBus, sim.pipeline, a.cfg.Feed.BusChannels, sim.loc, a.logger)
	feeder.SetStatusSink(sim.monitor)
	orch.Add("bus_feeder", feeder)
}

// addHTTPServer builds the handlers over the simulator and registers the
// HTTP server and the websocket hub with the orchestrator.
func (a *App) addHTTPServer(orch *pipeline.Orchestrator, sim *simulator, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		return
	}
	logger := a.logger

	statusDeps := handler.StatusDeps{
		Mode:      a.cfg.Mode,
		Pipeline:  sim.pipeline,
		Feed:      sim.monitor,
		Safety:    sim.governor,
		Equity:    sim.ledger,
		Hub:       sim.hub,
		Today:     sim.today,
		StartedAt: sim.startedAt,
	}
	if sim.replayer != nil {
		statusDeps.Replay = sim.replayer
	}
	status := handler.NewStatusHandler(statusDeps)

	onKill := func(ctx context.Context, ks risk.KillSwitch) {
		sim.audit("kill_switch", map[string]any{"active": ks.Active, "reason": ks.Reason})
		sim.hub.Publish(domain.Event{Type: domain.EventStatus, Time: time.Now().UTC(), Payload: status.Snapshot()})
		if ks.Active && deps.Notifier != nil {
			_ = deps.Notifier.Notify(ctx, pipeline.NotifyKillSwitch, "Kill switch activated", ks.Reason)
		}
	}
	onUnfreeze := func(ctx context.Context, symbol string, closed *domain.TradeRecord) {
		detail := map[string]any{"symbol": symbol}
		if closed != nil {
			detail["trade_id"] = closed.ID
			detail["pnl"] = closed.RealizedPnL
			if sim.persister != nil {
				sim.persister.RecordTrade(*closed)
				sim.persister.RecordEquity(domain.EquityPoint{
					Time:    closed.ExitTime,
					Equity:  sim.ledger.Equity(),
					TradeID: closed.ID,
				})
			}
		}
		sim.audit("unfreeze", detail)
	}

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, logger),
		Status:   status,
		Feed:     handler.NewFeedHandler(sim.monitor, logger),
		Ingest:   handler.NewIngestHandler(sim.pipeline, sim.loc, logger),
		Trading:  handler.NewTradingHandler(sim.governor, sim.ledger, sim.today, onKill, logger),
		Strategy: handler.NewStrategyHandler(sim.engine, onUnfreeze, logger),
		Ledger:   handler.NewLedgerHandler(sim.ledger, sim.quotes, deps.TradeStore, deps.AuditStore, sim.loc, logger),
		Market:   handler.NewMarketHandler(sim.quotes, logger),
	}
	if sim.replayer != nil {
		handlers.Replay = handler.NewReplayHandler(sim.replayer, sim.reset, sim.loc, logger)
	}
	if sim.archiver != nil && deps.ArchiveReader != nil {
		handlers.Archive = handler.NewArchiveHandler(sim.archiver, deps.ArchiveReader, sim.loc, logger)
	}

	wsHub := ws.NewHub(sim.hub, func() any { return status.Snapshot() }, logger)
	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		IngestRateLimit: a.cfg.Server.IngestRateLimit,
		RateLimiter:     deps.RateLimiter,
	}, handlers, wsHub, logger)

	orch.Add("ws", wsHub)
	orch.Add("http", srv)
}
