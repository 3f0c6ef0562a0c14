// Package feed keeps the market-data stream healthy: it watches arrival
// recency, reconnects the bridge with backoff, backfills the gap and drives
// replays. Everything it recovers re-enters the pipeline through the same
// ingress as live data.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// Reconnector re-establishes the upstream connection.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Backfiller pushes historical bars for [from, to) into the ingress and
// returns how many it pushed.
type Backfiller interface {
	Backfill(ctx context.Context, from, to time.Time) (int, error)
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	StaleAfter             time.Duration
	PollInterval           time.Duration
	Backoff                Backoff
	MinReconnectSpacing    time.Duration
	MaxConsecutiveFailures int
	BackfillWindow         time.Duration
	// RateLimitKey scopes the cluster-wide spacing limiter.
	RateLimitKey string
}

// DefaultMonitorConfig returns production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StaleAfter:             2 * time.Minute,
		PollInterval:           5 * time.Second,
		Backoff:                DefaultBackoff(),
		MinReconnectSpacing:    10 * time.Second,
		MaxConsecutiveFailures: 5,
		BackfillWindow:         15 * time.Minute,
		RateLimitKey:           "feed:reconnect",
	}
}

// Monitor tracks one feed session.
type Monitor struct {
	cfg         MonitorConfig
	clock       Clock
	reconnector Reconnector
	backfiller  Backfiller
	limiter     domain.RateLimiter
	logger      *slog.Logger

	mu           sync.Mutex
	session      domain.FeedSession
	active       bool
	observedAt   time.Time // clock reading at the last observation
	lastAttempt  time.Time // wall time of the last reconnect attempt
	reconnecting bool
	listeners    []func(domain.FeedSession)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMonitor creates a Monitor. reconnector and backfiller may be nil, in
// which case the monitor only reports status.
func NewMonitor(cfg MonitorConfig, clock Clock, reconnector Reconnector, backfiller Backfiller, logger *slog.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.RateLimitKey == "" {
		cfg.RateLimitKey = def.RateLimitKey
	}
	if clock == nil {
		clock = WallClock{}
	}
	return &Monitor{
		cfg:         cfg,
		clock:       clock,
		reconnector: reconnector,
		backfiller:  backfiller,
		logger:      logger.With(slog.String("component", "feed_monitor")),
		session:     domain.FeedSession{State: domain.FeedStateIdle, InvalidSymbols: []string{}},
		stopCh:      make(chan struct{}),
	}
}

// SetRateLimiter enforces MinReconnectSpacing across processes.
func (m *Monitor) SetRateLimiter(l domain.RateLimiter) {
	m.mu.Lock()
	m.limiter = l
	m.mu.Unlock()
}

// OnChange registers fn to receive every state transition.
func (m *Monitor) OnChange(fn func(domain.FeedSession)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Observe records the arrival of data stamped ts. An IngestionClock is
// advanced to ts.
func (m *Monitor) Observe(symbol string, ts time.Time) {
	if adv, ok := m.clock.(interface{ Advance(time.Time) }); ok {
		adv.Advance(ts)
	}
	now := m.clock.Now()

	m.mu.Lock()
	m.active = true
	if ts.After(m.session.LastTickAt) {
		m.session.LastTickAt = ts
	}
	m.session.LastObservedAt = now
	m.observedAt = now
	m.session.ConsecutiveStale = 0
	changed := false
	if m.session.State == domain.FeedStateIdle || m.session.State == domain.FeedStateDisconnected && !m.reconnecting {
		m.session.State = domain.FeedStateConnected
		m.session.Connected = true
		changed = true
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("feed: data flowing", slog.String("symbol", symbol))
		m.notify()
	}
}

// MarkConnected records a successful upstream connection.
func (m *Monitor) MarkConnected() {
	m.mu.Lock()
	m.active = true
	m.observedAt = m.clock.Now()
	m.session.State = domain.FeedStateConnected
	m.session.Connected = true
	m.session.LastError = ""
	m.mu.Unlock()
	m.notify()
}

// MarkDisconnected records an upstream failure. The next poll starts a
// reconnect sequence.
func (m *Monitor) MarkDisconnected(err error) {
	m.mu.Lock()
	if m.session.State == domain.FeedStateFailed {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.session.State = domain.FeedStateDisconnected
	m.session.Connected = false
	if err != nil {
		m.session.LastError = err.Error()
	}
	m.mu.Unlock()
	m.notify()
}

// SetInvalidSymbols replaces the set of symbols the upstream refused.
func (m *Monitor) SetInvalidSymbols(symbols []string) {
	cp := append([]string{}, symbols...)
	sort.Strings(cp)
	m.mu.Lock()
	m.session.InvalidSymbols = cp
	m.mu.Unlock()
}

// Status returns a snapshot of the session.
func (m *Monitor) Status() domain.FeedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	s.InvalidSymbols = append([]string{}, m.session.InvalidSymbols...)
	return s
}

// Reset is the operator action that re-arms a failed session.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.session.ConsecutiveFailures = 0
	m.session.LastError = ""
	m.lastAttempt = time.Time{}
	if m.active {
		m.session.State = domain.FeedStateDisconnected
	} else {
		m.session.State = domain.FeedStateIdle
	}
	m.session.Connected = false
	m.mu.Unlock()
	m.logger.Warn("feed: session reset by operator")
	m.notify()
}

// Stop halts polling and any reconnect sequence in progress.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Run polls until ctx is cancelled or Stop is called.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	m.logger.Info("feed monitor started",
		slog.Duration("stale_after", m.cfg.StaleAfter),
		slog.Duration("poll", m.cfg.PollInterval),
	)
	defer m.logger.Info("feed monitor stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll performs one staleness check and, if needed, one full reconnect
// sequence. Run calls it on every tick.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.Lock()
	if !m.active || m.reconnecting || m.stopped() {
		m.mu.Unlock()
		return
	}
	switch m.session.State {
	case domain.FeedStateConnected:
		elapsed := m.clock.Now().Sub(m.observedAt)
		if elapsed <= m.cfg.StaleAfter {
			m.mu.Unlock()
			return
		}
		m.session.State = domain.FeedStateDisconnected
		m.session.Connected = false
		m.session.ConsecutiveStale++
		m.session.LastError = fmt.Sprintf("no data for %s", elapsed.Truncate(time.Second))
		m.logger.WarnContext(ctx, "feed: stale", slog.Duration("elapsed", elapsed))
	case domain.FeedStateDisconnected:
	default:
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()
	m.notify()

	m.reconnect(ctx)

	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *Monitor) reconnect(ctx context.Context) {
	if m.reconnector == nil {
		return
	}
	for attempt := 1; ; attempt++ {
		if err := m.waitSpacing(ctx); err != nil {
			return
		}

		m.setState(domain.FeedStateReconnecting, "")
		err := m.reconnector.Reconnect(ctx)

		m.mu.Lock()
		m.lastAttempt = time.Now()
		if err == nil {
			m.session.State = domain.FeedStateConnected
			m.session.Connected = true
			m.session.ConsecutiveFailures = 0
			m.session.Reconnects++
			m.session.LastError = ""
			m.observedAt = m.clock.Now()
			m.mu.Unlock()
			m.logger.InfoContext(ctx, "feed: reconnected", slog.Int("attempt", attempt))
			m.notify()
			m.backfill(ctx)
			return
		}

		m.session.ConsecutiveFailures++
		m.session.LastError = err.Error()
		failures := m.session.ConsecutiveFailures
		if failures >= m.cfg.MaxConsecutiveFailures {
			m.session.State = domain.FeedStateFailed
			m.session.Connected = false
			m.mu.Unlock()
			m.logger.ErrorContext(ctx, "feed: giving up, operator reset required",
				slog.Int("failures", failures),
				slog.String("error", err.Error()),
			)
			m.notify()
			return
		}
		m.session.State = domain.FeedStateDisconnected
		m.mu.Unlock()
		m.notify()

		delay := m.cfg.Backoff.Next(attempt)
		m.logger.WarnContext(ctx, "feed: reconnect failed",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		if err := m.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// waitSpacing blocks until MinReconnectSpacing has elapsed since the last
// attempt, locally and, with a limiter, across the cluster.
func (m *Monitor) waitSpacing(ctx context.Context) error {
	spacing := m.cfg.MinReconnectSpacing
	if spacing <= 0 {
		return nil
	}
	m.mu.Lock()
	last := m.lastAttempt
	limiter := m.limiter
	m.mu.Unlock()

	if !last.IsZero() {
		if wait := spacing - time.Since(last); wait > 0 {
			if err := m.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	if limiter == nil {
		return nil
	}
	for {
		ok, err := limiter.Allow(ctx, m.cfg.RateLimitKey, 1, spacing)
		if err != nil {
			// Fail open.
			m.logger.WarnContext(ctx, "feed: rate limiter unavailable", slog.String("error", err.Error()))
			return nil
		}
		if ok {
			return nil
		}
		if err := m.sleep(ctx, spacing/4+time.Millisecond); err != nil {
			return err
		}
	}
}

func (m *Monitor) backfill(ctx context.Context) {
	if m.backfiller == nil || m.cfg.BackfillWindow <= 0 {
		return
	}
	// The minute in progress belongs to the live feed; backfill stops short
	// of it.
	to := domain.Minute(m.clock.Now())
	from := to.Add(-m.cfg.BackfillWindow)
	n, err := m.backfiller.Backfill(ctx, from, to)
	m.mu.Lock()
	m.session.BackfilledBars += n
	if err != nil && !errors.Is(err, context.Canceled) {
		m.session.LastError = "backfill: " + err.Error()
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.WarnContext(ctx, "feed: backfill failed", slog.String("error", err.Error()))
		return
	}
	m.logger.InfoContext(ctx, "feed: backfilled",
		slog.Int("bars", n),
		slog.Time("from", from),
		slog.Time("to", to),
	)
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopCh:
		return errors.New("feed: monitor stopped")
	case <-t.C:
		return nil
	}
}

func (m *Monitor) setState(s domain.FeedState, lastErr string) {
	m.mu.Lock()
	m.session.State = s
	m.session.Connected = s == domain.FeedStateConnected
	if lastErr != "" {
		m.session.LastError = lastErr
	}
	m.mu.Unlock()
	m.notify()
}

func (m *Monitor) notify() {
	m.mu.Lock()
	listeners := append([]func(domain.FeedSession){}, m.listeners...)
	m.mu.Unlock()
	if len(listeners) == 0 {
		return
	}
	st := m.Status()
	for _, fn := range listeners {
		fn(st)
	}
}
