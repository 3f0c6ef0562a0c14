package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeReconnector struct {
	mu    sync.Mutex
	calls int
	fail  bool
	block chan struct{}
}

func (r *fakeReconnector) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	r.calls++
	fail, block := r.fail, r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("dial refused")
	}
	return nil
}

func (r *fakeReconnector) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeBackfiller struct {
	mu       sync.Mutex
	from, to time.Time
	calls    int
	bars     int
}

func (b *fakeBackfiller) Backfill(_ context.Context, from, to time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.from, b.to = from, to
	return b.bars, nil
}

func fastMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StaleAfter:             2 * time.Minute,
		PollInterval:           time.Millisecond,
		Backoff:                Backoff{Min: time.Millisecond, Max: time.Millisecond},
		MaxConsecutiveFailures: 3,
		BackfillWindow:         15 * time.Minute,
	}
}

func TestMonitorStaleTriggersOneReconnectAndBackfill(t *testing.T) {
	t.Parallel()
	clock := &manualClock{now: t0}
	rc := &fakeReconnector{}
	bf := &fakeBackfiller{bars: 7}
	m := NewMonitor(fastMonitorConfig(), clock, rc, bf, discardLogger())

	var states []domain.FeedState
	var mu sync.Mutex
	m.OnChange(func(s domain.FeedSession) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	m.Observe("RELIANCE", t0)
	assert.Equal(t, domain.FeedStateConnected, m.Status().State)

	clock.Add(time.Minute)
	m.Poll(context.Background())
	assert.Equal(t, 0, rc.Calls(), "fresh feed must not reconnect")

	clock.Add(2 * time.Minute)
	m.Poll(context.Background())

	st := m.Status()
	assert.Equal(t, 1, rc.Calls())
	assert.Equal(t, domain.FeedStateConnected, st.State)
	assert.Equal(t, 1, st.Reconnects)
	assert.Equal(t, 1, st.ConsecutiveStale)
	assert.Equal(t, 7, st.BackfilledBars)
	assert.Equal(t, 1, bf.calls)
	assert.Equal(t, clock.Now(), bf.to)
	assert.Equal(t, clock.Now().Add(-15*time.Minute), bf.from)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, domain.FeedStateDisconnected)
	assert.Contains(t, states, domain.FeedStateReconnecting)
}

func TestMonitorBackfillStopsBeforeLiveMinute(t *testing.T) {
	t.Parallel()
	clock := &manualClock{now: t0}
	bf := &fakeBackfiller{}
	m := NewMonitor(fastMonitorConfig(), clock, &fakeReconnector{}, bf, discardLogger())

	m.Observe("TCS", t0)
	clock.Add(3*time.Minute + 25*time.Second)
	m.Poll(context.Background())

	bf.mu.Lock()
	defer bf.mu.Unlock()
	require.Equal(t, 1, bf.calls)
	assert.Equal(t, t0.Add(3*time.Minute), bf.to)
	assert.Equal(t, t0.Add(3*time.Minute-15*time.Minute), bf.from)
}

func TestMonitorFailureCapRequiresReset(t *testing.T) {
	t.Parallel()
	clock := &manualClock{now: t0}
	rc := &fakeReconnector{fail: true}
	m := NewMonitor(fastMonitorConfig(), clock, rc, nil, discardLogger())

	m.MarkDisconnected(errors.New("socket closed"))
	m.Poll(context.Background())

	st := m.Status()
	assert.Equal(t, domain.FeedStateFailed, st.State)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, 3, rc.Calls())

	// A failed session stays down until the operator resets it.
	m.Poll(context.Background())
	m.MarkDisconnected(errors.New("again"))
	assert.Equal(t, 3, rc.Calls())
	assert.Equal(t, domain.FeedStateFailed, m.Status().State)

	m.Reset()
	st = m.Status()
	assert.Equal(t, domain.FeedStateDisconnected, st.State)
	assert.Zero(t, st.ConsecutiveFailures)

	rc.mu.Lock()
	rc.fail = false
	rc.mu.Unlock()
	m.Poll(context.Background())
	assert.Equal(t, 4, rc.Calls())
	assert.Equal(t, domain.FeedStateConnected, m.Status().State)
}

func TestMonitorRunsOneReconnectSequenceAtATime(t *testing.T) {
	t.Parallel()
	rc := &fakeReconnector{block: make(chan struct{})}
	m := NewMonitor(fastMonitorConfig(), &manualClock{now: t0}, rc, nil, discardLogger())
	m.MarkDisconnected(nil)

	done := make(chan struct{})
	go func() {
		m.Poll(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return rc.Calls() == 1 }, time.Second, time.Millisecond)

	m.Poll(context.Background())
	m.Poll(context.Background())
	assert.Equal(t, 1, rc.Calls())
	assert.Equal(t, domain.FeedStateReconnecting, m.Status().State)

	close(rc.block)
	<-done
	assert.Equal(t, domain.FeedStateConnected, m.Status().State)
}

type countingLimiter struct {
	mu    sync.Mutex
	calls int
	deny  int
	err   error
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	return l.calls > l.deny, nil
}

func (l *countingLimiter) Wait(context.Context, string) error { return nil }

func TestMonitorSpacingConsultsRateLimiter(t *testing.T) {
	t.Parallel()
	cfg := fastMonitorConfig()
	cfg.MinReconnectSpacing = 4 * time.Millisecond
	rc := &fakeReconnector{}
	lim := &countingLimiter{deny: 2}
	m := NewMonitor(cfg, &manualClock{now: t0}, rc, nil, discardLogger())
	m.SetRateLimiter(lim)

	m.MarkDisconnected(nil)
	m.Poll(context.Background())

	assert.Equal(t, 3, lim.calls)
	assert.Equal(t, 1, rc.Calls())
}

func TestMonitorLimiterErrorFailsOpen(t *testing.T) {
	t.Parallel()
	cfg := fastMonitorConfig()
	cfg.MinReconnectSpacing = time.Millisecond
	rc := &fakeReconnector{}
	m := NewMonitor(cfg, &manualClock{now: t0}, rc, nil, discardLogger())
	m.SetRateLimiter(&countingLimiter{err: errors.New("redis down")})

	m.MarkDisconnected(nil)
	m.Poll(context.Background())
	assert.Equal(t, 1, rc.Calls())
}

func TestIngestionClockScalesWithSpeed(t *testing.T) {
	t.Parallel()
	wall := &manualClock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewIngestionClock(60, wall.Now)

	c.Advance(t0)
	assert.Equal(t, t0, c.Now())

	wall.Add(time.Second)
	assert.Equal(t, t0.Add(time.Minute), c.Now())

	// Earlier data never moves the clock backwards.
	c.Advance(t0)
	assert.Equal(t, t0.Add(time.Minute), c.Now())

	c.SetSpeed(1)
	wall.Add(time.Second)
	assert.Equal(t, t0.Add(time.Minute+time.Second), c.Now())

	c.Reset()
	assert.Equal(t, wall.Now(), c.Now())
}

func TestStalledReplayGoesStaleOnDataTime(t *testing.T) {
	t.Parallel()
	wall := &manualClock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	clock := NewIngestionClock(60, wall.Now)
	rc := &fakeReconnector{}
	m := NewMonitor(fastMonitorConfig(), clock, rc, nil, discardLogger())

	m.Observe("TCS", t0)
	wall.Add(time.Second) // one data minute
	m.Poll(context.Background())
	assert.Zero(t, rc.Calls())

	wall.Add(3 * time.Second) // four data minutes
	m.Poll(context.Background())
	assert.Equal(t, 1, rc.Calls())
}

func TestBackoffGrowsToMax(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: time.Second, Max: 8 * time.Second, Factor: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.Next(i+1), "attempt %d", i+1)
	}

	fixed := Backoff{Min: 3 * time.Second, Max: time.Minute, Factor: 1}
	assert.Equal(t, 3*time.Second, fixed.Next(5))
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: time.Second, Max: time.Second, Factor: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := b.Next(3)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

type recordingIngress struct {
	mu      sync.Mutex
	ticks   []domain.Tick
	bars    []domain.Bar
	flushes int
	reject  func(domain.Bar) error
}

func (r *recordingIngress) IngestTick(_ context.Context, t domain.Tick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, t)
	return nil
}

func (r *recordingIngress) IngestBar(_ context.Context, b domain.Bar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject != nil {
		if err := r.reject(b); err != nil {
			return err
		}
	}
	r.bars = append(r.bars, b)
	return nil
}

func (r *recordingIngress) Flush(context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return 0
}

func (r *recordingIngress) snapshot() ([]domain.Tick, []domain.Bar, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Tick{}, r.ticks...), append([]domain.Bar{}, r.bars...), r.flushes
}

type staticBars []domain.Bar

func (s staticBars) ListRange(_ context.Context, symbol string, _, _ time.Time) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range s {
		if symbol == "" || b.Symbol == symbol {
			out = append(out, b)
		}
	}
	return out, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (e *eventRecorder) Publish(ev domain.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventRecorder) Events() []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Event{}, e.events...)
}

func minuteBars(sym string, n int) staticBars {
	out := make(staticBars, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = domain.Bar{
			Symbol: sym, Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 10,
		}
	}
	return out
}

func TestReplayerPushesEveryBarThenFlushes(t *testing.T) {
	t.Parallel()
	in := &recordingIngress{}
	pub := &eventRecorder{}
	clock := NewIngestionClock(1, nil)
	r := NewReplayer(minuteBars("INFY", 3), in, pub, clock, discardLogger())

	st, err := r.Start(context.Background(), ReplayRequest{Speed: 1e6})
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, ModeReplay, st.Mode)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1e6, clock.Speed())

	r.Wait()
	_, bars, flushes := in.snapshot()
	require.Len(t, bars, 3)
	for _, b := range bars {
		assert.Equal(t, domain.BarSourceReplay, b.Source)
	}
	assert.Equal(t, 1, flushes)

	st = r.Status()
	assert.False(t, st.Running)
	assert.Equal(t, ModeIdle, st.Mode)
	assert.Equal(t, 3, st.Index)

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDone, events[0].Type)
}

func TestReplayerRejectsConcurrentStartAndStopsCleanly(t *testing.T) {
	t.Parallel()
	in := &recordingIngress{}
	r := NewReplayer(minuteBars("INFY", 5), in, nil, nil, discardLogger())
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := r.Start(context.Background(), ReplayRequest{Speed: 60})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Status().Index == 1 }, time.Second, time.Millisecond)

	_, err = r.Start(context.Background(), ReplayRequest{Speed: 60})
	assert.ErrorIs(t, err, domain.ErrSessionRunning)

	st := r.Stop()
	assert.False(t, st.Running)
	assert.Equal(t, 1, st.Index)
	_, bars, flushes := in.snapshot()
	assert.Len(t, bars, 1)
	assert.Equal(t, 1, flushes, "stop must flush in-progress bars")

	// A stopped replayer can start again.
	r.sleep = sleepCtx
	_, err = r.Start(context.Background(), ReplayRequest{Speed: 1e6})
	require.NoError(t, err)
	r.Wait()
	assert.Equal(t, 5, r.Status().Index)
}

func TestReplaySpeedClamp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultReplaySpeed, clampSpeed(0))
	assert.Equal(t, MinReplaySpeed, clampSpeed(0.01))
	assert.Equal(t, 120.0, clampSpeed(120))
	assert.Equal(t, time.Second, barDelay(60))
}

func TestStoreBackfillerCountsOnlyAcceptedBars(t *testing.T) {
	t.Parallel()
	bars := minuteBars("SBIN", 4)
	in := &recordingIngress{reject: func(b domain.Bar) error {
		if b.Timestamp.Equal(t0) {
			return fmt.Errorf("aggregator: %w", domain.ErrStaleBar)
		}
		return nil
	}}
	bf := NewStoreBackfiller(bars, in, discardLogger())

	n, err := bf.Backfill(context.Background(), t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, got, _ := in.snapshot()
	for _, b := range got {
		assert.Equal(t, domain.BarSourceBackfill, b.Source)
	}
}

func TestBackfillersSumAndJoinErrors(t *testing.T) {
	t.Parallel()
	ok := &fakeBackfiller{bars: 2}
	failing := backfillFunc(func(context.Context, time.Time, time.Time) (int, error) {
		return 1, errors.New("bridge offline")
	})
	n, err := Backfillers{ok, nil, failing}.Backfill(context.Background(), t0, t0)
	assert.Equal(t, 3, n)
	assert.ErrorContains(t, err, "bridge offline")
}

type backfillFunc func(context.Context, time.Time, time.Time) (int, error)

func (f backfillFunc) Backfill(ctx context.Context, from, to time.Time) (int, error) {
	return f(ctx, from, to)
}

type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func newChanBus() *chanBus { return &chanBus{subs: map[string]chan []byte{}} }

func (b *chanBus) channel(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[name]
	if !ok {
		ch = make(chan []byte, 16)
		b.subs[name] = ch
	}
	return ch
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.channel(channel) <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.channel(channel), nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type recordingSink struct {
	mu           sync.Mutex
	connected    int
	disconnected []string
	invalid      []string
}

func (s *recordingSink) MarkConnected() {
	s.mu.Lock()
	s.connected++
	s.mu.Unlock()
}

func (s *recordingSink) MarkDisconnected(err error) {
	s.mu.Lock()
	s.disconnected = append(s.disconnected, err.Error())
	s.mu.Unlock()
}

func (s *recordingSink) SetInvalidSymbols(symbols []string) {
	s.mu.Lock()
	s.invalid = symbols
	s.mu.Unlock()
}

func TestBusFeederRoutesFrames(t *testing.T) {
	t.Parallel()
	bus := newChanBus()
	in := &recordingIngress{}
	sink := &recordingSink{}
	f := NewBusFeeder(bus, in, nil, time.UTC, discardLogger())
	f.SetStatusSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	ctx0 := context.Background()
	require.NoError(t, bus.Publish(ctx0, "ticks", []byte(`{"symbol":"tcs","ts":"2024-01-02T09:15:05Z","price":3500.5,"volume":3}`)))
	require.NoError(t, bus.Publish(ctx0, "bars", []byte(`{"type":"bar","symbol":"TCS","ts":"2024-01-02 09:16","open":1,"high":2,"low":0.5,"close":1.5}`)))
	require.NoError(t, bus.Publish(ctx0, "ticks", []byte(`{"type":"status","connected":false,"message":"upstream gone","invalid_symbols":["BAD"]}`)))
	require.NoError(t, bus.Publish(ctx0, "ticks", []byte(`not json`)))

	require.Eventually(t, func() bool {
		ticks, bars, _ := in.snapshot()
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(ticks) == 1 && len(bars) == 1 && len(sink.disconnected) == 1
	}, time.Second, time.Millisecond)

	ticks, bars, _ := in.snapshot()
	assert.Equal(t, "TCS", ticks[0].Symbol)
	assert.Equal(t, 3500.5, ticks[0].Price)
	assert.Equal(t, domain.BarSourceLive, bars[0].Source)
	assert.Equal(t, []string{"upstream gone"}, sink.disconnected)
	assert.Equal(t, []string{"BAD"}, sink.invalid)

	cancel()
	require.NoError(t, <-done)
}
