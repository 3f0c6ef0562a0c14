package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// Replay modes reported in ReplayStatus.Mode.
const (
	ModeIdle   = "idle"
	ModeReplay = "replay"
	ModeStream = "stream"
)

const (
	// MinReplaySpeed is the slowest accepted replay rate.
	MinReplaySpeed = 0.1
	// DefaultReplaySpeed replays one minute bar per wall second.
	DefaultReplaySpeed = 60.0
)

// BarRanger loads stored bars. domain.BarStore implements it.
type BarRanger interface {
	ListRange(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error)
}

// ReplayRequest selects what to replay. A zero From or To is unbounded; an
// empty Symbol replays every symbol in timestamp order.
type ReplayRequest struct {
	Symbol string    `json:"symbol,omitempty"`
	From   time.Time `json:"from,omitempty"`
	To     time.Time `json:"to,omitempty"`
	Speed  float64   `json:"speed"`
}

// ReplayStatus is the replay progress snapshot.
type ReplayStatus struct {
	Running bool      `json:"running"`
	Mode    string    `json:"mode"`
	Speed   float64   `json:"speed"`
	Index   int       `json:"index"`
	Total   int       `json:"total"`
	Started time.Time `json:"started,omitempty"`
	LastBar time.Time `json:"last_bar,omitempty"`
}

// SpeedSetter follows replay speed changes. IngestionClock implements it.
type SpeedSetter interface {
	SetSpeed(speed float64)
}

// Replayer pushes stored bars back through the ingress at a scaled rate:
// one minute bar every 60s/speed of wall time.
type Replayer struct {
	bars    BarRanger
	ingress Ingress
	pub     Publisher
	clock   SpeedSetter
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}
	status ReplayStatus
}

// NewReplayer creates a Replayer. pub and clock may be nil.
func NewReplayer(bars BarRanger, ingress Ingress, pub Publisher, clock SpeedSetter, logger *slog.Logger) *Replayer {
	return &Replayer{
		bars:    bars,
		ingress: ingress,
		pub:     pub,
		clock:   clock,
		sleep:   sleepCtx,
		logger:  logger.With(slog.String("component", "replayer")),
		base:    context.Background(),
		status:  ReplayStatus{Mode: ModeIdle, Speed: DefaultReplaySpeed},
	}
}

// Run binds replays to ctx and blocks until it is cancelled, then stops any
// replay in progress.
func (r *Replayer) Run(ctx context.Context) error {
	r.mu.Lock()
	r.base = ctx
	r.mu.Unlock()
	<-ctx.Done()
	r.Stop()
	return nil
}

// Start loads the requested bars and begins replaying them in the
// background. It fails with domain.ErrSessionRunning if a replay is active.
func (r *Replayer) Start(ctx context.Context, req ReplayRequest) (ReplayStatus, error) {
	r.mu.Lock()
	running := r.status.Running
	r.mu.Unlock()
	if running {
		return r.Status(), fmt.Errorf("feed: replay: %w", domain.ErrSessionRunning)
	}

	bars, err := r.bars.ListRange(ctx, req.Symbol, req.From, req.To)
	if err != nil {
		return r.Status(), fmt.Errorf("feed: replay: load bars: %w", err)
	}
	speed := clampSpeed(req.Speed)

	r.mu.Lock()
	if r.status.Running {
		r.mu.Unlock()
		return r.Status(), fmt.Errorf("feed: replay: %w", domain.ErrSessionRunning)
	}
	runCtx, cancel := context.WithCancel(r.base)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.status = ReplayStatus{
		Running: true,
		Mode:    ModeReplay,
		Speed:   speed,
		Total:   len(bars),
		Started: time.Now(),
	}
	done := r.done
	r.mu.Unlock()

	if r.clock != nil {
		r.clock.SetSpeed(speed)
	}
	r.logger.InfoContext(ctx, "replay started",
		slog.String("symbol", req.Symbol),
		slog.Int("bars", len(bars)),
		slog.Float64("speed", speed),
	)
	go r.run(runCtx, cancel, bars, done)
	return r.Status(), nil
}

// Stop halts the active replay, if any, and waits for it to flush.
func (r *Replayer) Stop() ReplayStatus {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return r.Status()
}

// SetSpeed changes the rate of the active replay.
func (r *Replayer) SetSpeed(speed float64) ReplayStatus {
	speed = clampSpeed(speed)
	r.mu.Lock()
	r.status.Speed = speed
	r.mu.Unlock()
	if r.clock != nil {
		r.clock.SetSpeed(speed)
	}
	return r.Status()
}

// Status returns the replay progress.
func (r *Replayer) Status() ReplayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Wait blocks until the active replay, if any, has finished.
func (r *Replayer) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Replayer) run(ctx context.Context, cancel context.CancelFunc, bars []domain.Bar, done chan struct{}) {
	defer close(done)
	defer cancel()

	completed := true
	for i, b := range bars {
		if ctx.Err() != nil {
			completed = false
			break
		}
		b.Source = domain.BarSourceReplay
		if err := r.ingress.IngestBar(ctx, b); err != nil {
			r.logger.DebugContext(ctx, "replay: bar rejected",
				slog.String("symbol", b.Symbol),
				slog.Time("ts", b.Timestamp),
				slog.String("error", err.Error()),
			)
		}

		r.mu.Lock()
		r.status.Index = i + 1
		r.status.LastBar = b.Timestamp
		speed := r.status.Speed
		r.mu.Unlock()

		if i == len(bars)-1 {
			break
		}
		if err := r.sleep(ctx, barDelay(speed)); err != nil {
			completed = false
			break
		}
	}

	// Seal whatever is still accumulating, even when stopped early.
	flushed := r.ingress.Flush(context.WithoutCancel(ctx))

	r.mu.Lock()
	r.status.Running = false
	r.status.Mode = ModeIdle
	r.cancel = nil
	st := r.status
	r.mu.Unlock()

	r.logger.Info("replay finished",
		slog.Bool("completed", completed),
		slog.Int("index", st.Index),
		slog.Int("total", st.Total),
		slog.Int("flushed", flushed),
	)
	if r.pub != nil {
		r.pub.Publish(domain.Event{Type: domain.EventDone, Time: time.Now(), Payload: st})
	}
}

func clampSpeed(speed float64) float64 {
	if speed == 0 {
		return DefaultReplaySpeed
	}
	if speed < MinReplaySpeed {
		return MinReplaySpeed
	}
	return speed
}

func barDelay(speed float64) time.Duration {
	return time.Duration(float64(time.Minute) / speed)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
