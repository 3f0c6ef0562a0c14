package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
	"golang.org/x/sync/errgroup"
)

// DefaultBusChannels are the signal bus channels a BusFeeder listens on.
var DefaultBusChannels = []string{"ticks", "bars"}

// BusFeeder subscribes to signal bus channels carrying tick and bar frames
// published by an out-of-process bridge and feeds them into the ingress.
type BusFeeder struct {
	bus      domain.SignalBus
	ingress  Ingress
	channels []string
	loc      *time.Location
	status   StatusSink
	logger   *slog.Logger
}

// NewBusFeeder creates a BusFeeder. Empty channels selects
// DefaultBusChannels.
func NewBusFeeder(bus domain.SignalBus, ingress Ingress, channels []string, loc *time.Location, logger *slog.Logger) *BusFeeder {
	if len(channels) == 0 {
		channels = DefaultBusChannels
	}
	if loc == nil {
		loc = time.UTC
	}
	return &BusFeeder{
		bus:      bus,
		ingress:  ingress,
		channels: channels,
		loc:      loc,
		logger:   logger.With(slog.String("component", "bus_feeder")),
	}
}

// SetStatusSink routes status frames to s.
func (f *BusFeeder) SetStatusSink(s StatusSink) {
	f.status = s
}

// Run subscribes to every channel and blocks until ctx is cancelled.
func (f *BusFeeder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range f.channels {
		ch, err := f.bus.Subscribe(ctx, name)
		if err != nil {
			return err
		}
		g.Go(func() error { return f.consume(ctx, name, ch) })
	}
	f.logger.Info("bus feeder started", slog.Any("channels", f.channels))
	defer f.logger.Info("bus feeder stopped")
	return g.Wait()
}

func (f *BusFeeder) consume(ctx context.Context, name string, ch <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.Debug("bus feeder handle message failed",
					slog.String("channel", name),
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *BusFeeder) handleMessage(ctx context.Context, data []byte) error {
	fr, err := decodeFrame(data)
	if err != nil {
		return err
	}
	if fr.Type == frameStatus && f.status != nil {
		if fr.Connected != nil {
			if *fr.Connected {
				f.status.MarkConnected()
			} else {
				f.status.MarkDisconnected(errors.New(fr.Message))
			}
		}
		if fr.InvalidSymbols != nil {
			f.status.SetInvalidSymbols(fr.InvalidSymbols)
		}
		return nil
	}
	return dispatch(ctx, f.ingress, fr, f.loc, domain.BarSourceLive)
}
