// Package broadcast fans pipeline events out to any number of observers.
// Publish never blocks: every subscriber has a bounded queue and an overflow
// policy, so a slow observer only ever hurts itself.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// Policy decides what happens when a subscriber's queue is full.
type Policy string

const (
	// PolicyDropOldest discards the oldest queued event to make room.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyDisconnect closes the subscription.
	PolicyDisconnect Policy = "disconnect"
)

const (
	defaultBuffer   = 256
	relayBufferSize = 1024
)

// Config configures a Hub.
type Config struct {
	Buffer int
	Policy Policy
}

// Relay forwards events to other processes. domain.SignalBus satisfies it.
type Relay interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscription is one observer's queue.
type Subscription struct {
	ID string

	ch      chan domain.Event
	types   map[domain.EventType]bool
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// Events returns the receive side of the queue. It is closed on
// Unsubscribe, on disconnect-on-overflow and when the hub stops.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns the number of events this subscriber lost.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) wants(t domain.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// offer enqueues ev and reports false when the subscription must be
// disconnected.
func (s *Subscription) offer(ev domain.Event, policy Policy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}

	s.dropped.Add(1)
	if policy == PolicyDisconnect {
		return false
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
}

// Stats counts hub activity.
type Stats struct {
	Subscribers  int   `json:"subscribers"`
	Published    int64 `json:"published"`
	Dropped      int64 `json:"dropped"`
	Disconnected int64 `json:"disconnected"`
	RelayDropped int64 `json:"relay_dropped"`
}

// Hub is the fan-out point.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription

	relayMu sync.RWMutex
	relay   Relay
	relayCh chan domain.Event

	published    atomic.Int64
	disconnected atomic.Int64
	relayDropped atomic.Int64
}

// NewHub creates a Hub.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDropOldest
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "broadcast")),
		subs:    make(map[string]*Subscription),
		relayCh: make(chan domain.Event, relayBufferSize),
	}
}

// SetRelay enables forwarding of every event to r on channel "ch:<type>".
// Forwarding happens in Run.
func (h *Hub) SetRelay(r Relay) {
	h.relayMu.Lock()
	h.relay = r
	h.relayMu.Unlock()
}

// Subscribe registers an observer. buffer <= 0 uses the hub default; types
// restricts delivery to the listed event types.
func (h *Hub) Subscribe(buffer int, types ...domain.EventType) *Subscription {
	if buffer <= 0 {
		buffer = h.cfg.Buffer
	}
	sub := &Subscription{
		ID:   uuid.NewString(),
		ch:   make(chan domain.Event, buffer),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("broadcast: subscribed", slog.String("id", sub.ID), slog.Int("subscribers", n))
	return sub
}

// Unsubscribe removes sub and closes its queue. It is safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub.ID)
	h.mu.Unlock()
	sub.close()
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev domain.Event) {
	h.published.Add(1)

	var evict []*Subscription
	h.mu.RLock()
	for _, sub := range h.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		if !sub.offer(ev, h.cfg.Policy) {
			evict = append(evict, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range evict {
		h.disconnected.Add(1)
		h.logger.Warn("broadcast: subscriber disconnected on overflow",
			slog.String("id", sub.ID),
			slog.Int64("dropped", sub.Dropped()),
		)
		h.Unsubscribe(sub)
	}

	h.relayMu.RLock()
	relaying := h.relay != nil
	h.relayMu.RUnlock()
	if relaying {
		select {
		case h.relayCh <- ev:
		default:
			h.relayDropped.Add(1)
		}
	}
}

// Run forwards queued events to the relay until ctx is cancelled, then
// closes every subscription.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.relayCh:
			h.forward(ctx, ev)
		}
	}
}

func (h *Hub) forward(ctx context.Context, ev domain.Event) {
	h.relayMu.RLock()
	r := h.relay
	h.relayMu.RUnlock()
	if r == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("broadcast: relay marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := r.Publish(ctx, "ch:"+string(ev.Type), data); err != nil {
		h.logger.Warn("broadcast: relay publish failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// Stats returns counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	var dropped int64
	for _, sub := range h.subs {
		dropped += sub.Dropped()
	}
	h.mu.RUnlock()
	return Stats{
		Subscribers:  n,
		Published:    h.published.Load(),
		Dropped:      dropped,
		Disconnected: h.disconnected.Load(),
		RelayDropped: h.relayDropped.Load(),
	}
}
