// Package notify alerts operators about trade closes, kill-switch trips,
// feed failures and consistency errors. Notifications are queued and
// delivered to every registered sender (Telegram, Discord) off the hot
// path, filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Config tunes a Notifier.
type Config struct {
	// Events limits Notify to these event types. Empty allows all.
	Events []string
	// Cooldown suppresses an identical event/title/message repeated within
	// the window. Zero disables suppression.
	Cooldown time.Duration
	// QueueSize bounds undelivered notifications. Zero means 64.
	QueueSize int
	// SendTimeout bounds one delivery to all senders. Zero means 15s.
	SendTimeout time.Duration
}

type message struct {
	event, title, body string
}

// Notifier queues notifications and dispatches them to one or more Senders
// from Run. Notify never blocks; when the queue is full the notification is
// dropped and counted.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	cfg     Config
	queue   chan message
	logger  *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time

	dropped    atomic.Int64
	suppressed atomic.Int64
	failed     atomic.Int64
}

// NewNotifier creates a Notifier that delivers to the given senders.
func NewNotifier(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cfg:      cfg,
		queue:    make(chan message, cfg.QueueSize),
		lastSent: make(map[string]time.Time),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify queues a notification if its event type passes the filter and it
// is not a repeat inside the cooldown window.
func (n *Notifier) Notify(ctx context.Context, event, title, msg string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.inCooldown(event + "\x00" + title + "\x00" + msg) {
		n.suppressed.Add(1)
		return nil
	}

	select {
	case n.queue <- message{event: event, title: title, body: msg}:
		return nil
	default:
		n.dropped.Add(1)
		return fmt.Errorf("notify: queue full, dropped %q", event)
	}
}

// NotifyAll delivers immediately to every sender, bypassing the filter and
// the queue.
func (n *Notifier) NotifyAll(ctx context.Context, title, msg string) error {
	return n.dispatch(ctx, title, msg)
}

// Run delivers queued notifications until ctx is cancelled, then makes one
// best-effort pass over whatever is still queued.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case m := <-n.queue:
			n.deliver(ctx, m)
		case <-ctx.Done():
			drainCtx := context.WithoutCancel(ctx)
			for {
				select {
				case m := <-n.queue:
					n.deliver(drainCtx, m)
				default:
					return nil
				}
			}
		}
	}
}

// Stats reports dropped, suppressed and failed deliveries.
func (n *Notifier) Stats() (dropped, suppressed, failed int64) {
	return n.dropped.Load(), n.suppressed.Load(), n.failed.Load()
}

func (n *Notifier) deliver(ctx context.Context, m message) {
	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
	defer cancel()
	if err := n.dispatch(sendCtx, m.title, m.body); err != nil {
		n.failed.Add(1)
		n.logger.WarnContext(ctx, "notification not delivered",
			slog.String("event", m.event),
			slog.String("error", err.Error()),
		)
	}
}

func (n *Notifier) inCooldown(key string) bool {
	if n.cfg.Cooldown <= 0 {
		return false
	}
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cfg.Cooldown {
		return true
	}
	for k, t := range n.lastSent {
		if now.Sub(t) >= n.cfg.Cooldown {
			delete(n.lastSent, k)
		}
	}
	n.lastSent[key] = now
	return false
}

// dispatch sends to every sender. One sender failing does not stop the
// others; failures are joined.
func (n *Notifier) dispatch(ctx context.Context, title, msg string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
