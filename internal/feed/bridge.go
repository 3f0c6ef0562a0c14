package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// StatusSink receives connection state from the bridge. Monitor implements it.
type StatusSink interface {
	MarkConnected()
	MarkDisconnected(err error)
	SetInvalidSymbols(symbols []string)
}

// BridgeConfig configures a BridgeClient.
type BridgeConfig struct {
	URL      string
	Symbols  []string
	Location *time.Location
}

type bridgeCommand struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
}

// BridgeClient is a websocket client for an external tick bridge. It does
// not reconnect on its own; the Monitor owns reconnect policy and calls
// Reconnect.
type BridgeClient struct {
	cfg     BridgeConfig
	ingress Ingress
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	status StatusSink
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewBridgeClient creates a BridgeClient.
func NewBridgeClient(cfg BridgeConfig, ingress Ingress, logger *slog.Logger) *BridgeClient {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &BridgeClient{
		cfg:     cfg,
		ingress: ingress,
		logger:  logger.With(slog.String("component", "feed_bridge")),
		done:    make(chan struct{}),
	}
}

// SetStatusSink wires connection state reporting.
func (b *BridgeClient) SetStatusSink(s StatusSink) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// Run connects once and then serves until ctx is cancelled. Failures after
// the first attempt are reported to the status sink for the monitor to act
// on.
func (b *BridgeClient) Run(ctx context.Context) error {
	if len(b.cfg.Symbols) == 0 {
		b.logger.Info("no symbols to subscribe, exiting")
		return nil
	}
	if err := b.Connect(ctx); err != nil {
		b.logger.Warn("feed bridge initial connect failed", slog.String("error", err.Error()))
		b.reportDisconnect(err)
	}
	select {
	case <-ctx.Done():
	case <-b.done:
	}
	return b.Close()
}

// Connect dials the bridge and subscribes the configured symbols.
func (b *BridgeClient) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("feed/bridge: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed/bridge: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := writeJSON(conn, bridgeCommand{Action: "subscribe", Symbols: b.cfg.Symbols}); err != nil {
		conn.Close()
		return fmt.Errorf("feed/bridge: subscribe: %w", err)
	}

	b.conn = conn
	go b.readLoop(conn)
	go b.pingLoop(conn)

	if b.status != nil {
		b.status.MarkConnected()
	}
	b.logger.Info("feed bridge subscribed", slog.Int("symbols", len(b.cfg.Symbols)))
	return nil
}

// Reconnect drops the current connection, if any, and connects again.
func (b *BridgeClient) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	old := b.conn
	b.conn = nil
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}

	connCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	return b.Connect(connCtx)
}

// Backfill asks the bridge to resend bars for [from, to]. The bars arrive
// asynchronously as bar frames tagged source=backfill, so the returned count
// is always zero.
func (b *BridgeClient) Backfill(_ context.Context, from, to time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return 0, fmt.Errorf("feed/bridge: backfill: %w", domain.ErrWSDisconnect)
	}
	cmd := bridgeCommand{
		Action:  "backfill",
		Symbols: b.cfg.Symbols,
		From:    from.In(b.cfg.Location).Format("2006-01-02 15:04:05"),
		To:      to.In(b.cfg.Location).Format("2006-01-02 15:04:05"),
	}
	if err := writeJSON(b.conn, cmd); err != nil {
		return 0, fmt.Errorf("feed/bridge: backfill: %w", err)
	}
	return 0, nil
}

// Close shuts down the connection.
func (b *BridgeClient) Close() error {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn == nil {
		return nil
	}
	_ = b.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *BridgeClient) current(conn *websocket.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn == conn && !b.closed
}

func (b *BridgeClient) reportDisconnect(err error) {
	b.mu.Lock()
	sink := b.status
	b.mu.Unlock()
	if sink != nil {
		sink.MarkDisconnected(err)
	}
}

// readLoop runs until conn fails. A failure on the live connection is
// reported; a failure on a replaced connection is not.
func (b *BridgeClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if b.current(conn) {
				b.logger.Warn("feed bridge disconnected", slog.String("error", err.Error()))
				b.reportDisconnect(fmt.Errorf("feed/bridge: read: %w", err))
			}
			return
		}
		b.handle(raw)
	}
}

func (b *BridgeClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if !b.current(conn) {
				return
			}
			b.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			b.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (b *BridgeClient) handle(raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		b.logger.Debug("feed bridge: bad frame", slog.String("error", err.Error()))
		return
	}
	if f.Type == frameStatus {
		b.mu.Lock()
		sink := b.status
		b.mu.Unlock()
		if sink == nil {
			return
		}
		if f.InvalidSymbols != nil {
			sink.SetInvalidSymbols(f.InvalidSymbols)
		}
		if f.Connected != nil && !*f.Connected {
			msg := f.Message
			if msg == "" {
				msg = "bridge reported upstream disconnect"
			}
			sink.MarkDisconnected(errors.New(msg))
		}
		return
	}

	if err := dispatch(context.Background(), b.ingress, f, b.cfg.Location, domain.BarSourceLive); err != nil &&
		!errors.Is(err, domain.ErrStaleBar) {
		b.logger.Debug("feed bridge: ingest failed",
			slog.String("symbol", f.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
