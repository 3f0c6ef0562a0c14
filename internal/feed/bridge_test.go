package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

// fakeBridge accepts one client, records its commands and sends whatever is
// queued on frames. Closing hangup drops the connection.
type fakeBridge struct {
	commands chan bridgeCommand
	frames   chan string
	hangup   chan struct{}
}

func newFakeBridge(t *testing.T) (*fakeBridge, string) {
	t.Helper()
	fb := &fakeBridge{
		commands: make(chan bridgeCommand, 8),
		frames:   make(chan string, 8),
		hangup:   make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				var cmd bridgeCommand
				if err := conn.ReadJSON(&cmd); err != nil {
					return
				}
				fb.commands <- cmd
			}
		}()
		for {
			select {
			case f := <-fb.frames:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
					return
				}
			case <-fb.hangup:
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return fb, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextCommand(t *testing.T, fb *fakeBridge) bridgeCommand {
	t.Helper()
	select {
	case cmd := <-fb.commands:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command from bridge client")
		return bridgeCommand{}
	}
}

func TestBridgeClientStreamsFramesIntoIngress(t *testing.T) {
	fb, url := newFakeBridge(t)
	in := &recordingIngress{}
	sink := &recordingSink{}
	client := NewBridgeClient(BridgeConfig{URL: url, Symbols: []string{"TCS", "INFY"}}, in, discardLogger())
	client.SetStatusSink(sink)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background()))
	cmd := nextCommand(t, fb)
	assert.Equal(t, "subscribe", cmd.Action)
	assert.Equal(t, []string{"TCS", "INFY"}, cmd.Symbols)

	fb.frames <- `{"type":"tick","symbol":"tcs","ts":"2024-01-02T09:15:10Z","price":101,"volume":5}`
	fb.frames <- `{"symbol":"INFY","ts":"2024-01-02T09:15:00Z","open":1,"high":2,"low":0.5,"close":1.5}`
	fb.frames <- `not json`
	fb.frames <- `{"type":"status","invalid_symbols":["INFY"],"connected":false,"message":"upstream down"}`

	require.Eventually(t, func() bool {
		ticks, bars, _ := in.snapshot()
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(ticks) == 1 && len(bars) == 1 && len(sink.disconnected) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ticks, bars, _ := in.snapshot()
	assert.Equal(t, "TCS", ticks[0].Symbol)
	assert.Equal(t, domain.BarSourceLive, bars[0].Source)

	sink.mu.Lock()
	assert.Equal(t, 1, sink.connected)
	assert.Equal(t, []string{"INFY"}, sink.invalid)
	assert.Equal(t, "upstream down", sink.disconnected[0])
	sink.mu.Unlock()

	from := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	n, err := client.Backfill(context.Background(), from, from.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	cmd = nextCommand(t, fb)
	assert.Equal(t, "backfill", cmd.Action)
	assert.Equal(t, "2024-01-02 09:00:00", cmd.From)
	assert.Equal(t, "2024-01-02 09:15:00", cmd.To)
}

func TestBridgeClientReportsDrop(t *testing.T) {
	fb, url := newFakeBridge(t)
	sink := &recordingSink{}
	client := NewBridgeClient(BridgeConfig{URL: url, Symbols: []string{"TCS"}}, &recordingIngress{}, discardLogger())
	client.SetStatusSink(sink)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background()))
	nextCommand(t, fb)
	close(fb.hangup)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.disconnected) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBridgeClientBackfillNeedsConnection(t *testing.T) {
	t.Parallel()
	client := NewBridgeClient(BridgeConfig{URL: "ws://127.0.0.1:1", Symbols: []string{"TCS"}}, &recordingIngress{}, discardLogger())
	_, err := client.Backfill(context.Background(), time.Now(), time.Now())
	assert.ErrorIs(t, err, domain.ErrWSDisconnect)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Connect(context.Background()), domain.ErrWSDisconnect)
}

func TestDecodeFrameInfersType(t *testing.T) {
	t.Parallel()
	f, err := decodeFrame([]byte(`{"symbol":" tcs ","ts":"2024-01-02 09:15","price":1}`))
	require.NoError(t, err)
	assert.Equal(t, frameTick, f.Type)
	assert.Equal(t, "TCS", f.Symbol)

	f, err = decodeFrame([]byte(`{"symbol":"TCS","close":1}`))
	require.NoError(t, err)
	assert.Equal(t, frameBar, f.Type)

	raw, err := json.Marshal(frame{Type: "quote", Symbol: "TCS", TS: "2024-01-02 09:15"})
	require.NoError(t, err)
	f, err = decodeFrame(raw)
	require.NoError(t, err)
	err = dispatch(context.Background(), &recordingIngress{}, f, time.UTC, domain.BarSourceLive)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
