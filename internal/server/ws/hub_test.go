package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/breakoutsim/internal/broadcast"
	"github.com/alanyoungcy/breakoutsim/internal/domain"
)

type wireEvent struct {
	Type    domain.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var ev wireEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHubStreamsEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := broadcast.NewHub(broadcast.Config{}, logger)
	hub := NewHub(events, func() any { return map[string]string{"state": "idle"} }, logger)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dial(t, srv.URL)

	status := readEvent(t, conn)
	assert.Equal(t, domain.EventStatus, status.Type)
	assert.JSONEq(t, `{"state":"idle"}`, string(status.Payload))
	assert.Equal(t, 1, hub.ClientCount())

	events.Publish(domain.Event{Type: domain.EventTrade, Time: time.Now(), Payload: map[string]int{"qty": 3}})
	ev := readEvent(t, conn)
	assert.Equal(t, domain.EventTrade, ev.Type)
	assert.JSONEq(t, `{"qty":3}`, string(ev.Payload))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return events.Stats().Subscribers == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRunDisconnectsClients(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := broadcast.NewHub(broadcast.Config{}, logger)
	hub := NewHub(events, nil, logger)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dial(t, srv.URL)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
