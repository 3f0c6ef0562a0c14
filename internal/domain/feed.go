package domain

import "time"

// FeedState is the connection state of a feed session.
type FeedState string

const (
	FeedStateIdle         FeedState = "idle"
	FeedStateConnected    FeedState = "connected"
	FeedStateDisconnected FeedState = "disconnected"
	FeedStateReconnecting FeedState = "reconnecting"
	FeedStateFailed       FeedState = "failed"
)

// FeedSession is a snapshot of feed health. It is rebuilt on reconnect.
type FeedSession struct {
	State               FeedState `json:"state"`
	Connected           bool      `json:"connected"`
	LastTickAt          time.Time `json:"last_tick_at"`
	LastObservedAt      time.Time `json:"last_observed_at"`
	InvalidSymbols      []string  `json:"invalid_symbols"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveStale    int       `json:"consecutive_stale"`
	Reconnects          int       `json:"reconnects"`
	BackfilledBars      int       `json:"backfilled_bars"`
	LastError           string    `json:"last_error,omitempty"`
}
