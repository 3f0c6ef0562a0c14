package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidInput   = errors.New("invalid input")
	ErrStaleBar       = errors.New("bar at or before last sealed minute")
	ErrPositionOpen   = errors.New("position already open for symbol")
	ErrPositionClosed = errors.New("position not open")
	ErrSymbolFrozen   = errors.New("symbol frozen")
	ErrFeedFailed     = errors.New("feed failed")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrLockHeld       = errors.New("lock already held")
	ErrSessionRunning = errors.New("session already running")
)
