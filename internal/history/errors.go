package history

import "errors"

// Sentinel errors for history operations.
var (
	// ErrNotConnected indicates the client is not connected to InfluxDB.
	ErrNotConnected = errors.New("history: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("history: connection failed")

	// ErrDisabled indicates the history recorder is disabled in config.
	ErrDisabled = errors.New("history: disabled in configuration")
)
