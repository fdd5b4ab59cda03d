package conn

import "errors"

// Sentinel errors for connection operations.
var (
	// ErrNotConnected means no live relay connection exists for the device.
	// Commands are never queued: the caller reconnects and retries.
	ErrNotConnected = errors.New("device not connected")

	// ErrClosed means the manager has been shut down.
	ErrClosed = errors.New("connection manager closed")
)
