package wire

import "errors"

// Domain errors for the wire codec package.
var (
	// ErrInvalidMessage is returned when received bytes cannot be parsed
	// as a Sound + Light protocol message.
	ErrInvalidMessage = errors.New("wire: invalid message")

	// ErrTruncated is returned when a message ends mid-field.
	ErrTruncated = errors.New("wire: truncated message")

	// ErrEmptyCommand is returned when a command carries no fields at all.
	// An empty settings message would be a valid but pointless frame.
	ErrEmptyCommand = errors.New("wire: command has no fields")
)
