// Package wire implements the binary frame codec for the Sound + Light
// device protocol.
//
// Devices speak a protobuf-shaped binary format over the cloud relay: a
// top-level Message wrapping exactly one of a request, response, or backend
// body. The schema is fixed and small, so this package serializes the wire
// format directly instead of generating code from a schema file.
//
// Key Design Decisions:
//
//  1. Field-present semantics: decoded attributes are pointers, nil when the
//     frame did not carry the field. Devices report sparsely, and erasing
//     known state on absence would make every poll flicker.
//
//  2. Unknown fields are skipped, not rejected. Firmware updates add fields;
//     the codec must stay forward-compatible.
//
//  3. The "No sound" sentinel: silence is an explicit selection, not an
//     absent one. The sentinel string round-trips through the no_sound
//     boolean on the wire.
//
//  4. Tolerant reads, strict errors: a malformed frame yields ErrInvalidMessage
//     or ErrTruncated and no partial update, but a well-formed frame with
//     unexpected field types simply treats those fields as absent.
//
// The encode entry points are EncodeCommand, EncodeStateRequest, and
// EncodeSoundListRequest; the decode entry point is DecodeMessage.
package wire
