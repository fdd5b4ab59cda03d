// Package conn manages the per-device WebSocket relay connections: dialing
// with bearer authentication, the read loop that decodes inbound frames,
// command and state-request writes, and the update signal used to bound
// waits for fresh device state.
//
// Key Design Decisions:
//
//  1. Fail fast, reconnect lazily. A dead connection is dropped on the
//     first failed read or write; nothing retries in place. The poll loop
//     calls EnsureConnected every cycle, so recovery is at most one cycle
//     away, and commands against a dead connection fail immediately
//     instead of queueing stale writes.
//
//  2. A fresh connection requests full state before anything else. The
//     relay pushes nothing unprompted after a reconnect, so without this
//     the state would stay dark until the next poll.
//
//  3. Waiting for state is event-driven with a hard deadline. The read
//     loop advances a per-device sequence after each processed message;
//     WaitForUpdate blocks on that signal rather than polling, and gives
//     up after the configured timeout so an unresponsive device cannot
//     stall a cycle.
package conn
