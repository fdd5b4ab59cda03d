// Package coordinator drives the daemon's run loop. Every poll interval it
// brings the session, the device directory, and each relay connection back
// to health, requests fresh state from every device, and publishes an
// isolated snapshot of everything known. Control commands flow through the
// same component so optimistic local state and the backstop poll can never
// disagree about who owns the state maps.
//
// Key Design Decisions:
//
//  1. The poll is a backstop, not the data path. Devices push changes over
//     the relay as they happen; the cycle exists to catch up after missed
//     pushes, reconnect dead sockets, and re-authenticate expiring
//     sessions. Losing one cycle loses nothing permanent.
//
//  2. Commands merge optimistically. The commanded values are applied to
//     local state the moment the write succeeds, so user-facing surfaces
//     reflect intent immediately; a follow-up state request reconciles
//     against what the device actually applied.
//
//  3. Snapshots never go backwards to empty. Authentication failures and
//     MFA pauses publish the retained device data with the account
//     condition flagged, instead of wiping the view.
package coordinator
