// Package device defines the domain model shared across the system: the
// Device identity record, the sparse accumulated State, the remembered
// Color, and the published Snapshot types.
//
// State is merge-only. Devices report attributes sparsely, so a nil pointer
// means "never reported", and incoming fields widen the state rather than
// replacing it. Snapshots are deep copies; consumers may hold them
// indefinitely without racing the live state.
package device
