package conn

import "sync/atomic"

// Flag is a concurrency-safe boolean shared between the controlling context
// and the router callbacks. Used for the homing-in-progress flag (owned by
// the movement layer, read by the router) and the sync-pending flag (set by
// the router, cleared when the resync runs).
type Flag struct {
	v atomic.Bool
}

// Set raises the flag
func (f *Flag) Set() {
	f.v.Store(true)
}

// Clear lowers the flag
func (f *Flag) Clear() {
	f.v.Store(false)
}

// IsSet reports the flag
func (f *Flag) IsSet() bool {
	return f.v.Load()
}
