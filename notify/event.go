// Package notify carries typed events from the serial core to the
// controlling context, and optionally out to NATS for telemetry.
package notify

import "time"

// Event types emitted by the connection manager and I/O loop
const (
	EventStateChange    = "state_change"
	EventConnected      = "connected"
	EventDisconnected   = "disconnected"
	EventError          = "error"
	EventLine           = "line"
	EventHomingComplete = "homing_complete"
)

// Event is the structure delivered to subscribers and published to NATS.
// Keep it simple and flat for easy querying.
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance,omitempty"`
	Port       string         `json:"port,omitempty"` // serial device, e.g. COM3 or /dev/ttyUSB0
	Baud       string         `json:"baud,omitempty"`
	Line       string         `json:"line,omitempty"` // raw device line for EventLine
	Message    string         `json:"msg,omitempty"`  // human-readable message
	Details    map[string]any `json:"details,omitempty"`
}

// Callback is the function signature for event subscribers. Callbacks run on
// the dispatcher goroutine; keep them short.
type Callback func(event Event)
