// Package history keeps a bounded in-memory record of reported arm positions
// and exports it as CSV.
package history

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/otherworld-dev/Bifr-st/protocol"
)

// DefaultMaxEntries bounds the history when no limit is configured
const DefaultMaxEntries = 1000

// Snapshot is one reported position with the time it was received
type Snapshot struct {
	Timestamp time.Time
	Position  protocol.Position
}

// History is a bounded, concurrency-safe position record. The oldest snapshot
// is evicted when the bound is reached.
type History struct {
	mu      sync.RWMutex
	entries []Snapshot
	max     int
}

// New creates a History holding at most max snapshots. max <= 0 selects
// DefaultMaxEntries.
func New(max int) *History {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &History{
		entries: make([]Snapshot, 0, max),
		max:     max,
	}
}

// Add records a position with the current time
func (h *History) Add(pos protocol.Position) {
	h.AddAt(time.Now(), pos)
}

// AddAt records a position with an explicit timestamp
func (h *History) AddAt(ts time.Time, pos protocol.Position) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) >= h.max {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, Snapshot{Timestamp: ts, Position: pos})
}

// Len returns the number of recorded snapshots
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Snapshots returns a copy of the recorded snapshots, oldest first
func (h *History) Snapshots() []Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Snapshot, len(h.entries))
	copy(out, h.entries)
	return out
}

// Latest returns the most recent snapshot, or false when empty
func (h *History) Latest() (Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.entries) == 0 {
		return Snapshot{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Clear discards all recorded snapshots
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = h.entries[:0]
	h.mu.Unlock()
}

// ExportCSV writes the history as CSV with a header row, oldest first
func (h *History) ExportCSV(w io.Writer) error {
	snapshots := h.Snapshots()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "x", "y", "z", "u", "v", "w"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, s := range snapshots {
		record := []string{
			s.Timestamp.Format(time.RFC3339),
			formatAxis(s.Position.X),
			formatAxis(s.Position.Y),
			formatAxis(s.Position.Z),
			formatAxis(s.Position.U),
			formatAxis(s.Position.V),
			formatAxis(s.Position.W),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// DefaultFilename returns a timestamped export filename,
// e.g. position_history_20260824_153045.csv
func DefaultFilename(now time.Time) string {
	return "position_history_" + now.Format("20060102_150405") + ".csv"
}

func formatAxis(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
