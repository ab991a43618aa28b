// Package command holds the command types, G-code builders and the priority
// queue that feeds the serial I/O loop.
package command

import (
	"strconv"
	"strings"
)

// Status request commands polled by the I/O loop
const (
	PositionRequest = "M114"
	EndstopRequest  = "M119"
)

// blockingPrefixes lists the commands after which the controller goes quiet
// for a bounded period. Status polling is paused while one is in flight.
var blockingPrefixes = []string{"G28", "G29", "M999"}

// Command is a single ASCII G-code line (no terminator) plus a priority flag.
// Priority commands are drained ahead of queued motion commands; status
// polling and manual refreshes use the priority lane.
type Command struct {
	Text     string
	Priority bool
}

// New returns a normal-lane command
func New(text string) Command {
	return Command{Text: text}
}

// NewPriority returns a priority-lane command
func NewPriority(text string) Command {
	return Command{Text: text, Priority: true}
}

// IsBlocking reports whether the command pauses status polling. The match is
// a case-insensitive prefix test against the fixed blocking set.
func (c Command) IsBlocking() bool {
	text := strings.ToUpper(strings.TrimSpace(c.Text))
	for _, prefix := range blockingPrefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

// IsHomingCycle reports whether the command starts a homing or bed-leveling
// cycle. The homing flag is raised for these so the completion acknowledgment
// triggers a position resync.
func (c Command) IsHomingCycle() bool {
	text := strings.ToUpper(strings.TrimSpace(c.Text))
	return strings.HasPrefix(text, "G28") || strings.HasPrefix(text, "G29")
}

// Encode returns the wire form of the command: the line with the terminator
// appended, ready to write to the port.
func (c Command) Encode() []byte {
	return []byte(c.Text + "\n")
}

// AxisValue pairs an axis letter with a target value. Commands preserve the
// order axes are given in.
type AxisValue struct {
	Axis  string
	Value float64
}

// BuildMove builds a G-code movement command from a list of axis targets,
// e.g. BuildMove("G1", axes, 1000) -> "G1 X10 Y20.5 Z30 F1000".
// A feedrate of 0 omits the F word (rapid moves).
func BuildMove(moveType string, axes []AxisValue, feedrate int) string {
	var b strings.Builder
	b.WriteString(moveType)

	for _, av := range axes {
		b.WriteByte(' ')
		b.WriteString(av.Axis)
		b.WriteString(formatValue(av.Value))
	}

	if feedrate > 0 {
		b.WriteString(" F")
		b.WriteString(strconv.Itoa(feedrate))
	}

	return b.String()
}

// BuildSingleAxisMove builds a movement command for one axis,
// e.g. "G0 X100 F1000".
func BuildSingleAxisMove(moveType, axis string, value float64, feedrate int) string {
	return BuildMove(moveType, []AxisValue{{Axis: axis, Value: value}}, feedrate)
}

// FormatConsole formats a command for console display: ">>> G0 X10"
func FormatConsole(cmd string) string {
	return ">>> " + cmd
}

// formatValue renders an axis value without trailing zeros, matching the
// firmware's own echo format ("10", "20.5").
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
