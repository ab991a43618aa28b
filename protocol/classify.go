// Package protocol classifies raw controller response lines and routes them
// to handlers. It recognizes line shapes only; G-code semantics stay with the
// firmware.
package protocol

import (
	"regexp"
	"strconv"
)

// DisconnectSentinel is the line the I/O loop emits on its own event channel
// when the serial connection is lost. It is routed like a real device line.
const DisconnectSentinel = "SERIAL-DISCONNECTED"

// Class identifies the shape of a response line
type Class int

const (
	ClassOther Class = iota
	ClassPosition
	ClassEndstop
	ClassOk
	ClassDisconnect
)

func (c Class) String() string {
	switch c {
	case ClassPosition:
		return "position"
	case ClassEndstop:
		return "endstop"
	case ClassOk:
		return "ok"
	case ClassDisconnect:
		return "disconnect"
	case ClassOther:
		return "other"
	default:
		return "unknown"
	}
}

var (
	// M114 report: "X:10.500 Y:20.000 Z:-5.250 U:0.028 V:-110.000 W:-290.000"
	positionPattern = regexp.MustCompile(`^X:\s*-?\d+(?:\.\d+)?\s+Y:\s*-?\d+(?:\.\d+)?\s+Z:\s*-?\d+(?:\.\d+)?`)

	// M119 report: "Endstops - X: at min stop, Y: not stopped, ..."
	endstopPattern = regexp.MustCompile(`(?i)^endstops\b`)

	// Acknowledgment: "ok", optionally followed by payload ("ok T:25")
	okPattern = regexp.MustCompile(`(?i)^ok\b`)

	axisPattern = regexp.MustCompile(`([XYZUVW]):\s*(-?\d+(?:\.\d+)?)`)
)

// Classify identifies the shape of a response line.
func Classify(line string) Class {
	if line == DisconnectSentinel {
		return ClassDisconnect
	}

	if positionPattern.MatchString(line) {
		return ClassPosition
	}

	if endstopPattern.MatchString(line) {
		return ClassEndstop
	}

	if okPattern.MatchString(line) {
		return ClassOk
	}

	return ClassOther
}

// Position holds a reported set of joint positions for the six axes.
type Position struct {
	X, Y, Z, U, V, W float64
}

// ParsePosition extracts axis values from a position report line. Returns
// false when the line is not a position report.
func ParsePosition(line string) (Position, bool) {
	if !positionPattern.MatchString(line) {
		return Position{}, false
	}

	var pos Position
	for _, m := range axisPattern.FindAllStringSubmatch(line, -1) {
		value, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		switch m[1] {
		case "X":
			pos.X = value
		case "Y":
			pos.Y = value
		case "Z":
			pos.Z = value
		case "U":
			pos.U = value
		case "V":
			pos.V = value
		case "W":
			pos.W = value
		}
	}

	return pos, true
}
