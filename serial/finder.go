package serial

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// knownAdapters maps USB VID:PID pairs of the serial adapters found on
// supported arm controller boards. VID/PID strings are upper-case hex
// without the 0x prefix, as reported by the enumerator.
var knownAdapters = map[string]string{
	"0403:6001": "FTDI FT232",
	"1A86:7523": "CH340",
	"10C4:EA60": "CP210x",
	"2341:0042": "Arduino Mega 2560",
	"2341:0010": "Arduino Mega (legacy)",
}

// ListPorts returns the device names of all serial ports on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return ports, nil
}

// PortInfo describes one enumerated serial port
type PortInfo struct {
	Device  string `json:"device"`
	IsUSB   bool   `json:"is_usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Adapter string `json:"adapter,omitempty"` // known adapter name, if recognized
}

// ListDetailedPorts returns all serial ports with USB identifiers and, where
// recognized, the adapter name.
func ListDetailedPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	infos := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{
			Device: d.Name,
			IsUSB:  d.IsUSB,
			VID:    d.VID,
			PID:    d.PID,
		}
		if d.IsUSB {
			if name, ok := matchAdapter(d.VID, d.PID); ok {
				info.Adapter = name
			}
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// FindRobotPort returns the device name of the first port whose USB
// identifiers match a known controller adapter, or an error when none match.
func FindRobotPort() (string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		if _, ok := matchAdapter(d.VID, d.PID); ok {
			return d.Name, nil
		}
	}

	return "", fmt.Errorf("no known robot controller adapter found")
}

// matchAdapter reports whether vid:pid belongs to a known controller adapter.
func matchAdapter(vid, pid string) (string, bool) {
	key := strings.ToUpper(vid) + ":" + strings.ToUpper(pid)
	name, ok := knownAdapters[key]
	return name, ok
}
