package serial

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultReadTimeout is the per-read timeout used once a session is running.
// Short so the I/O loop stays responsive to queued commands and shutdown.
const DefaultReadTimeout = 50 * time.Millisecond

// Port is the serial handle abstraction the I/O loop works against.
// Exactly one goroutine performs I/O on a Port for the lifetime of a session.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
	Device() string
	IsOpen() bool
	SetReadTimeout(timeout time.Duration) error
	ResetInputBuffer() error
}

// DevicePort implements Port using go.bug.st/serial
type DevicePort struct {
	device   string
	port     serial.Port
	baudRate int
	isOpen   bool
	mu       sync.Mutex
}

// OpenDevicePort opens the given device at baudRate (8N1) and returns a
// DevicePort ready for I/O. The open call itself can block on some platforms;
// callers are expected to isolate it in a background worker.
func OpenDevicePort(device string, baudRate int) (*DevicePort, error) {
	p := &DevicePort{
		device:   device,
		baudRate: baudRate,
	}

	if err := p.open(); err != nil {
		return nil, err
	}

	return p, nil
}

// open opens the serial port with current configuration
func (p *DevicePort) open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isOpen {
		return fmt.Errorf("port already open")
	}

	mode := &serial.Mode{
		BaudRate: p.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(p.device, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p.device, err)
	}

	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	p.port = port
	p.isOpen = true

	return nil
}

// Read implements io.Reader. A timeout expiry returns (0, nil).
func (p *DevicePort) Read(buf []byte) (n int, err error) {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()

	if port == nil {
		return 0, fmt.Errorf("port not open")
	}

	return port.Read(buf)
}

// Write implements io.Writer
func (p *DevicePort) Write(buf []byte) (n int, err error) {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()

	if port == nil {
		return 0, fmt.Errorf("port not open")
	}

	return port.Write(buf)
}

// Close implements io.Closer
func (p *DevicePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isOpen || p.port == nil {
		return nil
	}

	err := p.port.Close()
	p.port = nil
	p.isOpen = false

	return err
}

// Device returns the device path
func (p *DevicePort) Device() string {
	return p.device
}

// IsOpen returns true if the port is open
func (p *DevicePort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isOpen
}

// SetReadTimeout sets the per-read timeout
func (p *DevicePort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()

	if port == nil {
		return fmt.Errorf("port not open")
	}

	return port.SetReadTimeout(timeout)
}

// ResetInputBuffer discards any stale bytes buffered by the driver
func (p *DevicePort) ResetInputBuffer() error {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()

	if port == nil {
		return fmt.Errorf("port not open")
	}

	return port.ResetInputBuffer()
}

// PortWithStats wraps a Port to track I/O statistics
type PortWithStats struct {
	port         Port
	bytesRead    int64
	bytesWritten int64
	linesRead    int64
	errors       int64
	mu           sync.RWMutex
}

// NewPortWithStats creates a new PortWithStats
func NewPortWithStats(port Port) *PortWithStats {
	return &PortWithStats{
		port: port,
	}
}

// Read implements io.Reader and tracks bytes read
func (p *PortWithStats) Read(buf []byte) (n int, err error) {
	n, err = p.port.Read(buf)

	p.mu.Lock()
	p.bytesRead += int64(n)
	if err != nil && err != io.EOF {
		p.errors++
	}
	p.mu.Unlock()

	return n, err
}

// Write implements io.Writer and tracks bytes written
func (p *PortWithStats) Write(buf []byte) (n int, err error) {
	n, err = p.port.Write(buf)

	p.mu.Lock()
	p.bytesWritten += int64(n)
	if err != nil {
		p.errors++
	}
	p.mu.Unlock()

	return n, err
}

// Close implements io.Closer
func (p *PortWithStats) Close() error {
	return p.port.Close()
}

// Device returns the device path
func (p *PortWithStats) Device() string {
	return p.port.Device()
}

// IsOpen returns true if the port is open
func (p *PortWithStats) IsOpen() bool {
	return p.port.IsOpen()
}

// SetReadTimeout sets the per-read timeout on the underlying port
func (p *PortWithStats) SetReadTimeout(timeout time.Duration) error {
	return p.port.SetReadTimeout(timeout)
}

// ResetInputBuffer resets the underlying port's input buffer
func (p *PortWithStats) ResetInputBuffer() error {
	return p.port.ResetInputBuffer()
}

// LineRead increments the line counter
func (p *PortWithStats) LineRead() {
	p.mu.Lock()
	p.linesRead++
	p.mu.Unlock()
}

// Stats returns current statistics
func (p *PortWithStats) Stats() (bytesRead, bytesWritten, linesRead, errors int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bytesRead, p.bytesWritten, p.linesRead, p.errors
}
