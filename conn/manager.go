package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otherworld-dev/Bifr-st/command"
	"github.com/otherworld-dev/Bifr-st/config"
	"github.com/otherworld-dev/Bifr-st/notify"
	"github.com/otherworld-dev/Bifr-st/serial"
)

// State is the connection lifecycle state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Configuration errors, rejected synchronously before any background work
var (
	ErrNoPort = errors.New("no serial port specified")
	ErrNoBaud = errors.New("no baud rate specified")

	// ErrNotConnected is returned by operations that require an open session
	ErrNotConnected = errors.New("not connected")
)

// PortOpener opens a serial device. Swapped for a fake in tests.
type PortOpener func(device string, baudRate int) (serial.Port, error)

// Manager owns the serial connection lifecycle. It creates an I/O loop per
// successful connection, tears it down on disconnect or error, and emits
// state notifications through the dispatcher. Connect and disconnect are
// serialized; the prior loop is always joined before a new one starts, so no
// two goroutines ever own the handle concurrently.
type Manager struct {
	cfg        *config.SerialConfig
	queue      *command.Queue
	dispatcher *notify.Dispatcher
	opener     PortOpener
	logger     *slog.Logger

	// mu serializes connect/disconnect; pmu publishes the session fields to
	// concurrent readers (accessors never wait behind a blocking open)
	mu  sync.Mutex
	pmu sync.RWMutex

	state       atomic.Int32
	port        *serial.PortWithStats
	loop        *Loop
	currentPort string
	currentBaud string
}

// NewManager creates a Manager. The queue outlives individual sessions;
// callers may keep enqueueing across reconnects.
func NewManager(cfg *config.SerialConfig, queue *command.Queue, dispatcher *notify.Dispatcher, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		queue:      queue,
		dispatcher: dispatcher,
		logger:     logger,
	}
	m.opener = func(device string, baudRate int) (serial.Port, error) {
		port, err := serial.OpenDevicePort(device, baudRate)
		if err != nil {
			return nil, err
		}
		if err := port.SetReadTimeout(cfg.ReadTimeout()); err != nil {
			port.Close()
			return nil, err
		}
		return port, nil
	}
	return m
}

// SetPortOpener replaces the port opener. For tests.
func (m *Manager) SetPortOpener(opener PortOpener) {
	m.opener = opener
}

// State returns the current connection state
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected is true only when the state is Connected and the handle
// reports open.
func (m *Manager) IsConnected() bool {
	if m.State() != StateConnected {
		return false
	}

	m.pmu.RLock()
	defer m.pmu.RUnlock()
	return m.port != nil && m.port.IsOpen()
}

// CurrentPort returns the connected device name, or "" when not connected
func (m *Manager) CurrentPort() string {
	if !m.IsConnected() {
		return ""
	}
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	return m.currentPort
}

// CurrentBaud returns the connected baud rate, or "" when not connected
func (m *Manager) CurrentBaud() string {
	if !m.IsConnected() {
		return ""
	}
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	return m.currentBaud
}

// PollingState returns the I/O loop's polling sub-state, or PollingActive
// when no loop is running.
func (m *Manager) PollingState() PollingState {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	if m.loop == nil {
		return PollingActive
	}
	return m.loop.PollingState()
}

// PortStats returns the session's I/O counters. Zeros when not connected.
func (m *Manager) PortStats() (bytesRead, bytesWritten, linesRead, errors int64) {
	m.pmu.RLock()
	defer m.pmu.RUnlock()
	if m.port == nil {
		return 0, 0, 0, 0
	}
	return m.port.Stats()
}

// Connect initiates a connection (non-blocking). Empty port or baud is a
// configuration error rejected synchronously; everything else happens in a
// background worker with the outcome delivered via notifications.
func (m *Manager) Connect(device, baud string) error {
	if device == "" {
		return ErrNoPort
	}
	if baud == "" {
		return ErrNoBaud
	}

	baudRate, err := strconv.Atoi(baud)
	if err != nil {
		return fmt.Errorf("invalid baud rate %q: %w", baud, err)
	}

	// If already connected, disconnect first
	if m.IsConnected() {
		m.Disconnect()
	}

	m.setState(StateConnecting)

	go m.connectWorker(device, baud, baudRate)

	return nil
}

// connectWorker performs the blocking part of a connection attempt. The open
// call can block on some platforms, which is exactly why it lives here and
// not in the caller.
func (m *Manager) connectWorker(device, baud string, baudRate int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stop any prior loop and close any prior handle
	m.stopLoopLocked()
	m.closePortLocked()

	port, err := m.openWithTimeout(device, baudRate)
	if err != nil {
		m.fail(err)
		return
	}

	// Clear stale input so the first classified lines are fresh
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		m.fail(fmt.Errorf("failed to clear input buffer on %s: %w", device, err))
		return
	}

	stats := serial.NewPortWithStats(port)
	loop := NewLoop(stats, m.queue, m.cfg, m.emitLine, m.logger.With("device", device))
	loop.Start()

	m.pmu.Lock()
	m.port = stats
	m.loop = loop
	m.currentPort = device
	m.currentBaud = baud
	m.pmu.Unlock()

	m.setState(StateConnected)
	m.dispatcher.Publish(notify.Event{
		Type:    notify.EventConnected,
		Port:    device,
		Baud:    baud,
		Message: fmt.Sprintf("Connected to %s at %s baud", device, baud),
	})

	m.logger.Info("Connected to serial port", "port", device, "baud", baud)
}

// Disconnect stops the I/O loop (bounded join), closes the handle and
// notifies. Teardown failures are logged and surfaced as an Error
// notification, never raised across the context boundary.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLoopLocked()

	if err := m.closePortLocked(); err != nil {
		m.logger.Error("Error during disconnect", "error", err)
		m.setState(StateError)
		m.dispatcher.Publish(notify.Event{Type: notify.EventError, Message: err.Error()})
		return
	}

	m.pmu.Lock()
	m.currentPort = ""
	m.currentBaud = ""
	m.pmu.Unlock()

	m.setState(StateDisconnected)
	m.dispatcher.Publish(notify.Event{Type: notify.EventDisconnected})

	m.logger.Info("Disconnected from serial port")
}

// RequestPositionUpdate enqueues one priority position request and one
// priority endstop request. Used for manual refresh.
func (m *Manager) RequestPositionUpdate() error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	if err := m.queue.Push(command.NewPriority(command.PositionRequest)); err != nil {
		return err
	}
	if err := m.queue.Push(command.NewPriority(command.EndstopRequest)); err != nil {
		return err
	}

	m.logger.Debug("Requested position and endstop status")
	return nil
}

// Push enqueues a command for the I/O loop
func (m *Manager) Push(cmd command.Command) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return m.queue.Push(cmd)
}

// emitLine publishes one received line (or the disconnect sentinel) as an
// event. Runs on the I/O loop goroutine; delivery to subscribers is
// asynchronous through the dispatcher.
func (m *Manager) emitLine(line string) {
	m.dispatcher.Publish(notify.Event{Type: notify.EventLine, Line: line})
}

// stopLoopLocked stops and joins the current loop. Must hold mu.
func (m *Manager) stopLoopLocked() {
	m.pmu.RLock()
	loop := m.loop
	m.pmu.RUnlock()

	if loop == nil {
		return
	}

	loop.Stop()
	if !loop.Join(m.cfg.JoinTimeout()) {
		m.logger.Warn("I/O loop did not exit within join timeout",
			"timeout", m.cfg.JoinTimeout())
	}

	m.pmu.Lock()
	m.loop = nil
	m.pmu.Unlock()
}

// closePortLocked closes the current handle. Must hold mu.
func (m *Manager) closePortLocked() error {
	m.pmu.Lock()
	port := m.port
	m.port = nil
	m.pmu.Unlock()

	if port == nil {
		return nil
	}
	return port.Close()
}

// openWithTimeout isolates a potentially blocking open behind the configured
// timeout. An open that completes after the timeout is closed, not leaked.
func (m *Manager) openWithTimeout(device string, baudRate int) (serial.Port, error) {
	type result struct {
		port serial.Port
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		port, err := m.opener(device, baudRate)
		ch <- result{port, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", device, res.err)
		}
		return res.port, nil
	case <-time.After(m.cfg.OpenTimeout()):
		go func() {
			if res := <-ch; res.port != nil {
				res.port.Close()
			}
		}()
		return nil, fmt.Errorf("timed out opening %s after %s", device, m.cfg.OpenTimeout())
	}
}

// fail transitions to the Error state and notifies. Nothing propagates as a
// panic or error value across the worker boundary.
func (m *Manager) fail(err error) {
	m.logger.Error("Serial connection error", "error", err)
	m.setState(StateError)
	m.dispatcher.Publish(notify.Event{Type: notify.EventError, Message: err.Error()})
}

// setState updates the state and publishes a state-change notification
func (m *Manager) setState(state State) {
	old := State(m.state.Swap(int32(state)))
	if old == state {
		return
	}

	m.logger.Debug("Connection state changed", "old", old.String(), "new", state.String())
	m.dispatcher.Publish(notify.Event{
		Type:    notify.EventStateChange,
		Message: old.String() + " -> " + state.String(),
		Details: map[string]any{
			"old_state": old.String(),
			"new_state": state.String(),
		},
	})
}
