package conn

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/otherworld-dev/Bifr-st/command"
	"github.com/otherworld-dev/Bifr-st/config"
	"github.com/otherworld-dev/Bifr-st/protocol"
	"github.com/otherworld-dev/Bifr-st/serial"
)

// fakePort implements serial.Port with scripted input
type fakePort struct {
	mu       sync.Mutex
	open     bool
	pending  []byte
	written  []byte
	readErr  error
	writeErr error
	closed   bool
}

func newFakePort() *fakePort {
	return &fakePort{open: true}
}

// feed appends bytes for subsequent reads to return
func (f *fakePort) feed(s string) {
	f.mu.Lock()
	f.pending = append(f.pending, s...)
	f.mu.Unlock()
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.pending) == 0 {
		// Timeout expiry with no data
		return 0, nil
	}

	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, p...)
	return len(p), nil
}

// writtenLines returns the complete lines written so far
func (f *fakePort) writtenLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	text := strings.TrimSuffix(string(f.written), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func (f *fakePort) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakePort) setReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed = true
	return nil
}

func (f *fakePort) Device() string { return "/dev/ttyFAKE" }

func (f *fakePort) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakePort) SetReadTimeout(timeout time.Duration) error { return nil }
func (f *fakePort) ResetInputBuffer() error                    { return nil }

// lineCollector gathers emitted lines
type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) emit(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *lineCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *lineCollector) contains(line string) bool {
	for _, l := range c.all() {
		if l == line {
			return true
		}
	}
	return false
}

func testSerialConfig() *config.SerialConfig {
	return &config.SerialConfig{
		OpenTimeoutMS:      100,
		ReadTimeoutMS:      5,
		LoopSleepMS:        1,
		PositionIntervalMS: 20,
		EndstopIntervalMS:  40,
		MinPauseMS:         30,
		MaxPauseMS:         100,
		JoinTimeoutMS:      500,
		EchoWindowMS:       100,
		QueueCapacity:      64,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it returns true or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func startLoop(t *testing.T, port *fakePort, cfg *config.SerialConfig) (*Loop, *command.Queue, *lineCollector) {
	t.Helper()

	queue := command.NewQueue(cfg.QueueCapacity)
	collector := &lineCollector{}
	loop := NewLoop(serial.NewPortWithStats(port), queue, cfg, collector.emit, testLogger())
	loop.Start()
	t.Cleanup(func() {
		loop.Stop()
		loop.Join(time.Second)
	})

	return loop, queue, collector
}

func TestLoopWritesPriorityFirst(t *testing.T) {
	port := newFakePort()
	cfg := testSerialConfig()
	queue := command.NewQueue(cfg.QueueCapacity)
	collector := &lineCollector{}

	// Enqueue before the loop starts so ordering is deterministic
	queue.Push(command.New("G1 X10"))
	queue.Push(command.NewPriority("M114"))

	loop := NewLoop(serial.NewPortWithStats(port), queue, cfg, collector.emit, testLogger())
	loop.Start()
	defer func() {
		loop.Stop()
		loop.Join(time.Second)
	}()

	waitFor(t, time.Second, func() bool {
		return len(port.writtenLines()) >= 2
	}, "commands written")

	lines := port.writtenLines()
	if lines[0] != "M114" || lines[1] != "G1 X10" {
		t.Errorf("write order = %v, want [M114 G1 X10 ...]", lines)
	}
}

func TestLoopEmitsReceivedLines(t *testing.T) {
	port := newFakePort()
	_, _, collector := startLoop(t, port, testSerialConfig())

	port.feed("ok\r\nX:1 Y:2 Z:3 U:0 V:0 W:0\n\n")

	waitFor(t, time.Second, func() bool {
		return collector.contains("ok") && collector.contains("X:1 Y:2 Z:3 U:0 V:0 W:0")
	}, "lines emitted")

	// Blank lines are dropped
	for _, line := range collector.all() {
		if line == "" {
			t.Error("empty line emitted")
		}
	}
}

func TestLoopStatusPollingCadence(t *testing.T) {
	port := newFakePort()
	startLoop(t, port, testSerialConfig())

	waitFor(t, time.Second, func() bool {
		var m114, m119 int
		for _, line := range port.writtenLines() {
			switch line {
			case command.PositionRequest:
				m114++
			case command.EndstopRequest:
				m119++
			}
		}
		return m114 >= 2 && m119 >= 1
	}, "periodic status requests written")
}

func TestLoopBlockingCommandPausesPolling(t *testing.T) {
	port := newFakePort()
	loop, queue, _ := startLoop(t, port, testSerialConfig())

	queue.Push(command.New("G28"))

	waitFor(t, time.Second, func() bool {
		return loop.PollingState() == PollingPaused
	}, "polling paused after blocking command")

	// No status requests while paused
	time.Sleep(50 * time.Millisecond)
	for _, line := range port.writtenLines() {
		if line == command.PositionRequest || line == command.EndstopRequest {
			t.Fatalf("status request written while paused: %v", port.writtenLines())
		}
	}
}

func TestLoopEarlyAckKeepsPause(t *testing.T) {
	port := newFakePort()
	loop, queue, _ := startLoop(t, port, testSerialConfig())

	queue.Push(command.New("G28"))
	waitFor(t, time.Second, func() bool {
		return loop.PollingState() == PollingPaused
	}, "polling paused")

	// An acknowledgment before the minimum pause is treated as stale
	port.feed("ok\n")
	time.Sleep(10 * time.Millisecond)

	if loop.PollingState() != PollingPaused {
		t.Error("early acknowledgment ended the pause")
	}
}

func TestLoopAckAfterMinPauseResumes(t *testing.T) {
	port := newFakePort()
	loop, queue, _ := startLoop(t, port, testSerialConfig())

	queue.Push(command.New("G28"))
	waitFor(t, time.Second, func() bool {
		return loop.PollingState() == PollingPaused
	}, "polling paused")

	time.Sleep(40 * time.Millisecond) // past MinPause
	port.feed("ok\n")

	waitFor(t, time.Second, func() bool {
		return loop.PollingState() == PollingActive
	}, "polling resumed after acknowledgment")

	// Resume is followed by an immediate status refresh
	waitFor(t, time.Second, func() bool {
		var m114 bool
		for _, line := range port.writtenLines() {
			if line == command.PositionRequest {
				m114 = true
			}
		}
		return m114
	}, "status refresh after resume")
}

func TestLoopMaxPauseForcesResume(t *testing.T) {
	port := newFakePort()
	loop, queue, _ := startLoop(t, port, testSerialConfig())

	queue.Push(command.New("G28"))
	waitFor(t, time.Second, func() bool {
		return loop.PollingState() == PollingPaused
	}, "polling paused")

	// No acknowledgment ever arrives; the pause must still end
	waitFor(t, time.Second, func() bool {
		return loop.PollingState() == PollingActive
	}, "polling force-resumed after max pause")
}

func TestLoopWriteErrorEmitsSentinel(t *testing.T) {
	port := newFakePort()
	loop, queue, collector := startLoop(t, port, testSerialConfig())

	port.setWriteErr(errors.New("device gone"))
	queue.Push(command.New("G1 X10"))

	waitFor(t, time.Second, func() bool {
		return collector.contains(protocol.DisconnectSentinel)
	}, "disconnect sentinel emitted")

	if !loop.Join(time.Second) {
		t.Error("loop did not exit after write failure")
	}
}

func TestLoopReadErrorEmitsSentinel(t *testing.T) {
	port := newFakePort()
	loop, _, collector := startLoop(t, port, testSerialConfig())

	port.setReadErr(errors.New("device gone"))

	waitFor(t, time.Second, func() bool {
		return collector.contains(protocol.DisconnectSentinel)
	}, "disconnect sentinel emitted")

	if !loop.Join(time.Second) {
		t.Error("loop did not exit after read failure")
	}
}

func TestLoopStopJoin(t *testing.T) {
	port := newFakePort()
	loop, _, _ := startLoop(t, port, testSerialConfig())

	loop.Stop()
	if !loop.Join(time.Second) {
		t.Error("loop did not exit after Stop")
	}

	// Stop is idempotent
	loop.Stop()
}
