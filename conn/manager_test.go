package conn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/otherworld-dev/Bifr-st/command"
	"github.com/otherworld-dev/Bifr-st/notify"
	"github.com/otherworld-dev/Bifr-st/serial"
)

// eventRecorder collects dispatched events
type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *eventRecorder) record(event notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(eventType string) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []notify.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *eventRecorder, *fakePort) {
	t.Helper()

	logger := testLogger()
	dispatcher := notify.NewDispatcher(logger)
	recorder := &eventRecorder{}
	dispatcher.Subscribe(recorder.record)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	cfg := testSerialConfig()
	queue := command.NewQueue(cfg.QueueCapacity)
	manager := NewManager(cfg, queue, dispatcher, logger)

	port := newFakePort()
	manager.SetPortOpener(func(device string, baudRate int) (serial.Port, error) {
		return port, nil
	})

	t.Cleanup(manager.Disconnect)

	return manager, recorder, port
}

func TestConnectRejectsEmptyPort(t *testing.T) {
	manager, _, _ := newTestManager(t)

	if err := manager.Connect("", "115200"); err != ErrNoPort {
		t.Errorf("Connect with empty port = %v, want ErrNoPort", err)
	}
}

func TestConnectRejectsEmptyBaud(t *testing.T) {
	manager, _, _ := newTestManager(t)

	if err := manager.Connect("/dev/ttyUSB0", ""); err != ErrNoBaud {
		t.Errorf("Connect with empty baud = %v, want ErrNoBaud", err)
	}
}

func TestConnectRejectsBadBaud(t *testing.T) {
	manager, _, _ := newTestManager(t)

	if err := manager.Connect("/dev/ttyUSB0", "fast"); err == nil {
		t.Error("Connect with non-numeric baud succeeded")
	}
}

func TestConnectLifecycle(t *testing.T) {
	manager, recorder, _ := newTestManager(t)

	if manager.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want disconnected", manager.State())
	}

	if err := manager.Connect("/dev/ttyUSB0", "115200"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, time.Second, manager.IsConnected, "connection established")

	if manager.State() != StateConnected {
		t.Errorf("state = %v, want connected", manager.State())
	}
	if manager.CurrentPort() != "/dev/ttyUSB0" {
		t.Errorf("CurrentPort() = %q", manager.CurrentPort())
	}
	if manager.CurrentBaud() != "115200" {
		t.Errorf("CurrentBaud() = %q", manager.CurrentBaud())
	}

	waitFor(t, time.Second, func() bool {
		return len(recorder.ofType(notify.EventConnected)) == 1
	}, "connected event published")

	connected := recorder.ofType(notify.EventConnected)[0]
	if connected.Port != "/dev/ttyUSB0" || connected.Baud != "115200" {
		t.Errorf("connected event = %+v", connected)
	}

	changes := recorder.ofType(notify.EventStateChange)
	if len(changes) < 2 {
		t.Fatalf("state changes = %d, want at least 2", len(changes))
	}
}

func TestConnectFailure(t *testing.T) {
	manager, recorder, _ := newTestManager(t)
	manager.SetPortOpener(func(device string, baudRate int) (serial.Port, error) {
		return nil, errors.New("no such device")
	})

	if err := manager.Connect("/dev/ttyUSB9", "115200"); err != nil {
		t.Fatalf("Connect failed synchronously: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return manager.State() == StateError
	}, "error state reached")

	if manager.IsConnected() {
		t.Error("IsConnected() = true in error state")
	}

	waitFor(t, time.Second, func() bool {
		return len(recorder.ofType(notify.EventError)) == 1
	}, "error event published")
}

func TestConnectTimeout(t *testing.T) {
	manager, _, _ := newTestManager(t)
	manager.SetPortOpener(func(device string, baudRate int) (serial.Port, error) {
		time.Sleep(time.Second)
		return newFakePort(), nil
	})

	if err := manager.Connect("/dev/ttyUSB0", "115200"); err != nil {
		t.Fatalf("Connect failed synchronously: %v", err)
	}

	// OpenTimeoutMS is 100 in the test config
	waitFor(t, 2*time.Second, func() bool {
		return manager.State() == StateError
	}, "timed-out open reported as error")
}

func TestDisconnect(t *testing.T) {
	manager, recorder, port := newTestManager(t)

	manager.Connect("/dev/ttyUSB0", "115200")
	waitFor(t, time.Second, manager.IsConnected, "connection established")

	manager.Disconnect()

	if manager.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", manager.State())
	}
	if manager.CurrentPort() != "" {
		t.Errorf("CurrentPort() = %q after disconnect", manager.CurrentPort())
	}

	port.mu.Lock()
	closed := port.closed
	port.mu.Unlock()
	if !closed {
		t.Error("port not closed on disconnect")
	}

	waitFor(t, time.Second, func() bool {
		return len(recorder.ofType(notify.EventDisconnected)) == 1
	}, "disconnected event published")
}

func TestRequestPositionUpdateWhenDisconnected(t *testing.T) {
	manager, _, _ := newTestManager(t)

	if err := manager.RequestPositionUpdate(); err != ErrNotConnected {
		t.Errorf("RequestPositionUpdate while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestRequestPositionUpdate(t *testing.T) {
	manager, _, port := newTestManager(t)

	manager.Connect("/dev/ttyUSB0", "115200")
	waitFor(t, time.Second, manager.IsConnected, "connection established")

	if err := manager.RequestPositionUpdate(); err != nil {
		t.Fatalf("RequestPositionUpdate failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		var m114, m119 bool
		for _, line := range port.writtenLines() {
			switch line {
			case command.PositionRequest:
				m114 = true
			case command.EndstopRequest:
				m119 = true
			}
		}
		return m114 && m119
	}, "status requests written")
}

func TestPushWhenDisconnected(t *testing.T) {
	manager, _, _ := newTestManager(t)

	if err := manager.Push(command.New("G1 X10")); err != ErrNotConnected {
		t.Errorf("Push while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestLineEventsFlowThroughDispatcher(t *testing.T) {
	manager, recorder, port := newTestManager(t)

	manager.Connect("/dev/ttyUSB0", "115200")
	waitFor(t, time.Second, manager.IsConnected, "connection established")

	port.feed("ok\n")

	waitFor(t, time.Second, func() bool {
		for _, e := range recorder.ofType(notify.EventLine) {
			if e.Line == "ok" {
				return true
			}
		}
		return false
	}, "line event delivered")
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateError, "error"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
