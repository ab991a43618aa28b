package notify

import (
	"log/slog"
	"sync"
	"time"
)

// dispatchBuffer bounds the pending-event queue. Publishing never blocks the
// I/O loop; an overflow is logged, never silent.
const dispatchBuffer = 256

// Dispatcher delivers events to subscribers asynchronously from a single
// goroutine, preserving publish order. Delivery is never reentrant into the
// publisher, so the I/O loop and connection manager can publish while holding
// no locks across the boundary.
type Dispatcher struct {
	events chan Event
	done   chan struct{}
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers []Callback

	stopOnce sync.Once
}

// NewDispatcher creates a Dispatcher. Call Start before publishing.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		events: make(chan Event, dispatchBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Subscribe registers a callback for all subsequent events.
func (d *Dispatcher) Subscribe(cb Callback) {
	d.mu.Lock()
	d.subscribers = append(d.subscribers, cb)
	d.mu.Unlock()
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop stops delivery after draining pending events.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
}

// Publish enqueues an event for asynchronous delivery. Safe from any
// goroutine; drops (with a log line) only when the dispatch buffer is full.
func (d *Dispatcher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case d.events <- event:
	default:
		d.logger.Warn("Event dispatch buffer full, dropping event", "type", event.Type)
	}
}

func (d *Dispatcher) run() {
	for {
		select {
		case event := <-d.events:
			d.deliver(event)
		case <-d.done:
			// Drain whatever was queued before the stop
			for {
				select {
				case event := <-d.events:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	d.mu.RLock()
	subs := make([]Callback, len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.RUnlock()

	for _, cb := range subs {
		cb(event)
	}
}
