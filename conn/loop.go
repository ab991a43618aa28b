// Package conn owns the serial connection lifecycle: the background I/O loop
// and the connection manager that creates and tears it down.
package conn

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otherworld-dev/Bifr-st/command"
	"github.com/otherworld-dev/Bifr-st/config"
	"github.com/otherworld-dev/Bifr-st/protocol"
	"github.com/otherworld-dev/Bifr-st/serial"
)

// PollingState is the status-polling sub-state of the I/O loop
type PollingState int32

const (
	PollingActive PollingState = iota
	PollingPaused
)

func (s PollingState) String() string {
	switch s {
	case PollingActive:
		return "active"
	case PollingPaused:
		return "paused"
	default:
		return "unknown"
	}
}

const (
	// readBufferSize is the per-iteration read buffer
	readBufferSize = 4096

	// maxLinesPerIteration bounds how many buffered lines one iteration may
	// drain, so the write path is never starved by a read backlog
	maxLinesPerIteration = 10

	// avgLineLength is the line-length estimate used to size the drain batch
	avgLineLength = 30

	// idleSleep is used while the port reports closed
	idleSleep = 100 * time.Millisecond
)

// Loop is the background I/O loop for one serial session. It holds exclusive
// read/write access to the port for the session's lifetime: it writes queued
// commands (priority lane first), polls position and endstop status on
// independent cadences, pauses polling across blocking commands, and emits
// every received line. A failed read or write is fatal to the loop instance;
// it emits the disconnect sentinel and exits. Reconnection is the connection
// manager's job.
type Loop struct {
	port   *serial.PortWithStats
	queue  *command.Queue
	cfg    *config.SerialConfig
	emit   func(line string)
	logger *slog.Logger

	polling atomic.Int32

	// Owned by the loop goroutine
	pauseStart      time.Time
	lastPositionReq time.Time
	lastEndstopReq  time.Time
	lineBuf         []byte
	readBuf         []byte

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewLoop creates a Loop for an open port. emit receives every non-empty
// received line, plus the disconnect sentinel on a fatal I/O error.
func NewLoop(port *serial.PortWithStats, queue *command.Queue, cfg *config.SerialConfig, emit func(string), logger *slog.Logger) *Loop {
	return &Loop{
		port:    port,
		queue:   queue,
		cfg:     cfg,
		emit:    emit,
		logger:  logger,
		readBuf: make([]byte, readBufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the loop goroutine. Polling starts Active.
func (l *Loop) Start() {
	now := time.Now()
	l.lastPositionReq = now
	l.lastEndstopReq = now
	l.polling.Store(int32(PollingActive))

	go l.run()
}

// Stop signals the loop to exit. The stop flag is observed at the top of each
// iteration; use Join to wait for the exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Join waits up to timeout for the loop goroutine to exit. Returns false on
// timeout; teardown proceeds regardless.
func (l *Loop) Join(timeout time.Duration) bool {
	select {
	case <-l.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PollingState returns the current polling sub-state
func (l *Loop) PollingState() PollingState {
	return PollingState(l.polling.Load())
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			l.logger.Info("Serial I/O loop stopped")
			return
		default:
		}

		if !l.port.IsOpen() {
			time.Sleep(idleSleep)
			continue
		}

		if !l.writeNext(time.Now()) {
			return
		}

		l.checkPauseTimeout(time.Now())
		l.sendStatusRequests(time.Now())

		if !l.readLines() {
			return
		}

		time.Sleep(l.cfg.LoopSleep())
	}
}

// writeNext dequeues at most one command (priority lane first) and writes it.
// Returns false on a write failure, which is fatal to this loop instance.
func (l *Loop) writeNext(now time.Time) bool {
	cmd, ok := l.queue.Pop()
	if !ok {
		return true
	}

	if _, err := l.port.Write(cmd.Encode()); err != nil {
		l.logger.Error("Serial write failed", "command", cmd.Text, "error", err)
		l.emit(protocol.DisconnectSentinel)
		return false
	}

	if cmd.IsBlocking() {
		l.polling.Store(int32(PollingPaused))
		l.pauseStart = now
		l.logger.Info("Pausing status polling for blocking command", "command", cmd.Text)
	}

	return true
}

// checkPauseTimeout force-resumes polling when a blocking command never
// produces an acknowledgment. Liveness guard against a mute controller.
func (l *Loop) checkPauseTimeout(now time.Time) {
	if l.PollingState() != PollingPaused {
		return
	}

	paused := now.Sub(l.pauseStart)
	if paused < l.cfg.MaxPause() {
		return
	}

	l.polling.Store(int32(PollingActive))
	l.logger.Warn("Forcing resume of status polling after timeout",
		"paused", paused,
		"max", l.cfg.MaxPause())
	l.requestImmediateStatus()
}

// sendStatusRequests enqueues periodic position and endstop requests. The two
// cadences run on independent timers. Nothing is enqueued while paused.
func (l *Loop) sendStatusRequests(now time.Time) {
	if l.PollingState() == PollingPaused {
		return
	}

	if now.Sub(l.lastPositionReq) > l.cfg.PositionInterval() {
		l.lastPositionReq = now
		if err := l.queue.Push(command.NewPriority(command.PositionRequest)); err != nil {
			l.logger.Error("Error queuing position request", "error", err)
		}
	}

	if now.Sub(l.lastEndstopReq) > l.cfg.EndstopInterval() {
		l.lastEndstopReq = now
		if err := l.queue.Push(command.NewPriority(command.EndstopRequest)); err != nil {
			l.logger.Error("Error queuing endstop request", "error", err)
		}
	}
}

// readLines reads available bytes and emits complete lines. The read doubles
// as the liveness probe: any read error is fatal to this loop instance.
// Returns false when the loop must terminate.
func (l *Loop) readLines() bool {
	n, err := l.port.Read(l.readBuf)
	if err != nil {
		l.logger.Error("Serial read failed", "error", err)
		l.emit(protocol.DisconnectSentinel)
		return false
	}

	if n > 0 {
		l.lineBuf = append(l.lineBuf, l.readBuf[:n]...)
	}

	// Bounded batch: estimate how many lines are buffered and drain at most
	// that many, capped, so one iteration can't monopolize the loop.
	batch := len(l.lineBuf) / avgLineLength
	if batch < 1 {
		batch = 1
	}
	if batch > maxLinesPerIteration {
		batch = maxLinesPerIteration
	}

	for i := 0; i < batch; i++ {
		idx := bytes.IndexByte(l.lineBuf, '\n')
		if idx < 0 {
			break
		}

		line := strings.TrimSpace(string(l.lineBuf[:idx]))
		l.lineBuf = l.lineBuf[idx+1:]

		if line == "" {
			continue
		}

		l.port.LineRead()
		l.emit(line)
		l.checkBlockingComplete(line, time.Now())
	}

	return true
}

// checkBlockingComplete ends a polling pause when an acknowledgment arrives
// after the minimum pause. An earlier "ok" is ignored; it may be a stale
// acknowledgment unrelated to the blocking operation.
func (l *Loop) checkBlockingComplete(line string, now time.Time) {
	if l.PollingState() != PollingPaused {
		return
	}

	if !strings.Contains(strings.ToLower(line), "ok") {
		return
	}

	elapsed := now.Sub(l.pauseStart)
	if elapsed < l.cfg.MinPause() {
		l.logger.Debug("Acknowledgment before minimum pause, staying paused",
			"elapsed", elapsed,
			"min", l.cfg.MinPause())
		return
	}

	l.polling.Store(int32(PollingActive))
	l.logger.Info("Resuming status polling after blocking command", "elapsed", elapsed)
	l.requestImmediateStatus()
}

// requestImmediateStatus enqueues an out-of-band position+endstop refresh,
// used when polling resumes after a blocking command.
func (l *Loop) requestImmediateStatus() {
	if err := l.queue.Push(command.NewPriority(command.PositionRequest)); err != nil {
		l.logger.Error("Error queuing position refresh", "error", err)
	}
	if err := l.queue.Push(command.NewPriority(command.EndstopRequest)); err != nil {
		l.logger.Error("Error queuing endstop refresh", "error", err)
	}
}
