package protocol

import (
	"log/slog"
	"sync"
	"time"
)

// Handlers are the collaborator callbacks the router dispatches to. Any nil
// handler is skipped.
type Handlers struct {
	Position   func(line string) // M114 report received
	Endstop    func(line string) // M119 report received
	Disconnect func()            // serial connection lost

	// Homing state. IsHoming is owned by the movement layer; the router only
	// reads it. When an acknowledgment arrives while homing, the router calls
	// HomingComplete, requests a position refresh and flags a pending sync of
	// displayed targets to actual positions.
	IsHoming              func() bool
	HomingComplete        func()
	RequestPositionUpdate func()
	SetSyncPending        func()

	// TriggerSync resyncs displayed command targets to the actual reported
	// position. Invoked on the first position report after homing.
	TriggerSync func()
}

// Result describes how a line was routed
type Result struct {
	Class         Class
	Handled       bool
	Show          bool
	SyncTriggered bool
}

// Router classifies incoming serial lines and dispatches them to handlers.
// It is driven from the notification context, one line at a time.
type Router struct {
	handlers   Handlers
	echoWindow time.Duration
	logger     *slog.Logger

	mu             sync.Mutex
	lastManualSend time.Time
}

// NewRouter creates a Router. echoWindow is the interval after a manual send
// during which every received line is force-displayed.
func NewRouter(handlers Handlers, echoWindow time.Duration, logger *slog.Logger) *Router {
	return &Router{
		handlers:   handlers,
		echoWindow: echoWindow,
		logger:     logger,
	}
}

// MarkManualCommandSent resets the manual-echo window. Callers invoke this
// immediately before transmitting a user-initiated command so its response
// bypasses console suppression.
func (r *Router) MarkManualCommandSent() {
	r.mu.Lock()
	r.lastManualSend = time.Now()
	r.mu.Unlock()
}

// Route dispatches one line. verboseShow and okShow control whether position
// and acknowledgment lines reach the console; syncPending indicates a resync
// to actual positions is outstanding.
func (r *Router) Route(line string, verboseShow, okShow, syncPending bool) Result {
	class := Classify(line)

	if class == ClassDisconnect {
		return r.handleDisconnect()
	}

	// Homing completion is checked before the echo window: a homing "ok" must
	// drive the resync even when the user just sent the G28 manually.
	if class == ClassOk {
		r.checkHomingCompletion()
	}

	if r.withinEchoWindow() {
		return Result{Class: class, Handled: false, Show: true}
	}

	switch class {
	case ClassEndstop:
		if r.handlers.Endstop != nil {
			r.handlers.Endstop(line)
		}
		return Result{Class: class, Handled: true, Show: false}

	case ClassPosition:
		return r.handlePosition(line, verboseShow, syncPending)

	case ClassOk:
		return Result{Class: class, Handled: true, Show: okShow}

	default:
		return Result{Class: ClassOther, Handled: false, Show: true}
	}
}

func (r *Router) withinEchoWindow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastManualSend) < r.echoWindow && !r.lastManualSend.IsZero()
}

func (r *Router) handleDisconnect() Result {
	if r.handlers.Disconnect != nil {
		r.handlers.Disconnect()
	}

	r.logger.Warn("Serial connection lost")
	return Result{Class: ClassDisconnect, Handled: true, Show: false}
}

func (r *Router) handlePosition(line string, verboseShow, syncPending bool) Result {
	if r.handlers.Position != nil {
		r.handlers.Position(line)
	}

	if syncPending && r.handlers.TriggerSync != nil {
		r.handlers.TriggerSync()
	}

	return Result{
		Class:         ClassPosition,
		Handled:       true,
		Show:          verboseShow,
		SyncTriggered: syncPending,
	}
}

// checkHomingCompletion fires the post-homing actions when an acknowledgment
// arrives while a homing cycle is in progress.
func (r *Router) checkHomingCompletion() {
	if r.handlers.IsHoming == nil || !r.handlers.IsHoming() {
		return
	}

	r.logger.Info("Homing cycle completed")

	if r.handlers.HomingComplete != nil {
		r.handlers.HomingComplete()
	}

	if r.handlers.RequestPositionUpdate != nil {
		r.handlers.RequestPositionUpdate()
	}

	if r.handlers.SetSyncPending != nil {
		r.handlers.SetSyncPending()
	}
}
