package command

import (
	"errors"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrQueueFull is returned by Push when the target lane has no room.
// Callers never block on a full queue.
var ErrQueueFull = errors.New("command queue full")

// DefaultQueueCapacity is the per-lane capacity used when none is configured
const DefaultQueueCapacity = 256

// Queue is the command channel between the controlling context and the I/O
// loop: concurrent enqueue from any goroutine, single-consumer dequeue by the
// loop. Two bounded lanes; the priority lane is always drained first.
type Queue struct {
	priority *xsync.MPMCQueueOf[Command]
	normal   *xsync.MPMCQueueOf[Command]

	priorityLen atomic.Int64
	normalLen   atomic.Int64
}

// NewQueue creates a Queue with the given per-lane capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		priority: xsync.NewMPMCQueueOf[Command](capacity),
		normal:   xsync.NewMPMCQueueOf[Command](capacity),
	}
}

// Push enqueues a command on its lane. Returns ErrQueueFull when the lane is
// at capacity.
func (q *Queue) Push(cmd Command) error {
	if cmd.Priority {
		if !q.priority.TryEnqueue(cmd) {
			return ErrQueueFull
		}
		q.priorityLen.Add(1)
		return nil
	}

	if !q.normal.TryEnqueue(cmd) {
		return ErrQueueFull
	}
	q.normalLen.Add(1)
	return nil
}

// Pop dequeues the next command, priority lane first. Returns false when both
// lanes are empty. Only the I/O loop calls Pop.
func (q *Queue) Pop() (Command, bool) {
	if cmd, ok := q.priority.TryDequeue(); ok {
		q.priorityLen.Add(-1)
		return cmd, true
	}

	if cmd, ok := q.normal.TryDequeue(); ok {
		q.normalLen.Add(-1)
		return cmd, true
	}

	return Command{}, false
}

// Len returns the current depth of each lane
func (q *Queue) Len() (priority, normal int) {
	return int(q.priorityLen.Load()), int(q.normalLen.Load())
}
