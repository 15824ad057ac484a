// Package queue implements the scheduler's bounded MPMC task queue with
// three pluggable orderings (FIFO, priority, delay) and the backpressure
// policies applied when the queue is full (§4.2).
package queue

import (
	"errors"
	"time"

	"github.com/sohttp/taskrun/internal/task"
)

// Strategy names the queue's delivery order.
type Strategy int

const (
	FIFO Strategy = iota
	Priority
	Delay
)

func (s Strategy) String() string {
	switch s {
	case FIFO:
		return "fifo"
	case Priority:
		return "priority"
	case Delay:
		return "delay"
	default:
		return "unknown"
	}
}

// Backpressure is the policy applied when Push finds the queue full.
type Backpressure int

const (
	// Block waits until space frees up or the queue closes.
	Block Backpressure = iota
	// Overwrite evicts the least-wanted entry (FIFO: tail; priority:
	// lowest priority; delay: latest deadline) then inserts.
	Overwrite
	// Exception returns ErrFull immediately.
	Exception
	// Drop returns (false, nil) immediately without enqueuing.
	Drop
)

var (
	ErrClosed = errors.New("queue: closed")
	ErrFull   = errors.New("queue: full")
)

// Queue is the shared contract implemented by fifoQueue, priorityQueue
// and delayQueue (§4.2). All operations are safe for concurrent use.
type Queue interface {
	// Push enqueues u under the given backpressure policy. deadline is
	// only meaningful for the delay strategy; pass the zero time for
	// "eligible immediately".
	Push(u *task.Unit, deadline time.Time, bp Backpressure) (bool, error)
	// PushBatch is best-effort; it returns how many of units were accepted.
	PushBatch(units []*task.Unit, bp Backpressure) int
	// Pop blocks until an eligible unit is available or the queue closes
	// and drains empty (returns nil, false).
	Pop() (*task.Unit, bool)
	// PopBatch blocks for at least one eligible unit, then returns up to
	// n currently-eligible units.
	PopBatch(n int) []*task.Unit
	// TryPop returns immediately: (unit, true) or (nil, false).
	TryPop() (*task.Unit, bool)
	// TryPopFor blocks up to d.
	TryPopFor(d time.Duration) (*task.Unit, bool)

	Size() int
	Empty() bool
	Clear()
	Close()
	Closed() bool
	SetMaxSize(n int)
	MaxSize() int
	Strategy() Strategy
}
