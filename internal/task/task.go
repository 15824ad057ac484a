// Package task implements the runtime's work-item hierarchy: a unit
// carries a callable through pending/running/terminal states, delivers
// its result exactly once, and wakes anyone waiting on it.
package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/sohttp/taskrun/internal/task")

// State is the lifecycle state of a Unit. Terminal states are absorbing.
type State int32

const (
	Pending State = iota
	Running
	Completed
	Failed
	Cancelled
	Timeout
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled, Timeout:
		return true
	default:
		return false
	}
}

// Priority buckets, compared only by integer value; ties break by
// insertion order (see internal/queue).
type Priority int32

const (
	PriorityLowest   Priority = -20
	PriorityLow      Priority = -10
	PriorityNormal   Priority = 0
	PriorityHigh     Priority = 10
	PriorityHighest  Priority = 20
	PriorityCritical Priority = 30
)

// Callable is the work a Unit executes. The runtime captures bound
// arguments at submission via closure, not via parameter passing.
type Callable func(ctx context.Context) (any, error)

// Unit is the base task unit (§4.1, §3 "Task unit"). TimedUnit and
// DependentUnit embed it and add fields.
type Unit struct {
	id         uint64
	name       string
	fn         Callable
	priority   int32 // atomic, accessed via atomic.Load/StoreInt32
	state      atomic.Int32
	submitTime time.Time

	mu        sync.Mutex
	startTime time.Time
	endTime   time.Time
	deadline  time.Time
	hasDeadline bool

	result   any
	err      error
	resultCh chan struct{} // closed exactly once, on terminal transition
	once     sync.Once

	cond *sync.Cond // signalled on every terminal transition

	// onTimeout fires at most once when MarkTimeout succeeds and the
	// unit was constructed with one (TimedUnit). nil for Standard units.
	onTimeout func()
	timeoutFired atomic.Bool
}

// New builds a pending Standard unit. name defaults to "task_<id>" if empty.
func New(id uint64, name string, priority Priority, fn Callable) *Unit {
	u := &Unit{
		id:         id,
		name:       name,
		fn:         fn,
		submitTime: time.Now(),
		resultCh:   make(chan struct{}),
	}
	if u.name == "" {
		u.name = defaultName(id)
	}
	u.priority = int32(priority)
	u.state.Store(int32(Pending))
	u.cond = sync.NewCond(&u.mu)
	return u
}

func defaultName(id uint64) string {
	return "task_" + uitoa(id)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (u *Unit) ID() uint64        { return u.id }
func (u *Unit) Name() string      { return u.name }
func (u *Unit) SubmitTime() time.Time { return u.submitTime }

func (u *Unit) GetPriority() Priority { return Priority(atomic.LoadInt32(&u.priority)) }
func (u *Unit) SetPriority(p Priority) { atomic.StoreInt32(&u.priority, int32(p)) }

func (u *Unit) GetState() State { return State(u.state.Load()) }

// SetDeadline installs an absolute deadline. Only meaningful while pending.
func (u *Unit) SetDeadline(t time.Time) {
	u.mu.Lock()
	u.deadline = t
	u.hasDeadline = true
	u.mu.Unlock()
}

// SetTimeout is sugar for SetDeadline(time.Now().Add(d)).
func (u *Unit) SetTimeout(d time.Duration) { u.SetDeadline(time.Now().Add(d)) }

// Deadline returns the configured deadline, if any.
func (u *Unit) Deadline() (time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.deadline, u.hasDeadline
}

func (u *Unit) StartTime() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.startTime
}

func (u *Unit) EndTime() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.endTime
}

// ExecutionError wraps a callable panic/error captured during Execute.
type ExecutionError struct{ Cause error }

func (e *ExecutionError) Error() string { return "task: execution failed: " + e.Cause.Error() }
func (e *ExecutionError) Unwrap() error { return e.Cause }

// ErrNotPending is returned by Execute when the unit did not CAS from Pending.
var ErrNotPending = stateError("task: unit is not pending")

// ErrCancelled/ErrTimeout are the sentinel errors published to the result
// channel when a unit is cancelled or times out before running.
var (
	ErrCancelled = stateError("task: cancelled")
	ErrTimeout   = stateError("task: timeout before start")
)

type stateError string

func (e stateError) Error() string { return string(e) }

// Execute runs the callable if the unit is still pending. It publishes
// exactly one result (value or error) and wakes all waiters.
func (u *Unit) Execute(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Unit.Execute")
	defer span.End()
	span.SetAttributes(attribute.Int64("task.id", int64(u.id)), attribute.String("task.name", u.name))

	if !u.state.CompareAndSwap(int32(Pending), int32(Running)) {
		return ErrNotPending
	}
	u.mu.Lock()
	u.startTime = time.Now()
	u.mu.Unlock()

	val, err := u.runCallable(ctx)

	u.mu.Lock()
	u.endTime = time.Now()
	u.mu.Unlock()

	if err != nil {
		u.finish(Failed, nil, &ExecutionError{Cause: err})
		return err
	}
	u.finish(Completed, val, nil)
	return nil
}

func (u *Unit) runCallable(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = &panicError{v: r}
			}
		}
	}()
	return u.fn(ctx)
}

type panicError struct{ v any }

func (p *panicError) Error() string { return "task: callable panicked" }

// finish performs the terminal transition's bookkeeping: publish result,
// close the channel once, signal the condvar.
func (u *Unit) finish(s State, val any, err error) {
	u.once.Do(func() {
		u.result = val
		u.err = err
		close(u.resultCh)
	})
	u.mu.Lock()
	u.cond.Broadcast()
	u.mu.Unlock()
	_ = s // state already CAS'd by caller before finish is invoked
}

// Cancel attempts the pending->cancelled transition. Returns whether it
// succeeded. On success the callable is never invoked (P9).
func (u *Unit) Cancel() bool {
	if !u.state.CompareAndSwap(int32(Pending), int32(Cancelled)) {
		return false
	}
	u.mu.Lock()
	u.endTime = time.Now()
	u.mu.Unlock()
	u.finish(Cancelled, nil, ErrCancelled)
	return true
}

// MarkTimeout attempts the pending->timeout transition; fires the
// timeout callback (if any) at most once.
func (u *Unit) MarkTimeout() bool {
	if !u.state.CompareAndSwap(int32(Pending), int32(Timeout)) {
		return false
	}
	u.mu.Lock()
	u.endTime = time.Now()
	u.mu.Unlock()
	u.finish(Timeout, nil, ErrTimeout)
	if u.onTimeout != nil && u.timeoutFired.CompareAndSwap(false, true) {
		u.onTimeout()
	}
	return true
}

// IsResultReady reports whether a terminal state has been reached.
func (u *Unit) IsResultReady() bool { return u.GetState().Terminal() }

// Wait blocks until the unit reaches a terminal state.
func (u *Unit) Wait() { <-u.resultCh }

// WaitFor blocks up to d, returning whether a terminal state was observed.
func (u *Unit) WaitFor(d time.Duration) bool {
	select {
	case <-u.resultCh:
		return true
	case <-time.After(d):
		return false
	}
}

// GetResult blocks until terminal, then returns the value or the captured
// error. Each call observes the same single published result.
func (u *Unit) GetResult() (any, error) {
	<-u.resultCh
	return u.result, u.err
}
