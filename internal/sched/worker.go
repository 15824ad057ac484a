// Package sched implements the worker (C3) and scheduler (C4): a
// dynamically-scaled set of goroutines that dequeue and execute task
// units from a pluggable queue, with adaptive polling and an autoscaling
// control loop (§4.3, §4.4).
package sched

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/sohttp/taskrun/internal/queue"
	"github.com/sohttp/taskrun/internal/task"
)

// WorkerState is the worker's own lifecycle state, distinct from any
// task unit's state.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerStopped
	WorkerError
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	case WorkerError:
		return "error"
	default:
		return "unknown"
	}
}

// WorkerStats accumulates per-worker execution counters (§3 "Worker").
type WorkerStats struct {
	Executed     uint64
	Failed       uint64
	ExecMicros   uint64
	IdleMicros   uint64
	StartTime    time.Time
	LastTaskTime time.Time
}

// WorkerHooks are optional lifecycle callbacks. Any of them may be nil.
// Adapted from the original's on_start/on_stop/before_task/after_task
// hooks (original_source/server/model/sched/integration.hpp).
type WorkerHooks struct {
	OnStart    func(name string)
	OnStop     func(name string)
	OnError    func(name string, err error)
	BeforeTask func(name string, u *task.Unit)
	AfterTask  func(name string, u *task.Unit, err error)
}

const (
	minPollTimeout  = 50 * time.Millisecond
	maxPollTimeout  = 100 * time.Millisecond
	maxIdleSleep    = 100 * time.Millisecond
	loadSmoothing   = 0.1
)

// Worker owns a goroutine dequeuing from q and executing units (§4.3).
type Worker struct {
	name     string
	q        queue.Queue
	hooks    WorkerHooks
	pausedFn func() bool

	state atomic.Int32

	executed     atomic.Uint64
	failed       atomic.Uint64
	execMicros   atomic.Uint64
	idleMicros   atomic.Uint64
	startTime    time.Time
	lastTaskUnix atomic.Int64

	// Adaptive polling (§4.3 "Adaptive worker extension").
	loadBits    atomic.Uint64 // float64 bits, EMA load factor in [0,1]
	emptyPolls  atomic.Int64
	idleSleep   atomic.Int64 // nanoseconds

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewWorker(name string, q queue.Queue, hooks WorkerHooks, pausedFn func() bool) *Worker {
	w := &Worker{
		name:      name,
		q:         q,
		hooks:     hooks,
		pausedFn:  pausedFn,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	w.state.Store(int32(WorkerIdle))
	return w
}

func (w *Worker) Name() string       { return w.name }
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *Worker) Stats() WorkerStats {
	lastUnix := w.lastTaskUnix.Load()
	var last time.Time
	if lastUnix != 0 {
		last = time.Unix(0, lastUnix)
	}
	return WorkerStats{
		Executed:     w.executed.Load(),
		Failed:       w.failed.Load(),
		ExecMicros:   w.execMicros.Load(),
		IdleMicros:   w.idleMicros.Load(),
		StartTime:    w.startTime,
		LastTaskTime: last,
	}
}

func (w *Worker) loadFactor() float64 {
	return float64frombits(w.loadBits.Load())
}

func float64tobits(f float64) uint64    { return math.Float64bits(f) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

// Start launches the worker's goroutine. Start is not idempotent; call
// it once per Worker.
func (w *Worker) Start() {
	w.state.Store(int32(WorkerRunning))
	go w.loop()
}

func (w *Worker) loop() {
	defer close(w.doneCh)
	if w.hooks.OnStart != nil {
		w.hooks.OnStart(w.name)
	}

	for {
		select {
		case <-w.stopCh:
			w.state.Store(int32(WorkerStopped))
			if w.hooks.OnStop != nil {
				w.hooks.OnStop(w.name)
			}
			return
		default:
		}

		if w.pausedFn != nil && w.pausedFn() {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		timeout := w.popTimeout()
		u, ok := w.q.TryPopFor(timeout)
		if !ok {
			if w.q.Closed() && w.q.Empty() {
				w.state.Store(int32(WorkerStopped))
				if w.hooks.OnStop != nil {
					w.hooks.OnStop(w.name)
				}
				return
			}
			w.state.Store(int32(WorkerIdle))
			w.onEmptyPoll()
			continue
		}
		w.state.Store(int32(WorkerRunning))
		w.onSuccessfulPop()
		w.execute(u)
	}
}

func (w *Worker) popTimeout() time.Duration {
	t := minPollTimeout + time.Duration(w.loadFactor()*float64(minPollTimeout))
	if t > maxPollTimeout {
		t = maxPollTimeout
	}
	return t
}

func (w *Worker) onEmptyPoll() {
	n := w.emptyPolls.Add(1)
	w.updateLoad(0)
	sleep := time.Duration(n/10) * time.Millisecond
	if sleep > maxIdleSleep {
		sleep = maxIdleSleep
	}
	w.idleSleep.Store(int64(sleep))
	start := time.Now()
	time.Sleep(sleep)
	w.idleMicros.Add(uint64(time.Since(start).Microseconds()))
}

func (w *Worker) onSuccessfulPop() {
	w.emptyPolls.Store(0)
	w.idleSleep.Store(0)
	w.updateLoad(1)
}

func (w *Worker) updateLoad(sample float64) {
	for {
		old := w.loadBits.Load()
		oldVal := float64frombits(old)
		newVal := loadSmoothing*sample + (1-loadSmoothing)*oldVal
		if w.loadBits.CompareAndSwap(old, float64tobits(newVal)) {
			return
		}
	}
}

// execute runs u without checking dependencies: Facade.SubmitReliance
// hands a dependent unit to the scheduler only after its predecessors
// complete, so by the time execute runs, u is assumed eligible.
func (w *Worker) execute(u *task.Unit) {
	if w.hooks.BeforeTask != nil {
		w.hooks.BeforeTask(w.name, u)
	}

	if dl, has := u.Deadline(); has && time.Now().After(dl) {
		u.MarkTimeout()
		w.failed.Add(1)
		w.lastTaskUnix.Store(time.Now().UnixNano())
		if w.hooks.AfterTask != nil {
			w.hooks.AfterTask(w.name, u, task.ErrTimeout)
		}
		return
	}

	start := time.Now()
	err := u.Execute(context.Background())
	w.execMicros.Add(uint64(time.Since(start).Microseconds()))
	w.lastTaskUnix.Store(time.Now().UnixNano())

	if err != nil {
		w.failed.Add(1)
		if w.hooks.OnError != nil {
			w.hooks.OnError(w.name, err)
		} else {
			w.state.Store(int32(WorkerError))
			w.state.Store(int32(WorkerRunning))
		}
	} else {
		w.executed.Add(1)
	}

	if w.hooks.AfterTask != nil {
		w.hooks.AfterTask(w.name, u, err)
	}
}

// Stop signals the worker to stop after its current task. If wait is
// true, Stop blocks until the goroutine has exited.
func (w *Worker) Stop(wait bool) {
	w.state.Store(int32(WorkerStopping))
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if wait {
		<-w.doneCh
	}
}

// Done returns a channel closed when the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }
