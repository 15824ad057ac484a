// Package pool implements the user-facing thread-pool facade (C5):
// submission API, task tracking, statistics, and lifecycle state
// machine (§4.5). It adapts the teacher's internal/jobs.Manager
// (TTL-based cleanup goroutine over a registry of named pools) into a
// single richer facade over internal/sched and internal/queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sohttp/taskrun/internal/queue"
	"github.com/sohttp/taskrun/internal/sched"
	"github.com/sohttp/taskrun/internal/task"
)

func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }
func floatToBits(f float64) uint64   { return math.Float64bits(f) }

// State is the pool facade's lifecycle state (§4.5).
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePausing
	StatePaused
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config configures a Facade.
type Config struct {
	Name string

	MinThreads     int
	MaxThreads     int
	CoreThreads    int
	InitialThreads int

	QueueStrategy queue.Strategy
	MaxQueueSize  int
	Tactic        sched.Tactic

	DefaultBackpressure queue.Backpressure

	// EnableMonitoring populates the task-id -> unit map and runs the
	// monitor/cleanup goroutines (§4.5 "Monitoring").
	EnableMonitoring bool
	CleanupInterval  time.Duration
	TaskTimeout      time.Duration // 0 disables the global task timeout

	ShutdownTimeout time.Duration

	Scale sched.ScaleConfig
}

// DefaultConfig returns sane defaults derived from min/max/core.
func DefaultConfig(name string, min, max, core int) Config {
	return Config{
		Name:                name,
		MinThreads:          min,
		MaxThreads:          max,
		CoreThreads:         core,
		InitialThreads:      core,
		QueueStrategy:       queue.FIFO,
		MaxQueueSize:        0,
		Tactic:              sched.Adaptive,
		DefaultBackpressure: queue.Block,
		EnableMonitoring:    true,
		CleanupInterval:     3 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		Scale:               sched.DefaultScaleConfig(min, max, core),
	}
}

// Stats is the facade's cumulative counters and gauges (§3 "Pool facade").
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	TimedOut  uint64

	PeakThroughput float64
	PeakThreads    int
	PeakQueueLen   int

	LastActivity time.Time
	Uptime       time.Duration
}

// EventFunc receives (category, message) pairs (§6 "Events").
type EventFunc func(category, message string)

// StatsFunc receives periodic statistics snapshots.
type StatsFunc func(Stats)

// Facade is the user-facing pool (C5).
type Facade struct {
	cfg   Config
	sched *sched.Scheduler

	state atomic.Int32
	idCtr atomic.Uint64

	tasksMu sync.RWMutex
	tasks   map[uint64]*task.Unit

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	timedOut  atomic.Uint64

	peakThroughputBits atomic.Uint64
	peakThreads        atomic.Int64
	peakQueueLen       atomic.Int64
	lastActivityUnix   atomic.Int64

	startedAt time.Time

	onEvent EventFunc
	onStats StatsFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var (
	ErrNotRunning  = errors.New("pool: not running")
	ErrBadState    = errors.New("pool: invalid state transition")
	ErrTaskUnknown = errors.New("pool: unknown task id")
)

// New builds a Facade in the Stopped state.
func New(cfg Config) *Facade {
	f := &Facade{
		cfg:    cfg,
		tasks:  make(map[uint64]*task.Unit),
		stopCh: make(chan struct{}),
	}
	f.state.Store(int32(StateStopped))
	return f
}

func (f *Facade) State() State { return State(f.state.Load()) }

func (f *Facade) OnEvent(fn EventFunc) { f.onEvent = fn }
func (f *Facade) OnStats(fn StatsFunc) { f.onStats = fn }

func (f *Facade) emit(category, format string, args ...any) {
	if f.onEvent != nil {
		f.onEvent(category, fmt.Sprintf(format, args...))
	}
}

// Start transitions stopped->starting->running, building the scheduler
// and launching monitoring if enabled.
func (f *Facade) Start() error {
	if !f.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrBadState
	}

	q := queue.New(f.cfg.QueueStrategy, f.cfg.MaxQueueSize)
	hooks := sched.WorkerHooks{
		AfterTask: f.afterTask,
	}
	f.sched = sched.New(q, f.cfg.Scale, f.cfg.Tactic, hooks)
	f.sched.OnEvent(func(cat, msg string) { f.emit(cat, "%s", msg) })
	f.sched.Start(f.cfg.InitialThreads)

	f.startedAt = time.Now()
	f.state.Store(int32(StateRunning))
	f.emit("lifecycle", "pool %q started", f.cfg.Name)

	if f.cfg.EnableMonitoring {
		f.wg.Add(1)
		go f.monitorLoop()
	}
	return nil
}

func (f *Facade) afterTask(_ string, u *task.Unit, err error) {
	f.lastActivityUnix.Store(time.Now().UnixNano())
	switch u.GetState() {
	case task.Completed:
		f.completed.Add(1)
	case task.Failed:
		f.failed.Add(1)
	case task.Cancelled:
		f.cancelled.Add(1)
	case task.Timeout:
		f.timedOut.Add(1)
	}
	if f.cfg.EnableMonitoring && u.GetState().Terminal() {
		// Entries are reaped by the cleanup sweep, not immediately, so a
		// caller polling WaitFor/Lookup right after completion still
		// finds the task.
		_ = err
	}
}

func (f *Facade) nextID() uint64 { return f.idCtr.Add(1) }

func (f *Facade) track(u *task.Unit) {
	if !f.cfg.EnableMonitoring {
		return
	}
	f.tasksMu.Lock()
	f.tasks[u.ID()] = u
	f.tasksMu.Unlock()
}

// Submit enqueues fn at normal priority and returns its unit handle.
func (f *Facade) Submit(fn task.Callable) (*task.Unit, error) {
	return f.SubmitPriority(task.PriorityNormal, fn)
}

// SubmitPriority enqueues fn at the given priority.
func (f *Facade) SubmitPriority(p task.Priority, fn task.Callable) (*task.Unit, error) {
	if f.State() != StateRunning {
		return nil, ErrNotRunning
	}
	u := task.New(f.nextID(), "", p, fn)
	f.track(u)
	ok, err := f.sched.Submit(u, f.cfg.DefaultBackpressure)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, queue.ErrFull
	}
	f.submitted.Add(1)
	f.lastActivityUnix.Store(time.Now().UnixNano())
	f.emit("task_submitted", "task %d submitted (priority=%d)", u.ID(), p)
	return u, nil
}

// SubmitTimeout enqueues fn with a pre-start deadline: if it is still
// pending when d elapses, it completes with task.ErrTimeout instead of
// running (§4.5 "submit_timeout").
func (f *Facade) SubmitTimeout(d time.Duration, fn task.Callable) (*task.Unit, error) {
	if f.State() != StateRunning {
		return nil, ErrNotRunning
	}
	u := task.NewTimed(f.nextID(), "", task.PriorityNormal, fn, nil)
	u.SetTimeout(d)
	f.track(u)
	ok, err := f.sched.Submit(u, f.cfg.DefaultBackpressure)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, queue.ErrFull
	}
	f.submitted.Add(1)
	return u, nil
}

// SubmitDelayed enqueues fn eligible only after d elapses. Effective
// only when the pool's queue strategy is Delay (§4.5).
func (f *Facade) SubmitDelayed(d time.Duration, fn task.Callable) (*task.Unit, error) {
	if f.State() != StateRunning {
		return nil, ErrNotRunning
	}
	u := task.New(f.nextID(), "", task.PriorityNormal, fn)
	f.track(u)
	ok, err := f.sched.SubmitDelayed(u, time.Now().Add(d), f.cfg.DefaultBackpressure)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, queue.ErrFull
	}
	f.submitted.Add(1)
	return u, nil
}

// SubmitReliance enqueues fn once every predecessor unit has completed.
// The scheduler never sees an unsatisfied dependent unit: this facade
// holds it back with a background waiter and only hands it to the
// scheduler once AreDependenciesSatisfied is true (§4.1, §9 — the
// scheduler's "delay or re-enqueue" duty is discharged here).
func (f *Facade) SubmitReliance(predecessors []*task.Unit, fn task.Callable) (*task.Unit, error) {
	if f.State() != StateRunning {
		return nil, ErrNotRunning
	}
	d := task.NewDependent(f.nextID(), "", task.PriorityNormal, fn)
	for _, p := range predecessors {
		d.AddDependency(p)
	}
	f.track(d.Unit)
	f.submitted.Add(1)

	go func() {
		if !d.WaitForDependencies(24 * time.Hour) {
			d.Cancel()
			return
		}
		if d.GetState() != task.Pending {
			return
		}
		_, _ = f.sched.Submit(d.Unit, f.cfg.DefaultBackpressure)
	}()

	return d.Unit, nil
}

// SubmitBatch submits every unit built from fns at normal priority.
func (f *Facade) SubmitBatch(fns []task.Callable) ([]*task.Unit, error) {
	out := make([]*task.Unit, 0, len(fns))
	for _, fn := range fns {
		u, err := f.Submit(fn)
		if err != nil {
			return out, err
		}
		out = append(out, u)
	}
	return out, nil
}

// SubmitParallel submits fns and blocks until all have reached a
// terminal state, returning their results in order. Result collection
// for the batch fans out across an errgroup.Group so one slow unit
// doesn't hold up the others' GetResult wait.
func (f *Facade) SubmitParallel(ctx context.Context, fns []task.Callable) ([]any, []error) {
	units, _ := f.SubmitBatch(fns)
	results := make([]any, len(units))
	errs := make([]error, len(units))

	g, _ := errgroup.WithContext(ctx)
	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			results[i], errs[i] = u.GetResult()
			return nil
		})
	}
	_ = g.Wait()

	return results, errs
}

// Cancel looks up taskID and cancels it if still pending.
func (f *Facade) Cancel(taskID uint64) (bool, error) {
	f.tasksMu.RLock()
	u, ok := f.tasks[taskID]
	f.tasksMu.RUnlock()
	if !ok {
		return false, ErrTaskUnknown
	}
	return u.Cancel(), nil
}

// CancelAllPending cancels every tracked unit still in Pending.
func (f *Facade) CancelAllPending() int {
	f.tasksMu.RLock()
	units := make([]*task.Unit, 0, len(f.tasks))
	for _, u := range f.tasks {
		units = append(units, u)
	}
	f.tasksMu.RUnlock()

	n := 0
	for _, u := range units {
		if u.Cancel() {
			n++
		}
	}
	if n > 0 {
		f.emit("task_cancelled", "cancelled %d pending tasks", n)
	}
	return n
}

// WaitFor blocks up to d for taskID to reach a terminal state.
func (f *Facade) WaitFor(taskID uint64, d time.Duration) (bool, error) {
	f.tasksMu.RLock()
	u, ok := f.tasks[taskID]
	f.tasksMu.RUnlock()
	if !ok {
		return false, ErrTaskUnknown
	}
	return u.WaitFor(d), nil
}

// Lookup returns the tracked unit for taskID, if monitoring is enabled.
func (f *Facade) Lookup(taskID uint64) (*task.Unit, bool) {
	f.tasksMu.RLock()
	defer f.tasksMu.RUnlock()
	u, ok := f.tasks[taskID]
	return u, ok
}

// Snapshot returns the facade's current statistics.
func (f *Facade) Snapshot() Stats {
	uptime := time.Duration(0)
	if !f.startedAt.IsZero() {
		uptime = time.Since(f.startedAt)
	}
	var last time.Time
	if u := f.lastActivityUnix.Load(); u != 0 {
		last = time.Unix(0, u)
	}
	return Stats{
		Submitted:      f.submitted.Load(),
		Completed:      f.completed.Load(),
		Failed:         f.failed.Load(),
		Cancelled:      f.cancelled.Load(),
		TimedOut:       f.timedOut.Load(),
		PeakThroughput: floatFromBits(f.peakThroughputBits.Load()),
		PeakThreads:    int(f.peakThreads.Load()),
		PeakQueueLen:   int(f.peakQueueLen.Load()),
		LastActivity:   last,
		Uptime:         uptime,
	}
}
