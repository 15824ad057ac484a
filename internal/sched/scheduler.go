package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/sohttp/taskrun/internal/queue"
	"github.com/sohttp/taskrun/internal/task"
)

var tracer = otel.Tracer("github.com/sohttp/taskrun/internal/sched")

// Tactic is the scheduling policy name. The reference design uses a
// single shared queue regardless of tactic (§9 open question:
// per-tactic sharding is left to the implementer); it is recorded for
// observability and future extension.
type Tactic int

const (
	RoundRobin Tactic = iota
	LeastLoaded
	Adaptive
	PriorityBased
)

// ScaleConfig governs the autoscaling control loop (§4.4).
type ScaleConfig struct {
	Min, Max, Core int

	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleUpStep        int
	ScaleDownStep      int
	ScaleUpDelay       time.Duration
	ScaleDownDelay     time.Duration

	// ScalingTick is how often the scaling loop evaluates (spec: "every 1s").
	ScalingTick time.Duration
	// MonitorTick is how often metrics are refreshed (spec: "every ~100ms").
	MonitorTick time.Duration
}

// DefaultScaleConfig matches §4.4's stated defaults.
func DefaultScaleConfig(min, max, core int) ScaleConfig {
	return ScaleConfig{
		Min: min, Max: max, Core: core,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.4,
		ScaleUpStep:        1,
		ScaleDownStep:      1,
		ScaleUpDelay:       time.Second,
		ScaleDownDelay:     5 * time.Second,
		ScalingTick:        time.Second,
		MonitorTick:        100 * time.Millisecond,
	}
}

// Metrics is the scheduler's observable load snapshot (§3 "Scheduler").
type Metrics struct {
	QueueLength      int
	QueueCapacity    int
	ActiveThreads    int
	TotalThreads     int
	CurrentThroughput float64
	PeakThroughput    float64
	EMALoad           float64
	LastScaleTime     time.Time
}

// Scheduler owns the queue and the worker set, and runs the autoscaling
// loop (§4.4).
type Scheduler struct {
	q      queue.Queue
	cfg    ScaleConfig
	tactic Tactic
	hooks  WorkerHooks

	mu      sync.RWMutex
	workers []*Worker
	nextID  int
	paused  atomic.Bool

	submitted atomic.Uint64

	emaBits     atomic.Uint64
	upCount     atomic.Int32
	downCount   atomic.Int32
	lastScale   atomic.Int64 // unix nano
	peakThroughputBits atomic.Uint64
	lastCompleted      atomic.Uint64
	currentThroughputBits atomic.Uint64
	prevQueueLen       atomic.Int64

	onEvent func(category, message string)

	stopCh   chan struct{}
	stopOnce sync.Once
	eg       *errgroup.Group
}

// New builds a Scheduler over q with the given scaling config and tactic.
func New(q queue.Queue, cfg ScaleConfig, tactic Tactic, hooks WorkerHooks) *Scheduler {
	return &Scheduler{
		q:      q,
		cfg:    cfg,
		tactic: tactic,
		hooks:  hooks,
		stopCh: make(chan struct{}),
	}
}

// OnEvent installs a sink for lifecycle/scaling events (§6 "Events").
func (s *Scheduler) OnEvent(fn func(category, message string)) { s.onEvent = fn }

func (s *Scheduler) emit(category, format string, args ...any) {
	if s.onEvent != nil {
		s.onEvent(category, fmt.Sprintf(format, args...))
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// Start creates clamp(initial, min, max) workers and launches the
// monitor and scaling goroutines (§4.4 "start(initial)").
func (s *Scheduler) Start(initial int) {
	n := clamp(initial, s.cfg.Min, s.cfg.Max)
	s.mu.Lock()
	for i := 0; i < n; i++ {
		s.spawnLocked()
	}
	s.mu.Unlock()
	s.lastScale.Store(time.Now().UnixNano())

	g := new(errgroup.Group)
	g.Go(func() error { s.monitorLoop(); return nil })
	g.Go(func() error { s.scalingLoop(); return nil })
	s.eg = g
	s.emit("lifecycle", "scheduler started with %d workers", n)
}

func (s *Scheduler) spawnLocked() *Worker {
	s.nextID++
	name := fmt.Sprintf("worker-%d", s.nextID)
	w := NewWorker(name, s.q, s.hooks, s.paused.Load)
	w.Start()
	s.workers = append(s.workers, w)
	return w
}

// Submit pushes u onto the queue under the given backpressure policy.
func (s *Scheduler) Submit(u *task.Unit, bp queue.Backpressure) (bool, error) {
	_, span := tracer.Start(context.Background(), "Scheduler.Submit")
	defer span.End()

	ok, err := s.q.Push(u, time.Time{}, bp)
	if ok {
		s.submitted.Add(1)
	}
	return ok, err
}

// SubmitDelayed pushes u with an explicit deadline (only meaningful when
// the scheduler's queue uses the delay strategy).
func (s *Scheduler) SubmitDelayed(u *task.Unit, deadline time.Time, bp queue.Backpressure) (bool, error) {
	ok, err := s.q.Push(u, deadline, bp)
	if ok {
		s.submitted.Add(1)
	}
	return ok, err
}

func (s *Scheduler) Queue() queue.Queue { return s.q }

func (s *Scheduler) ActiveThreads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, w := range s.workers {
		if w.State() == WorkerRunning {
			n++
		}
	}
	return n
}

func (s *Scheduler) TotalThreads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// ManualScaleUp adds up to n workers, bounded by Max (§4.4).
func (s *Scheduler) ManualScaleUp(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for added < n && len(s.workers) < s.cfg.Max {
		s.spawnLocked()
		added++
	}
	if added > 0 {
		s.lastScale.Store(time.Now().UnixNano())
		s.emit("scaling", "manual scale-up +%d (total=%d)", added, len(s.workers))
	}
	return added
}

// ManualScaleDown removes up to n workers, newest first, bounded by Min.
// A removed worker finishes its current unit before exiting.
func (s *Scheduler) ManualScaleDown(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for removed < n && len(s.workers) > s.cfg.Min {
		idx := len(s.workers) - 1
		w := s.workers[idx]
		w.Stop(false)
		s.workers = s.workers[:idx]
		removed++
	}
	if removed > 0 {
		s.lastScale.Store(time.Now().UnixNano())
		s.emit("scaling", "manual scale-down -%d (total=%d)", removed, len(s.workers))
	}
	return removed
}

// Stop signals shutdown: stop loops, close the queue, stop all workers.
// If wait is true, blocks until every worker goroutine has exited.
func (s *Scheduler) Stop(wait bool) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.eg != nil {
		_ = s.eg.Wait()
	}
	s.q.Close()

	s.mu.Lock()
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()

	stopGroup := new(errgroup.Group)
	for _, w := range workers {
		w := w
		stopGroup.Go(func() error {
			w.Stop(wait)
			return nil
		})
	}
	_ = stopGroup.Wait()
	s.emit("lifecycle", "scheduler stopped")
}

func (s *Scheduler) monitorLoop() {
	t := time.NewTicker(s.cfg.MonitorTick)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.refreshMetrics()
		}
	}
}

func (s *Scheduler) refreshMetrics() {
	completed := uint64(0)
	s.mu.RLock()
	for _, w := range s.workers {
		completed += w.Stats().Executed
	}
	s.mu.RUnlock()

	prev := s.lastCompleted.Swap(completed)
	delta := float64(0)
	if completed >= prev {
		delta = float64(completed - prev)
	}
	throughput := delta / (float64(s.cfg.MonitorTick) / float64(time.Second))
	s.currentThroughputBits.Store(float64tobits(throughput))
	for {
		old := s.peakThroughputBits.Load()
		if throughput <= float64frombits(old) {
			break
		}
		if s.peakThroughputBits.CompareAndSwap(old, float64tobits(throughput)) {
			break
		}
	}
}

func (s *Scheduler) scalingLoop() {
	t := time.NewTicker(s.cfg.ScalingTick)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.evaluateScaling()
		}
	}
}

// evaluateScaling implements the §4.4 autoscaling algorithm: sample
// instantaneous load, smooth with an EMA, apply hysteresis counters, and
// trigger a bounded step once the hysteresis window and cooldown clear.
func (s *Scheduler) evaluateScaling() {
	active := float64(s.ActiveThreads())
	total := float64(s.TotalThreads())
	if total == 0 {
		return
	}
	queueLen := float64(s.q.Size())
	capacity := float64(s.q.MaxSize())
	if capacity <= 0 {
		capacity = queueLen + 1 // unbounded queue: avoid div-by-zero
	}

	utilThreads := active / total
	utilQueue := queueLen / capacity
	if utilQueue > 1 {
		utilQueue = 1
	}
	baseScore := 0.5*utilThreads + 0.5*utilQueue

	prevLen := float64(s.prevQueueLen.Swap(int64(queueLen)))
	growth := queueLen - prevLen
	if growth < 0 {
		growth = 0
	}
	growthNorm := growth / capacity

	instant := baseScore + 0.2*growthNorm
	instant = clampFloat(instant, 0, 1)

	ema := 0.3*instant + 0.7*s.emaLoad()
	s.emaBits.Store(float64tobits(ema))

	lastScale := time.Unix(0, s.lastScale.Load())
	sinceLastScale := time.Since(lastScale)

	if ema > s.cfg.ScaleUpThreshold {
		s.upCount.Add(1)
		s.downCount.Store(0)
	} else if ema < s.cfg.ScaleDownThreshold {
		s.downCount.Add(1)
		s.upCount.Store(0)
	} else {
		s.upCount.Store(0)
		s.downCount.Store(0)
	}

	totalInt := int(total)

	if s.upCount.Load() >= 2 && sinceLastScale >= s.cfg.ScaleUpDelay && totalInt < s.cfg.Max {
		added := s.ManualScaleUp(s.cfg.ScaleUpStep)
		if added > 0 {
			s.upCount.Store(0)
		}
		return
	}

	if s.downCount.Load() >= 3 && sinceLastScale >= s.cfg.ScaleDownDelay &&
		totalInt > s.cfg.Min && utilQueue < 0.15 && utilThreads < 0.30 && growthNorm <= 0 {
		removed := s.ManualScaleDown(s.cfg.ScaleDownStep)
		if removed > 0 {
			s.downCount.Store(0)
		}
	}
}

func (s *Scheduler) emaLoad() float64 { return float64frombits(s.emaBits.Load()) }

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SnapshotMetrics returns the scheduler's current load metrics.
func (s *Scheduler) SnapshotMetrics() Metrics {
	return Metrics{
		QueueLength:       s.q.Size(),
		QueueCapacity:     s.q.MaxSize(),
		ActiveThreads:     s.ActiveThreads(),
		TotalThreads:      s.TotalThreads(),
		CurrentThroughput: float64frombits(s.currentThroughputBits.Load()),
		PeakThroughput:    float64frombits(s.peakThroughputBits.Load()),
		EMALoad:           s.emaLoad(),
		LastScaleTime:     time.Unix(0, s.lastScale.Load()),
	}
}

// Submitted returns the cumulative number of successfully submitted units.
func (s *Scheduler) Submitted() uint64 { return s.submitted.Load() }

// Pause stops workers from dequeuing new units; in-flight executions
// finish normally. Resume lets them pop again.
func (s *Scheduler) Pause()  { s.paused.Store(true) }
func (s *Scheduler) Resume() { s.paused.Store(false) }
func (s *Scheduler) Paused() bool { return s.paused.Load() }
