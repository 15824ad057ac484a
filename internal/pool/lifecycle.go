package pool

import (
	"sync"
	"time"

	"github.com/sohttp/taskrun/internal/task"
)

// Pause moves running->pausing->paused: workers finish in-flight
// executions but stop dequeuing new units (§4.5).
func (f *Facade) Pause() error {
	if !f.state.CompareAndSwap(int32(StateRunning), int32(StatePausing)) {
		return ErrBadState
	}
	f.sched.Pause()
	f.state.Store(int32(StatePaused))
	f.emit("lifecycle", "pool %q paused", f.cfg.Name)
	return nil
}

// Resume moves paused->running.
func (f *Facade) Resume() error {
	if !f.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		return ErrBadState
	}
	f.sched.Resume()
	f.emit("lifecycle", "pool %q resumed", f.cfg.Name)
	return nil
}

// Stop moves running|paused->stopping->stopped, draining the monitor
// goroutine and the scheduler. Pending units are left cancelled only if
// the caller separately calls CancelAllPending first.
func (f *Facade) Stop() error {
	cur := f.State()
	if cur != StateRunning && cur != StatePaused {
		return ErrBadState
	}
	f.state.Store(int32(StateStopping))

	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()

	f.sched.Stop(true)

	f.state.Store(int32(StateStopped))
	f.emit("lifecycle", "pool %q stopped", f.cfg.Name)
	return nil
}

// Shutdown waits up to cfg.ShutdownTimeout for the queue to drain, then
// forces a Stop regardless (§4.5 "shutdown(timeout)").
func (f *Facade) Shutdown() error {
	timeout := f.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m := f.sched.SnapshotMetrics()
		if m.QueueLength == 0 && m.ActiveThreads == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	return f.Stop()
}

// Restart performs Stop followed by a fresh Start, recreating the
// scheduler and worker set (adapted from the original's restart() hook,
// original_source/server/model/sched/pool.hpp).
func (f *Facade) Restart() error {
	if f.State() != StateStopped {
		if err := f.Stop(); err != nil {
			return err
		}
	}
	f.stopCh = make(chan struct{})
	f.stopOnce = sync.Once{}
	f.tasksMu.Lock()
	f.tasks = make(map[uint64]*task.Unit)
	f.tasksMu.Unlock()
	return f.Start()
}

// HealthCheck reports whether the pool is in a healthy operating state
// (§4.5 "health_check"): running, scheduler thread count within bounds,
// and queue utilization below 95%.
func (f *Facade) HealthCheck() bool {
	if f.State() != StateRunning {
		return false
	}
	m := f.sched.SnapshotMetrics()
	total := m.TotalThreads
	if total < f.cfg.Scale.Min || total > f.cfg.Scale.Max {
		return false
	}
	if m.QueueCapacity > 0 {
		util := float64(m.QueueLength) / float64(m.QueueCapacity)
		if util >= 0.95 {
			return false
		}
	}
	return true
}

// AutoRepair attempts to recover an unhealthy pool: resumes if paused
// unexpectedly, or restarts if the scheduler has collapsed to zero
// threads (§4.5 "auto_repair").
func (f *Facade) AutoRepair() bool {
	switch f.State() {
	case StatePaused:
		return f.Resume() == nil
	case StateRunning:
		if f.sched.TotalThreads() == 0 {
			f.emit("auto_repair", "pool %q lost all workers, restarting", f.cfg.Name)
			return f.Restart() == nil
		}
		return true
	case StateStopped, StateError:
		f.emit("auto_repair", "pool %q restarting from %s", f.cfg.Name, f.State())
		return f.Restart() == nil
	default:
		return false
	}
}
