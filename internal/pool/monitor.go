package pool

import (
	"time"

	"github.com/sohttp/taskrun/internal/task"
)

// monitorLoop refreshes peak gauges, sweeps terminal tracked tasks, and
// optionally enforces a global per-task timeout and periodic stats
// callback (§4.5 "Monitoring").
func (f *Facade) monitorLoop() {
	defer f.wg.Done()

	cleanup := f.cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 3 * time.Second
	}
	ticker := time.NewTicker(cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.tick()
		}
	}
}

func (f *Facade) tick() {
	m := f.sched.SnapshotMetrics()

	for {
		old := f.peakThroughputBits.Load()
		if m.PeakThroughput <= floatFromBits(old) {
			break
		}
		if f.peakThroughputBits.CompareAndSwap(old, floatToBits(m.PeakThroughput)) {
			break
		}
	}
	if m.TotalThreads > int(f.peakThreads.Load()) {
		f.peakThreads.Store(int64(m.TotalThreads))
	}
	if m.QueueLength > int(f.peakQueueLen.Load()) {
		f.peakQueueLen.Store(int64(m.QueueLength))
	}

	f.sweepTerminal()

	if f.cfg.TaskTimeout > 0 {
		f.enforceGlobalTimeout()
	}

	if f.onStats != nil {
		f.onStats(f.Snapshot())
	}
}

// sweepTerminal evicts tracked units that reached a terminal state more
// than one cleanup interval ago, so a caller polling Lookup/WaitFor
// immediately after completion still observes the unit.
func (f *Facade) sweepTerminal() {
	if !f.cfg.EnableMonitoring {
		return
	}
	grace := f.cfg.CleanupInterval
	now := time.Now()

	f.tasksMu.Lock()
	for id, u := range f.tasks {
		if !u.GetState().Terminal() {
			continue
		}
		if now.Sub(u.EndTime()) > grace {
			delete(f.tasks, id)
		}
	}
	f.tasksMu.Unlock()
}

func (f *Facade) enforceGlobalTimeout() {
	now := time.Now()
	f.tasksMu.RLock()
	pending := make([]*task.Unit, 0)
	for _, u := range f.tasks {
		if u.GetState() == task.Pending {
			pending = append(pending, u)
		}
	}
	f.tasksMu.RUnlock()

	for _, u := range pending {
		if now.Sub(u.SubmitTime()) > f.cfg.TaskTimeout {
			if u.Cancel() {
				f.timedOut.Add(1)
				f.emit("task_timeout", "task %d cancelled after exceeding global timeout", u.ID())
			}
		}
	}
}
