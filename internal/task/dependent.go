package task

import (
	"sync"
	"time"
)

// DefaultDependencyCacheWindow bounds how often AreDependenciesSatisfied
// re-scans the predecessor list (§3: "valid for a bounded time window,
// default 100 ms, to amortize checks").
const DefaultDependencyCacheWindow = 100 * time.Millisecond

// Dependent wraps a Unit with a predecessor list. The scheduler must not
// dispatch a dependent unit whose predicate is false (§4.1).
type Dependent struct {
	*Unit

	window time.Duration

	mu        sync.Mutex
	preds     []*Unit
	lastEval  time.Time
	lastOK    bool
	evaluated bool

	depCond *sync.Cond
}

// NewDependent builds a pending Dependent unit with no predecessors yet.
func NewDependent(id uint64, name string, priority Priority, fn Callable) *Dependent {
	d := &Dependent{
		Unit:   New(id, name, priority, fn),
		window: DefaultDependencyCacheWindow,
	}
	d.depCond = sync.NewCond(&d.mu)
	return d
}

// AddDependency appends a predecessor. Ignored once the unit has left
// Pending (§4.1 "add_dependency ... ignored unless unit is still pending").
func (d *Dependent) AddDependency(pred *Unit) {
	if d.GetState() != Pending {
		return
	}
	d.mu.Lock()
	d.preds = append(d.preds, pred)
	d.evaluated = false
	d.mu.Unlock()
}

// AreDependenciesSatisfied reports whether every predecessor is Completed.
// The result is cached for d.window to amortize repeated checks by the
// scheduler's polling loop.
func (d *Dependent) AreDependenciesSatisfied() bool {
	d.mu.Lock()
	if d.evaluated && time.Since(d.lastEval) < d.window {
		ok := d.lastOK
		d.mu.Unlock()
		return ok
	}
	preds := append([]*Unit(nil), d.preds...)
	d.mu.Unlock()

	ok := true
	for _, p := range preds {
		if p.GetState() != Completed {
			ok = false
			break
		}
	}

	d.mu.Lock()
	d.lastEval = time.Now()
	d.lastOK = ok
	d.evaluated = true
	if ok {
		d.depCond.Broadcast()
	}
	d.mu.Unlock()
	return ok
}

// WaitForDependencies blocks until AreDependenciesSatisfied holds or
// timeout elapses, polling at the cache window granularity.
func (d *Dependent) WaitForDependencies(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if d.AreDependenciesSatisfied() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		remaining := time.Until(deadline)
		wait := d.window
		if remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			return false
		}
		time.Sleep(wait)
	}
}
