package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sohttp/taskrun/internal/queue"
	"github.com/sohttp/taskrun/internal/resp"
	"github.com/sohttp/taskrun/internal/task"
)

// TaskFunc executes the work bound to a named pool's route. It is the
// same shape as the teacher's sched.TaskFunc (internal/sched/sched.go
// in the original tree) — kept so handlers.* needs no changes.
type TaskFunc func(ctx context.Context, params map[string]string) resp.Result

// NamedPool adapts a Facade to the params-in/resp.Result-out calling
// convention used by the HTTP router's per-route pools (C5 wrapping a
// single TaskFunc instead of arbitrary Callables).
type NamedPool struct {
	name string
	fn   TaskFunc
	f    *Facade
}

// NewNamedPool builds and starts a priority-queued pool of workers
// bound capacity wide, running fn for every submission.
func NewNamedPool(name string, fn TaskFunc, workers, capacity int) *NamedPool {
	if workers <= 0 {
		workers = 1
	}
	cfg := DefaultConfig(name, 1, workers, workers)
	cfg.QueueStrategy = queue.Priority
	cfg.MaxQueueSize = capacity
	cfg.EnableMonitoring = false // router pools are fire-and-wait, not individually tracked
	f := New(cfg)
	np := &NamedPool{name: name, fn: fn, f: f}
	_ = f.Start()
	return np
}

// Close stops the pool, rejecting further submissions.
func (p *NamedPool) Close() { _ = p.f.Stop() }

// Facade exposes the underlying Facade so callers outside this package
// (the admin surface) can register it for stats reporting without the
// params-in/resp.Result-out wrapping NamedPool adds.
func (p *NamedPool) Facade() *Facade { return p.f }

// SubmitAndWaitCtx enqueues params at the priority named by
// params["prio"] (high/low/default normal) and waits until timeout,
// counted from the call, for the unit to finish. The enqueue uses the
// pool's Block backpressure: on a full queue it waits for room with no
// bound, and the timeout is not applied to that wait.
func (p *NamedPool) SubmitAndWaitCtx(ctx context.Context, _ string, params map[string]string, timeout time.Duration) (resp.Result, bool) {
	prio := task.PriorityNormal
	switch params["prio"] {
	case "high":
		prio = task.PriorityHigh
	case "low":
		prio = task.PriorityLow
	}

	deadline := time.Now().Add(timeout)

	u, err := p.f.SubmitPriority(prio, func(taskCtx context.Context) (any, error) {
		return p.fn(ctx, params), nil
	})
	if err != nil {
		return resp.Unavail("backpressure", `{"retry_after_ms":100}`), false
	}
	u.SetDeadline(deadline)

	select {
	case <-ctx.Done():
		u.Cancel()
		return resp.Unavail("canceled", "job canceled"), true
	default:
	}

	if !u.WaitFor(time.Until(deadline)) {
		return resp.Unavail("timeout", "execution timed out"), true
	}
	val, rerr := u.GetResult()
	if rerr != nil {
		return resp.Unavail("timeout", "execution timed out"), true
	}
	return val.(resp.Result), true
}

// SubmitAndWait is sugar for SubmitAndWaitCtx with a background context.
func (p *NamedPool) SubmitAndWait(params map[string]string, timeout time.Duration) (resp.Result, bool) {
	return p.SubmitAndWaitCtx(context.Background(), "", params, timeout)
}

func (p *NamedPool) metrics() map[string]any {
	s := p.f.Snapshot()
	m := p.f.sched.SnapshotMetrics()
	return map[string]any{
		"queue_len": m.QueueLength,
		"queue_cap": m.QueueCapacity,
		"workers": map[string]any{
			"total": m.TotalThreads,
			"busy":  m.ActiveThreads,
			"idle":  m.TotalThreads - m.ActiveThreads,
		},
		"submitted": s.Submitted,
		"completed": s.Completed,
		"rejected":  s.Failed,
	}
}

// Registry is a named-pool directory, replacing the teacher's
// sched.Manager (internal/sched/sched.go) now that internal/sched owns
// the generic Worker/Scheduler instead of per-route pools.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*NamedPool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*NamedPool)}
}

func (r *Registry) Register(name string, p *NamedPool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[name]; ok {
		return errors.New("pool already exists")
	}
	r.pools[name] = p
	return nil
}

func (r *Registry) Pool(name string) (*NamedPool, bool) {
	r.mu.RLock()
	p, ok := r.pools[name]
	r.mu.RUnlock()
	return p, ok
}

// Names lists every registered pool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}

func (r *Registry) MetricsJSON() string {
	r.mu.RLock()
	out := make(map[string]any, len(r.pools))
	for name, p := range r.pools {
		out[name] = p.metrics()
	}
	r.mu.RUnlock()
	b, _ := json.Marshal(out)
	return string(b)
}
