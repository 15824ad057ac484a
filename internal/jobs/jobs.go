// Package jobs tracks asynchronous submissions against the named pool
// registry (internal/pool.Registry) so HTTP clients can poll status,
// fetch a result, or cancel a still-pending job instead of blocking on
// the request itself.
package jobs

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sohttp/taskrun/internal/pool"
	"github.com/sohttp/taskrun/internal/resp"
	"github.com/sohttp/taskrun/internal/util"
)

type Status string

func (s Status) terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusTimeout, StatusCanceled:
		return true
	default:
		return false
	}
}

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
	StatusCanceled Status = "canceled"
)

type Job struct {
	ID         string            `json:"id"`
	Task       string            `json:"task"`
	Params     map[string]string `json:"params,omitempty"`
	Status     Status            `json:"status"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	Result     *resp.Result      `json:"result,omitempty"`

	cancelRequested bool
}

// Manager keeps an in-memory registry of jobs and runs each against the
// matching pool in the registry.
type Manager struct {
	registry *pool.Registry

	mu   sync.RWMutex
	jobs map[string]*Job

	ttl   time.Duration
	stopC chan struct{}
}

// NewManager creates a Job Manager with a cleanup TTL for finished jobs.
func NewManager(r *pool.Registry, ttl time.Duration) *Manager {
	m := &Manager{
		registry: r,
		jobs:     make(map[string]*Job),
		ttl:      ttl,
		stopC:    make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// Close stops the GC goroutine.
func (m *Manager) Close() { close(m.stopC) }

func (m *Manager) gcLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.cleanup()
		case <-m.stopC:
			return
		}
	}
}

func (m *Manager) cleanup() {
	cut := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		if j.Status.terminal() && j.EndedAt != nil && j.EndedAt.Before(cut) {
			delete(m.jobs, id)
		}
	}
}

// Submit creates a job and runs it in the background. Returns its ID,
// or "" if the named pool does not exist.
func (m *Manager) Submit(task string, params map[string]string, execTimeout time.Duration) string {
	if _, ok := m.registry.Pool(task); !ok {
		return ""
	}

	id := util.NewReqID()
	now := time.Now()
	job := &Job{
		ID:         id,
		Task:       task,
		Params:     params,
		Status:     StatusQueued,
		EnqueuedAt: now,
	}
	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()

	go func() {
		p, _ := m.registry.Pool(task)

		start := time.Now()
		m.mu.Lock()
		job.StartedAt = &start
		job.Status = StatusRunning
		m.mu.Unlock()

		res, enq := p.SubmitAndWait(params, execTimeout)
		end := time.Now()

		m.mu.Lock()
		defer m.mu.Unlock()
		job.EndedAt = &end
		job.Result = &res
		if job.cancelRequested {
			job.Status = StatusCanceled
			return
		}
		if !enq {
			job.Status = StatusFailed
			return
		}
		if res.Status == 503 && res.Err != nil {
			if res.Err.Code == "timeout" {
				job.Status = StatusTimeout
				return
			}
			if res.Err.Code == "canceled" {
				job.Status = StatusCanceled
				return
			}
		}
		if res.Status >= 200 && res.Status < 300 {
			job.Status = StatusDone
		} else {
			job.Status = StatusFailed
		}
	}()

	return id
}

// Cancel requests that a still-queued or running job be marked
// cancelled once it reaches a terminal state. It cannot interrupt
// execution already in flight against the pool (NamedPool.SubmitAndWait
// does not expose the underlying unit to this package), so the
// underlying work still runs to completion or its own timeout; only the
// reported status changes.
func (m *Manager) Cancel(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", false
	}
	if j.Status == StatusQueued || j.Status == StatusRunning {
		j.cancelRequested = true
	}
	return j.Status, true
}

// SnapshotJSON returns a JSON snapshot of the job's metadata.
func (m *Manager) SnapshotJSON(id string) (string, bool) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	b, _ := json.Marshal(publicView(j))
	return string(b), true
}

// ResultJSON returns the job's result JSON once it has finished.
// ok is false if the id is unknown; err is non-nil if the job exists
// but has not reached a terminal status yet.
func (m *Manager) ResultJSON(id string) (string, bool, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !j.Status.terminal() {
		return "", true, errNotReady
	}
	view := struct {
		Status     Status       `json:"status"`
		HTTPStatus int          `json:"http_status,omitempty"`
		Result     string       `json:"result,omitempty"`
		Error      *resp.ErrObj `json:"error_detail,omitempty"`
	}{Status: j.Status}
	if j.Result != nil {
		view.HTTPStatus = j.Result.Status
		view.Result = j.Result.Body
		view.Error = j.Result.Err
	}
	b, _ := json.Marshal(view)
	return string(b), true, nil
}

var errNotReady = jobNotReadyError{}

type jobNotReadyError struct{}

func (jobNotReadyError) Error() string { return "jobs: result not ready" }

// ListJSON lists current jobs (active and not-yet-expired finished ones).
func (m *Manager) ListJSON() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type lite struct {
		ID     string `json:"id"`
		Task   string `json:"task"`
		Status Status `json:"status"`
	}
	out := make([]lite, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, lite{ID: j.ID, Task: j.Task, Status: j.Status})
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func publicView(j *Job) any {
	return struct {
		ID         string            `json:"id"`
		Task       string            `json:"task"`
		Params     map[string]string `json:"params,omitempty"`
		Status     Status            `json:"status"`
		EnqueuedAt time.Time         `json:"enqueued_at"`
		StartedAt  *time.Time        `json:"started_at,omitempty"`
		EndedAt    *time.Time        `json:"ended_at,omitempty"`
		Result     *resp.Result      `json:"result,omitempty"`
	}{
		ID:         j.ID,
		Task:       j.Task,
		Params:     j.Params,
		Status:     j.Status,
		EnqueuedAt: j.EnqueuedAt,
		StartedAt:  j.StartedAt,
		EndedAt:    j.EndedAt,
		Result:     j.Result,
	}
}
