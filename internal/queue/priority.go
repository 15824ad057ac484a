package queue

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sohttp/taskrun/internal/task"
)

// prioEntry pairs a unit with the monotonic sequence number used to
// break priority ties in insertion order (§4.1 "Priorities").
type prioEntry struct {
	unit *task.Unit
	seq  uint64
}

// prioHeap is a max-heap on (priority desc, seq asc).
type prioHeap []prioEntry

func (h prioHeap) Len() int { return len(h) }
func (h prioHeap) Less(i, j int) bool {
	pi, pj := h[i].unit.GetPriority(), h[j].unit.GetPriority()
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}
func (h prioHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *prioHeap) Push(x any)   { *h = append(*h, x.(prioEntry)) }
func (h *prioHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// priorityQueue is an ordered multiset keyed by priority, higher first,
// ties resolved by insertion order (§3 "Priority").
type priorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	h       prioHeap
	nextSeq uint64
	maxSize atomic.Int64
	closed  atomic.Bool
}

func NewPriority(maxSize int) Queue {
	q := &priorityQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.maxSize.Store(int64(maxSize))
	return q
}

func (q *priorityQueue) Strategy() Strategy { return Priority }

func (q *priorityQueue) isFull() bool {
	m := q.maxSize.Load()
	return m > 0 && int64(q.h.Len()) >= m
}

// lowestIndex finds the index holding the lowest-priority, most-recently
// inserted entry — the eviction target under Overwrite backpressure.
func (q *priorityQueue) lowestIndex() int {
	worst := 0
	for i := 1; i < len(q.h); i++ {
		if q.h[i].unit.GetPriority() < q.h[worst].unit.GetPriority() ||
			(q.h[i].unit.GetPriority() == q.h[worst].unit.GetPriority() && q.h[i].seq > q.h[worst].seq) {
			worst = i
		}
	}
	return worst
}

func (q *priorityQueue) Push(u *task.Unit, _ time.Time, bp Backpressure) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed.Load() {
		return false, ErrClosed
	}

	for q.isFull() {
		switch bp {
		case Block:
			q.notFull.Wait()
			if q.closed.Load() {
				return false, ErrClosed
			}
			continue
		case Overwrite:
			if q.h.Len() > 0 {
				heap.Remove(&q.h, q.lowestIndex())
			}
		case Exception:
			return false, ErrFull
		case Drop:
			return false, nil
		}
		break
	}

	q.nextSeq++
	heap.Push(&q.h, prioEntry{unit: u, seq: q.nextSeq})
	q.notEmpty.Signal()
	return true, nil
}

func (q *priorityQueue) PushBatch(units []*task.Unit, bp Backpressure) int {
	n := 0
	for _, u := range units {
		ok, err := q.Push(u, time.Time{}, bp)
		if err != nil {
			break
		}
		if ok {
			n++
		}
	}
	return n
}

func (q *priorityQueue) popLocked() *task.Unit {
	e := heap.Pop(&q.h).(prioEntry)
	q.notFull.Signal()
	return e.unit
}

func (q *priorityQueue) Pop() (*task.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.h.Len() == 0 {
		if q.closed.Load() {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	return q.popLocked(), true
}

func (q *priorityQueue) PopBatch(n int) []*task.Unit {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.h.Len() == 0 {
		if q.closed.Load() {
			return nil
		}
		q.notEmpty.Wait()
	}
	out := make([]*task.Unit, 0, n)
	for len(out) < n && q.h.Len() > 0 {
		out = append(out, q.popLocked())
	}
	return out
}

func (q *priorityQueue) TryPop() (*task.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil, false
	}
	return q.popLocked(), true
}

func (q *priorityQueue) TryPopFor(d time.Duration) (*task.Unit, bool) {
	deadline := time.Now().Add(d)
	q.mu.Lock()
	defer q.mu.Unlock()
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	for q.h.Len() == 0 {
		if q.closed.Load() {
			return nil, false
		}
		if !time.Now().Before(deadline) {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	return q.popLocked(), true
}

func (q *priorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

func (q *priorityQueue) Empty() bool { return q.Size() == 0 }

func (q *priorityQueue) Clear() {
	q.mu.Lock()
	q.h = nil
	q.notFull.Broadcast()
	q.mu.Unlock()
}

func (q *priorityQueue) Close() {
	q.mu.Lock()
	if !q.closed.Load() {
		q.closed.Store(true)
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
	}
	q.mu.Unlock()
}

func (q *priorityQueue) Closed() bool { return q.closed.Load() }

func (q *priorityQueue) SetMaxSize(n int) {
	q.maxSize.Store(int64(n))
	q.mu.Lock()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

func (q *priorityQueue) MaxSize() int { return int(q.maxSize.Load()) }
