package queue

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sohttp/taskrun/internal/task"
)

// maxWatcherSleep bounds the delay queue's wake-up latency (§4.2: "sleeping
// otherwise either until that deadline or a bounded maximum (<=10 ms)").
const maxWatcherSleep = 10 * time.Millisecond

type delayEntry struct {
	unit     *task.Unit
	deadline time.Time
	seq      uint64
}

type delayHeap []delayEntry

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayEntry)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// delayQueue is an ordered multiset keyed by deadline timestamp (§3
// "Delay"). A background watcher wakes blocked consumers as entries
// become due.
type delayQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	h       delayHeap
	nextSeq uint64
	maxSize atomic.Int64
	closed  atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewDelay(maxSize int) Queue {
	q := &delayQueue{stopCh: make(chan struct{})}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.maxSize.Store(int64(maxSize))
	go q.watch()
	return q
}

func (q *delayQueue) Strategy() Strategy { return Delay }

func (q *delayQueue) isFull() bool {
	m := q.maxSize.Load()
	return m > 0 && int64(q.h.Len()) >= m
}

// watch wakes Pop waiters whenever the earliest entry becomes due. It
// sleeps until that deadline, capped at maxWatcherSleep, so latecomers
// (entries pushed with an earlier deadline while we slept) are still
// discovered promptly.
func (q *delayQueue) watch() {
	timer := time.NewTimer(maxWatcherSleep)
	defer timer.Stop()
	// After Close the watcher keeps waking Pop waiters until the remaining
	// entries are drained; stopCh only ends its current sleep early.
	stopCh := q.stopCh
	for {
		q.mu.Lock()
		var sleep time.Duration
		if q.h.Len() == 0 {
			sleep = maxWatcherSleep
		} else {
			until := time.Until(q.h[0].deadline)
			if until <= 0 {
				q.notEmpty.Broadcast()
				sleep = maxWatcherSleep
			} else if until < maxWatcherSleep {
				sleep = until
			} else {
				sleep = maxWatcherSleep
			}
		}
		closed := q.closed.Load()
		drained := q.h.Len() == 0
		q.mu.Unlock()

		if closed && drained {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)
		select {
		case <-timer.C:
		case <-stopCh:
			stopCh = nil
		}
	}
}

func (q *delayQueue) lowestIndex() int {
	worst := 0
	for i := 1; i < len(q.h); i++ {
		if q.h[i].deadline.After(q.h[worst].deadline) {
			worst = i
		}
	}
	return worst
}

func (q *delayQueue) Push(u *task.Unit, deadline time.Time, bp Backpressure) (bool, error) {
	if deadline.IsZero() {
		deadline = time.Now()
	}
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
	heap.Push(&q.h, delayEntry{unit: u, deadline: deadline, seq: q.nextSeq})
	q.notEmpty.Broadcast()
	return true, nil
}

func (q *delayQueue) PushBatch(units []*task.Unit, bp Backpressure) int {
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

// dueLocked pops the earliest entry if its deadline has passed.
func (q *delayQueue) dueLocked() (*task.Unit, bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	if q.h[0].deadline.After(time.Now()) {
		return nil, false
	}
	e := heap.Pop(&q.h).(delayEntry)
	q.notFull.Signal()
	return e.unit, true
}

func (q *delayQueue) Pop() (*task.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if u, ok := q.dueLocked(); ok {
			return u, true
		}
		if q.closed.Load() && q.h.Len() == 0 {
			return nil, false
		}
		q.notEmpty.Wait()
	}
}

func (q *delayQueue) PopBatch(n int) []*task.Unit {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var first *task.Unit
	for {
		if u, ok := q.dueLocked(); ok {
			first = u
			break
		}
		if q.closed.Load() && q.h.Len() == 0 {
			return nil
		}
		q.notEmpty.Wait()
	}
	out := []*task.Unit{first}
	for len(out) < n {
		u, ok := q.dueLocked()
		if !ok {
			break
		}
		out = append(out, u)
	}
	return out
}

func (q *delayQueue) TryPop() (*task.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dueLocked()
}

func (q *delayQueue) TryPopFor(d time.Duration) (*task.Unit, bool) {
	deadline := time.Now().Add(d)
	q.mu.Lock()
	defer q.mu.Unlock()
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	for {
		if u, ok := q.dueLocked(); ok {
			return u, true
		}
		if q.closed.Load() && q.h.Len() == 0 {
			return nil, false
		}
		if !time.Now().Before(deadline) {
			return nil, false
		}
		q.notEmpty.Wait()
	}
}

func (q *delayQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

func (q *delayQueue) Empty() bool { return q.Size() == 0 }

func (q *delayQueue) Clear() {
	q.mu.Lock()
	q.h = nil
	q.notFull.Broadcast()
	q.mu.Unlock()
}

func (q *delayQueue) Close() {
	q.mu.Lock()
	if !q.closed.Load() {
		q.closed.Store(true)
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
	}
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stopCh) })
}

func (q *delayQueue) Closed() bool { return q.closed.Load() }

func (q *delayQueue) SetMaxSize(n int) {
	q.maxSize.Store(int64(n))
	q.mu.Lock()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

func (q *delayQueue) MaxSize() int { return int(q.maxSize.Load()) }
