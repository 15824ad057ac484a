package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sohttp/taskrun/internal/task"
)

// fifoQueue is an ordered sequence of unit handles (§4.2 "FIFO").
type fifoQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items   []*task.Unit
	maxSize atomic.Int64 // 0 == unbounded
	closed  atomic.Bool
}

// NewFIFO builds a FIFO queue. maxSize <= 0 means unbounded.
func NewFIFO(maxSize int) Queue {
	q := &fifoQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.maxSize.Store(int64(maxSize))
	return q
}

func (q *fifoQueue) Strategy() Strategy { return FIFO }

func (q *fifoQueue) isFull() bool {
	m := q.maxSize.Load()
	return m > 0 && int64(len(q.items)) >= m
}

func (q *fifoQueue) Push(u *task.Unit, _ time.Time, bp Backpressure) (bool, error) {
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
			// Evict the newest-at-tail entry to make room.
			if len(q.items) > 0 {
				q.items = q.items[:len(q.items)-1]
			}
		case Exception:
			return false, ErrFull
		case Drop:
			return false, nil
		}
		break
	}

	q.items = append(q.items, u)
	q.notEmpty.Signal()
	return true, nil
}

func (q *fifoQueue) PushBatch(units []*task.Unit, bp Backpressure) int {
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

func (q *fifoQueue) Pop() (*task.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed.Load() {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	u := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return u, true
}

func (q *fifoQueue) PopBatch(n int) []*task.Unit {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed.Load() {
			return nil
		}
		q.notEmpty.Wait()
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := append([]*task.Unit(nil), q.items[:n]...)
	q.items = q.items[n:]
	q.notFull.Broadcast()
	return out
}

func (q *fifoQueue) TryPop() (*task.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	u := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return u, true
}

func (q *fifoQueue) TryPopFor(d time.Duration) (*task.Unit, bool) {
	deadline := time.Now().Add(d)
	q.mu.Lock()
	defer q.mu.Unlock()
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()
	for len(q.items) == 0 {
		if q.closed.Load() {
			return nil, false
		}
		if !time.Now().Before(deadline) {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	u := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return u, true
}

func (q *fifoQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifoQueue) Empty() bool { return q.Size() == 0 }

func (q *fifoQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.notFull.Broadcast()
	q.mu.Unlock()
}

func (q *fifoQueue) Close() {
	q.mu.Lock()
	if !q.closed.Load() {
		q.closed.Store(true)
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
	}
	q.mu.Unlock()
}

func (q *fifoQueue) Closed() bool { return q.closed.Load() }

func (q *fifoQueue) SetMaxSize(n int) {
	q.maxSize.Store(int64(n))
	q.mu.Lock()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

func (q *fifoQueue) MaxSize() int { return int(q.maxSize.Load()) }
