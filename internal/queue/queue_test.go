package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sohttp/taskrun/internal/task"
)

func noop(id uint64) *task.Unit {
	return task.New(id, "", task.PriorityNormal, func(ctx context.Context) (any, error) { return nil, nil })
}

func TestFIFOPreservesOrder(t *testing.T) {
	q := NewFIFO(0)
	for i := uint64(0); i < 100; i++ {
		ok, err := q.Push(noop(i), time.Time{}, Block)
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := uint64(0); i < 100; i++ {
		u, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, u.ID())
	}
}

func TestPriorityOrdersByPriorityThenInsertion(t *testing.T) {
	q := NewPriority(0)
	low := task.New(1, "", task.PriorityLow, func(ctx context.Context) (any, error) { return nil, nil })
	normal1 := task.New(2, "", task.PriorityNormal, func(ctx context.Context) (any, error) { return nil, nil })
	normal2 := task.New(3, "", task.PriorityNormal, func(ctx context.Context) (any, error) { return nil, nil })
	crit := task.New(4, "", task.PriorityCritical, func(ctx context.Context) (any, error) { return nil, nil })

	for _, u := range []*task.Unit{low, normal1, normal2, crit} {
		_, err := q.Push(u, time.Time{}, Block)
		require.NoError(t, err)
	}

	order := []uint64{}
	for i := 0; i < 4; i++ {
		u, ok := q.Pop()
		require.True(t, ok)
		order = append(order, u.ID())
	}
	require.Equal(t, []uint64{4, 2, 3, 1}, order)
}

func TestDelayOnlyReturnsDueItems(t *testing.T) {
	q := NewDelay(0)
	defer q.Close()

	late := noop(1)
	_, err := q.Push(late, time.Now().Add(200*time.Millisecond), Block)
	require.NoError(t, err)

	start := time.Now()
	u, ok := q.Pop()
	elapsed := time.Since(start)
	require.True(t, ok)
	require.Equal(t, uint64(1), u.ID())
	require.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
	require.Less(t, elapsed, 300*time.Millisecond)
}

func TestOverwriteNeverExceedsMaxSize(t *testing.T) {
	q := NewFIFO(4)
	for i := uint64(0); i < 10; i++ {
		_, err := q.Push(noop(i), time.Time{}, Overwrite)
		require.NoError(t, err)
		require.LessOrEqual(t, q.Size(), 4)
	}
}

func TestExceptionBackpressure(t *testing.T) {
	q := NewFIFO(1)
	_, err := q.Push(noop(1), time.Time{}, Exception)
	require.NoError(t, err)
	_, err = q.Push(noop(2), time.Time{}, Exception)
	require.ErrorIs(t, err, ErrFull)
}

func TestDropBackpressure(t *testing.T) {
	q := NewFIFO(1)
	ok, err := q.Push(noop(1), time.Time{}, Drop)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.Push(noop(2), time.Time{}, Drop)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlockUnblocksOnClose(t *testing.T) {
	q := NewFIFO(1)
	_, _ = q.Push(noop(1), time.Time{}, Block)

	done := make(chan struct{})
	go func() {
		_, err := q.Push(noop(2), time.Time{}, Block)
		require.ErrorIs(t, err, ErrClosed)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked push did not wake on close")
	}
}

func TestClosedEmptyPopReturnsNullHandle(t *testing.T) {
	q := NewFIFO(0)
	q.Close()
	u, ok := q.Pop()
	require.False(t, ok)
	require.Nil(t, u)
}

func TestConcurrentFIFOPushPop(t *testing.T) {
	q := NewFIFO(0)
	const n = 1000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(0); i < n; i++ {
			_, _ = q.Push(noop(i), time.Time{}, Block)
		}
	}()

	seen := 0
	for seen < n {
		if _, ok := q.TryPopFor(50 * time.Millisecond); ok {
			seen++
		}
	}
	wg.Wait()
	require.Equal(t, n, seen)
}
