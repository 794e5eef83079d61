package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDrainsFIFO(t *testing.T) {
	q := New[int](prometheus.NewRegistry(), "test-fifo", 0)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	q.Start(func(item int) {
		mu.Lock()
		got = append(got, item)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	require.NoError(t, q.Enqueue(3))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, got)

	q.Stop()
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New[int](prometheus.NewRegistry(), "test-bounded", 1)
	require.NoError(t, q.Enqueue(1))
	require.ErrorIs(t, q.Enqueue(2), ErrFull)
}

func TestStopRejectsFurtherEnqueue(t *testing.T) {
	q := New[int](prometheus.NewRegistry(), "test-stop", 0)
	q.Start(func(int) {})
	q.Stop()
	require.ErrorIs(t, q.Enqueue(1), ErrStopped)
}

func TestStopDrainsRemainingItems(t *testing.T) {
	q := New[int](prometheus.NewRegistry(), "test-drain", 0)

	var mu sync.Mutex
	var processed int

	block := make(chan struct{})
	q.Start(func(item int) {
		<-block
		mu.Lock()
		processed++
		mu.Unlock()
	})

	require.NoError(t, q.Enqueue(1))
	close(block)
	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, processed)
}

func TestStopIsIdempotent(t *testing.T) {
	q := New[int](prometheus.NewRegistry(), "test-idempotent", 0)
	q.Start(func(int) {})
	q.Stop()
	q.Stop()
}
