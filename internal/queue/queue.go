// Package queue implements the bounded single-producer /
// single-consumer FIFO used for both the receive queue and the send
// queue: a mutex-and-condition-variable queue with a worker goroutine
// that wakes on enqueue or a one-second tick, whichever comes first,
// so it can observe a cleared running flag promptly even with no new
// work arriving.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("queue: full")

// ErrStopped is returned by Enqueue once Stop has been called.
var ErrStopped = errors.New("queue: stopped")

// tickInterval is the worker's periodic wake interval, matching the
// one-second liveness-check wait described for the receive and send
// queues.
const tickInterval = time.Second

// Queue is a bounded FIFO of items of type T, drained by a single
// worker goroutine started with Start.
type Queue[T any] struct {
	mu         sync.Mutex
	cond       *sync.Cond
	items      []T
	maxLen     int
	running    bool
	stopping   bool
	workerDone chan struct{}
	tickerDone chan struct{}

	depthGauge     prometheus.Gauge
	highWaterGauge prometheus.Gauge
	highWaterMark  int
}

// New creates a queue bounded at maxLen items (0 means unbounded).
// name is used as a Prometheus metric label prefix (e.g. "receive",
// "send") so both queues can share one registration site.
func New[T any](reg prometheus.Registerer, name string, maxLen int) *Queue[T] {
	factory := promauto.With(reg)
	q := &Queue[T]{maxLen: maxLen}
	q.cond = sync.NewCond(&q.mu)
	q.depthGauge = factory.NewGauge(prometheus.GaugeOpts{
		Name: "srx_queue_depth",
		Help: "Current number of items queued.",
		ConstLabels: prometheus.Labels{
			"queue": name,
		},
	})
	q.highWaterGauge = factory.NewGauge(prometheus.GaugeOpts{
		Name: "srx_queue_high_watermark",
		Help: "Highest number of items this queue has ever held simultaneously.",
		ConstLabels: prometheus.Labels{
			"queue": name,
		},
	})
	return q
}

// Enqueue appends item to the tail. It fails if the queue is stopped
// or, when bounded, already at capacity.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		return ErrStopped
	}
	if q.maxLen > 0 && len(q.items) >= q.maxLen {
		return ErrFull
	}
	q.items = append(q.items, item)
	if len(q.items) > q.highWaterMark {
		q.highWaterMark = len(q.items)
		q.highWaterGauge.Set(float64(q.highWaterMark))
	}
	q.depthGauge.Set(float64(len(q.items)))
	q.cond.Signal()
	return nil
}

// Start launches the worker goroutine, which calls handle once per
// dequeued item in FIFO order until Stop is called and the queue
// drains. Start must be called at most once per Queue.
func (q *Queue[T]) Start(handle func(T)) {
	q.mu.Lock()
	q.running = true
	q.workerDone = make(chan struct{})
	q.tickerDone = make(chan struct{})
	workerDone := q.workerDone
	tickerDone := q.tickerDone
	q.mu.Unlock()

	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		defer close(tickerDone)
		for {
			select {
			case <-ticker.C:
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-workerDone:
				return
			}
		}
	}()

	go func() {
		defer close(workerDone)
		for {
			q.mu.Lock()
			for len(q.items) == 0 && q.running {
				q.cond.Wait()
			}
			if len(q.items) == 0 && !q.running {
				q.mu.Unlock()
				return
			}
			item := q.items[0]
			q.items = q.items[1:]
			q.depthGauge.Set(float64(len(q.items)))
			q.mu.Unlock()

			handle(item)
		}
	}()
}

// Stop clears the running flag, wakes the worker, and blocks until it
// has drained every remaining item and exited.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if q.stopping {
		workerDone := q.workerDone
		q.mu.Unlock()
		if workerDone != nil {
			<-workerDone
		}
		return
	}
	q.stopping = true
	q.running = false
	workerDone := q.workerDone
	q.cond.Broadcast()
	q.mu.Unlock()

	if workerDone != nil {
		<-workerDone
	}
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
