package timer

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"pulsetimer/pkg/pulse"
)

// request travels from a submitting goroutine to the worker.
type request struct {
	delay time.Duration
	sink  *pulse.Sender
}

// requestQueue is the many-producer, single-consumer handoff to the worker.
// push never blocks: the ring buffer grows as needed and the capacity-1 wake
// channel coalesces notifications.
type requestQueue struct {
	mu      sync.Mutex
	pending *queue.Queue
	err     error // set once by close; later pushes fail with it

	wake chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
	}
}

func (q *requestQueue) push(r request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.pending.Add(r)
	q.notify()
	return nil
}

// notify wakes the worker if it is not already due to wake.
func (q *requestQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain removes and returns every queued request in FIFO order.
func (q *requestQueue) drain() []request {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.pending.Length()
	if n == 0 {
		return nil
	}
	batch := make([]request, 0, n)
	for q.pending.Length() > 0 {
		batch = append(batch, q.pending.Remove().(request))
	}
	return batch
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Length()
}

// close rejects further pushes with err and returns whatever was still queued.
// Only the first call has an effect.
func (q *requestQueue) close(err error) []request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil
	}
	q.err = err
	var left []request
	for q.pending.Length() > 0 {
		left = append(left, q.pending.Remove().(request))
	}
	return left
}

func (q *requestQueue) closedErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
