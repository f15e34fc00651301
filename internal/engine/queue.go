package engine

import (
	"sync"

	"github.com/roach88/tokenline/internal/ir"
)

// work is one unit for a worker: a token ready to execute at a node, or an
// aggregation batch ready to flush.
type work struct {
	tok  ir.Token
	node string
	row  ir.Row

	// routed is set when a gate selected the edge the token arrived on.
	routed bool

	flush *batch
}

// workQueue is a thread-safe FIFO of ready work.
//
// The queue is unbounded so fork and expansion fan-out never blocks a
// worker. It also counts active work (queued plus executing) so the run
// can tell when it has drained.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the workers.
type workQueue struct {
	mu     sync.Mutex
	items  []work
	active int
	closed bool
	signal chan struct{} // Signals work availability (buffered, size 1)
	idle   chan struct{} // Signals active dropping to zero (buffered, size 1)
}

// newWorkQueue creates an empty work queue.
func newWorkQueue() *workQueue {
	return &workQueue{
		items:  make([]work, 0, 64), // Pre-allocate for typical fan-out
		signal: make(chan struct{}, 1),
		idle:   make(chan struct{}, 1),
	}
}

// Enqueue adds work to the back of the queue.
// Thread-safe: workers enqueue successors while the coordinator enqueues
// flushes. Returns false if the queue is closed.
func (q *workQueue) Enqueue(w work) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, w)
	q.active++

	// Non-blocking: the buffer of 1 coalesces multiple signals
	notify(q.signal)
	return true
}

// TryDequeue removes the front item without blocking. The caller must call
// Done once the item is handled.
func (q *workQueue) TryDequeue() (work, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return work{}, false
	}
	w := q.items[0]

	// Zero the slot so its row and batch can be collected
	q.items[0] = work{}

	// Reuse the backing array once the queue empties
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	// Another worker may be waiting on the coalesced signal.
	if len(q.items) > 0 && !q.closed {
		notify(q.signal)
	}
	return w, true
}

// Done marks one dequeued item as handled.
func (q *workQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	if q.active == 0 {
		notify(q.idle)
	}
}

// Wait returns a channel that signals when work may be available. It is
// closed when the queue closes. Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return nil
//	case <-q.Wait():
//	    // Try TryDequeue
//	}
func (q *workQueue) Wait() <-chan struct{} {
	return q.signal
}

// Idle returns a channel that signals when active work drops to zero.
// The coordinator selects on it to notice the end of a drain round.
func (q *workQueue) Idle() <-chan struct{} {
	return q.idle
}

// Active returns the number of queued plus executing items.
func (q *workQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Len returns the number of queued items.
func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues and wakes every waiter.
func (q *workQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return // Already closed
	}
	q.closed = true
	close(q.signal) // Wakes all waiters
}

// notify sends on ch without blocking.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
