// -----------------------------------------------------------------------
// Priority Queue - bounded in-memory dispatch queue for job ids
// -----------------------------------------------------------------------

package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// item is one queued entry. The queue never holds job state, only the
// id, its priority and the admission sequence for FIFO tie-breaks.
type item struct {
	jobID    string
	priority int
	seq      uint64
	index    int
}

// itemHeap orders by priority descending, then admission order.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// PriorityQueue is a bounded, blocking priority queue. Higher priority
// dequeues first; equal priorities dequeue in admission order. A zero
// or negative capacity means unbounded.
type PriorityQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    itemHeap
	byID     map[string]*item
	capacity int
	seq      uint64
	closed   bool
	metrics  *metrics.Collector
}

// New creates an empty queue. The collector may be nil.
func New(capacity int, collector *metrics.Collector) *PriorityQueue {
	q := &PriorityQueue{
		byID:     make(map[string]*item),
		capacity: capacity,
		metrics:  collector,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue admits a job id without blocking. A full queue returns
// QUEUE_FULL; re-admitting an id already queued is a no-op.
func (q *PriorityQueue) Enqueue(jobID string, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.byID[jobID]; ok {
		return nil
	}
	if q.full() {
		return models.NewError(models.ErrQueueFull, "queue at capacity %d", q.capacity)
	}
	q.push(jobID, priority)
	return nil
}

// EnqueueWait admits a job id, blocking while the queue is full until
// space frees up, the context ends, or the queue closes.
func (q *PriorityQueue) EnqueueWait(ctx context.Context, jobID string, priority int) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := q.byID[jobID]; ok {
			return nil
		}
		if !q.full() {
			q.push(jobID, priority)
			return nil
		}
		q.notFull.Wait()
	}
}

// Dequeue removes and returns the highest-priority id, blocking on an
// empty queue until an item arrives, the context ends, or the queue
// closes.
func (q *PriorityQueue) Dequeue(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*item)
			delete(q.byID, it.jobID)
			q.notFull.Signal()
			q.report()
			return it.jobID, nil
		}
		if q.closed {
			return "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		q.notEmpty.Wait()
	}
}

// Remove drops a queued id. Returns false when the id is not queued,
// which callers treat as "already dequeued".
func (q *PriorityQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, jobID)
	q.notFull.Signal()
	q.report()
	return true
}

// Len returns the current depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters. Queued items stay readable until drained;
// further enqueues fail with ErrClosed.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// push appends under the held lock.
func (q *PriorityQueue) push(jobID string, priority int) {
	it := &item{jobID: jobID, priority: priority, seq: q.seq}
	q.seq++
	heap.Push(&q.items, it)
	q.byID[jobID] = it
	q.notEmpty.Signal()
	q.report()
}

// full reports capacity exhaustion under the held lock.
func (q *PriorityQueue) full() bool {
	return q.capacity > 0 && len(q.items) >= q.capacity
}

// report publishes the depth gauge under the held lock.
func (q *PriorityQueue) report() {
	if q.metrics != nil {
		q.metrics.SetQueueDepth(len(q.items))
	}
}

var _ interfaces.JobQueue = (*PriorityQueue)(nil)
