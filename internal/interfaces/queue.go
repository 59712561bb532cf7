package interfaces

import "context"

// JobQueue is the bounded in-process dispatch queue. Only job IDs are
// queued; the store holds the payload.
type JobQueue interface {
	// Enqueue admits a job or fails fast with QUEUE_FULL at capacity.
	Enqueue(jobID string, priority int) error

	// EnqueueWait blocks until space frees, the context ends, or the
	// queue closes. Used by retry re-admission, which must not drop jobs.
	EnqueueWait(ctx context.Context, jobID string, priority int) error

	// Dequeue blocks for the highest-priority job; FIFO within a
	// priority. Draining continues after Close until the queue is empty.
	Dequeue(ctx context.Context) (string, error)

	// Remove takes a queued job out of line; false when not present.
	Remove(jobID string) bool

	Len() int
	Close()
}
