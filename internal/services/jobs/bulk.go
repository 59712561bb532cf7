package jobs

import (
	"context"
	"sync"
)

// BulkController coordinates the jobs of bulk submissions: a counting
// semaphore caps how many members run at once, and an abort flag stops
// the remainder once stop_on_error fires. State is keyed by bulk id and
// dropped when the last member reaches a terminal status.
type BulkController struct {
	mu    sync.Mutex
	gates map[string]*bulkGate
}

type bulkGate struct {
	sem         chan struct{}
	stopOnError bool
	aborted     bool
	pending     int
}

func NewBulkController() *BulkController {
	return &BulkController{
		gates: make(map[string]*bulkGate),
	}
}

// Register installs the gate for a new bulk before any of its jobs can
// reach a worker.
func (c *BulkController) Register(bulkID string, parallelLimit int, stopOnError bool, total int) {
	if parallelLimit < 1 {
		parallelLimit = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gates[bulkID] = &bulkGate{
		sem:         make(chan struct{}, parallelLimit),
		stopOnError: stopOnError,
		pending:     total,
	}
}

// Acquire takes a slot in the bulk's parallelism gate. It reports
// aborted=true when the bulk has been stopped, in which case no slot is
// held. Jobs outside any known bulk pass through untouched.
func (c *BulkController) Acquire(ctx context.Context, bulkID string) (release func(), aborted bool, err error) {
	noop := func() {}
	gate := c.gate(bulkID)
	if gate == nil {
		return noop, false, nil
	}

	c.mu.Lock()
	stopped := gate.aborted
	c.mu.Unlock()
	if stopped {
		return noop, true, nil
	}

	select {
	case gate.sem <- struct{}{}:
	case <-ctx.Done():
		return noop, false, ctx.Err()
	}

	// The abort may have fired while this job waited for a slot.
	c.mu.Lock()
	stopped = gate.aborted
	c.mu.Unlock()
	if stopped {
		<-gate.sem
		return noop, true, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-gate.sem })
	}, false, nil
}

// Aborted reports whether the bulk has been stopped.
func (c *BulkController) Aborted(bulkID string) bool {
	gate := c.gate(bulkID)
	if gate == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return gate.aborted
}

// JobFailed records a permanent failure of a bulk member. With
// stop_on_error set this arms the abort for the rest of the bulk.
func (c *BulkController) JobFailed(bulkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gate := c.gates[bulkID]
	if gate != nil && gate.stopOnError {
		gate.aborted = true
	}
}

// JobFinished records a bulk member reaching any terminal status. The
// gate is dropped once every member has finished.
func (c *BulkController) JobFinished(bulkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gate := c.gates[bulkID]
	if gate == nil {
		return
	}
	gate.pending--
	if gate.pending <= 0 {
		delete(c.gates, bulkID)
	}
}

// Unregister drops the gate outright, releasing nothing. Used when a
// bulk submission is rolled back before any member ran.
func (c *BulkController) Unregister(bulkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gates, bulkID)
}

func (c *BulkController) gate(bulkID string) *bulkGate {
	if bulkID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gates[bulkID]
}
