package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkGateLimitsParallelism(t *testing.T) {
	c := NewBulkController()
	c.Register("b1", 2, false, 3)

	release1, aborted, err := c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	require.False(t, aborted)
	release2, aborted, err := c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	require.False(t, aborted)

	// The third member has to wait for a slot.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = c.Acquire(ctx, "b1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release1()
	release3, aborted, err := c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	assert.False(t, aborted)
	release3()
	release2()
}

func TestBulkReleaseIsIdempotent(t *testing.T) {
	c := NewBulkController()
	c.Register("b1", 1, false, 2)

	release, _, err := c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	release()
	release()

	// A double release must not have freed a phantom second slot.
	release, _, err = c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = c.Acquire(ctx, "b1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBulkStopOnErrorArmsAbort(t *testing.T) {
	c := NewBulkController()
	c.Register("b1", 5, true, 3)

	assert.False(t, c.Aborted("b1"))
	c.JobFailed("b1")
	assert.True(t, c.Aborted("b1"))

	_, aborted, err := c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	assert.True(t, aborted, "members of an aborted bulk must not run")
}

func TestBulkWithoutStopOnErrorIgnoresFailures(t *testing.T) {
	c := NewBulkController()
	c.Register("b1", 5, false, 3)

	c.JobFailed("b1")
	assert.False(t, c.Aborted("b1"))

	release, aborted, err := c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	assert.False(t, aborted)
	release()
}

func TestBulkGateDroppedAfterLastMember(t *testing.T) {
	c := NewBulkController()
	c.Register("b1", 1, true, 2)
	c.JobFailed("b1")

	c.JobFinished("b1")
	assert.True(t, c.Aborted("b1"), "gate still live with one member pending")

	c.JobFinished("b1")
	assert.False(t, c.Aborted("b1"), "gate must be dropped once every member finished")
}

func TestBulkUnknownIDPassesThrough(t *testing.T) {
	c := NewBulkController()

	release, aborted, err := c.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, aborted)
	release()

	release, aborted, err = c.Acquire(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, aborted)
	release()

	c.JobFailed("nope")
	c.JobFinished("nope")
	assert.False(t, c.Aborted("nope"))
}
