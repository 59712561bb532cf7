package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/models"
)

func TestJobStorage_DeleteJob(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("job_del_1", "https://example.com/a")
	require.NoError(t, storage.CreateJob(ctx, job))

	require.NoError(t, storage.DeleteJob(ctx, job.ID))

	_, err := storage.GetJob(ctx, job.ID)
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestJobStorage_DeleteJobNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())

	err := storage.DeleteJob(context.Background(), "job_missing")
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestJobStorage_DeleteJobCascadesResult(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	jobStorage := NewJobStorage(db, arbor.NewLogger())
	resultStorage := NewResultStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("job_del_res", "https://example.com/b")
	require.NoError(t, jobStorage.CreateJob(ctx, job))
	startJob(t, jobStorage, job.ID)

	result := &models.JobResult{
		JobID:      job.ID,
		StatusCode: 200,
		Content:    "<html></html>",
	}
	require.NoError(t, jobStorage.CompleteWithResult(ctx, job.ID, result))

	_, err := resultStorage.GetResultByJobID(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, jobStorage.DeleteJob(ctx, job.ID))

	// The result row rides on the job's foreign key.
	_, err = resultStorage.GetResultByJobID(ctx, job.ID)
	assert.True(t, models.IsKind(err, models.ErrNotFound))

	count, err := resultStorage.CountResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
