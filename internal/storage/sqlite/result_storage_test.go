package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/models"
)

func TestResultStorage_SaveAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	results := NewResultStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("job_res_1", "https://example.com/page")
	require.NoError(t, jobs.CreateJob(ctx, job))

	created := time.Now().UTC().Add(-time.Minute)
	result := &models.JobResult{
		ID:             "res_1",
		JobID:          job.ID,
		StatusCode:     200,
		ResponseTimeMs: 245,
		ContentLength:  4096,
		ContentType:    "text/html; charset=utf-8",
		Headers:        map[string]string{"Server": "nginx", "Content-Encoding": "gzip"},
		Content:        "<html><body><a href=\"/next\">next</a></body></html>",
		Text:           "next",
		Markdown:       "[next](/next)",
		Links:          []string{"https://example.com/next"},
		Images:         []string{"https://example.com/logo.png"},
		Screenshot:     "iVBORw0KGgo=",
		FinalURL:       "https://example.com/page",
		CreatedAt:      created,
	}
	require.NoError(t, results.SaveResult(ctx, result))

	got, err := results.GetResultByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "res_1", got.ID)
	assert.Equal(t, job.ID, got.JobID)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, int64(245), got.ResponseTimeMs)
	assert.Equal(t, int64(4096), got.ContentLength)
	assert.Equal(t, result.ContentType, got.ContentType)
	assert.Equal(t, result.Headers, got.Headers)
	assert.Equal(t, result.Content, got.Content)
	assert.Equal(t, result.Text, got.Text)
	assert.Equal(t, result.Markdown, got.Markdown)
	assert.Equal(t, result.Links, got.Links)
	assert.Equal(t, result.Images, got.Images)
	assert.Equal(t, result.Screenshot, got.Screenshot)
	assert.Equal(t, result.FinalURL, got.FinalURL)
	assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)
}

func TestResultStorage_UpsertReplacesPerJob(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	results := NewResultStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("job_res_up", "https://example.com/retry")
	require.NoError(t, jobs.CreateJob(ctx, job))

	first := &models.JobResult{ID: "res_attempt_1", JobID: job.ID, StatusCode: 503, Content: "unavailable"}
	require.NoError(t, results.SaveResult(ctx, first))

	second := &models.JobResult{ID: "res_attempt_2", JobID: job.ID, StatusCode: 200, Content: "recovered"}
	require.NoError(t, results.SaveResult(ctx, second))

	got, err := results.GetResultByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "res_attempt_2", got.ID)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, "recovered", got.Content)

	count, err := results.CountResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResultStorage_SaveRequiresExistingJob(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	results := NewResultStorage(db, arbor.NewLogger())

	err := results.SaveResult(context.Background(), &models.JobResult{
		ID: "res_orphan", JobID: "job_missing", StatusCode: 200,
	})
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestResultStorage_SaveRequiresJobID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	results := NewResultStorage(db, arbor.NewLogger())

	err := results.SaveResult(context.Background(), &models.JobResult{ID: "res_nojob"})
	require.Error(t, err)
	assert.True(t, models.IsInvalidInput(err))
}

func TestResultStorage_GetNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	results := NewResultStorage(db, arbor.NewLogger())

	_, err := results.GetResultByJobID(context.Background(), "job_missing")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestResultStorage_DeleteIsIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	results := NewResultStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("job_res_del", "https://example.com/page")
	require.NoError(t, jobs.CreateJob(ctx, job))
	require.NoError(t, results.SaveResult(ctx, &models.JobResult{ID: "res_del", JobID: job.ID}))

	require.NoError(t, results.DeleteResultByJobID(ctx, job.ID))
	_, err := results.GetResultByJobID(ctx, job.ID)
	assert.True(t, models.IsNotFound(err))

	// Repeat deletes are no-ops
	require.NoError(t, results.DeleteResultByJobID(ctx, job.ID))
	require.NoError(t, results.DeleteResultByJobID(ctx, "job_never_existed"))
}
