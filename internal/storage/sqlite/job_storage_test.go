package sqlite

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// setupTestDB creates a file-backed SQLite database for testing
func setupTestDB(t *testing.T) (*SQLiteDB, func()) {
	tempDir := t.TempDir()
	dbPath := tempDir + "/test.db"

	config := &common.SQLiteConfig{
		Path:          dbPath,
		CacheSizeMB:   16,
		BusyTimeoutMS: 5000,
		WALMode:       false, // Disable WAL for simpler test cleanup
	}

	logger := arbor.NewLogger()

	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return db, cleanup
}

// newTestJob builds a minimal queued job
func newTestJob(id, url string) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:         id,
		URL:        url,
		Method:     "GET",
		Variant:    models.VariantLightHTTP,
		Status:     models.JobStatusQueued,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// startJob moves a queued job into RUNNING
func startJob(t *testing.T, storage interfaces.JobStorage, id string) {
	t.Helper()
	err := storage.Transition(context.Background(), id, models.JobStatusQueued, models.JobStatusRunning, nil)
	require.NoError(t, err)
}

func TestJobStorage_CreateAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("job_create_1", "https://example.com/products")
	job.Method = "POST"
	job.Headers = map[string]string{"Authorization": "Bearer token"}
	job.Params = map[string]string{"page": "2"}
	job.Body = json.RawMessage(`{"query":"laptops"}`)
	job.Variant = models.VariantHeadlessBrowser
	job.Config = models.ScrapeConfig{Timeout: 60, ExtractText: true, WaitForSelector: "#content"}
	job.Tags = []string{"catalog", "bulk:b42"}
	job.Priority = 7
	job.CallbackURL = "https://hooks.example.com/done"

	require.NoError(t, storage.CreateJob(ctx, job))

	got, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.URL, got.URL)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, job.Headers, got.Headers)
	assert.Equal(t, job.Params, got.Params)
	assert.JSONEq(t, string(job.Body), string(got.Body))
	assert.Equal(t, models.VariantHeadlessBrowser, got.Variant)
	assert.Equal(t, 60, got.Config.Timeout)
	assert.True(t, got.Config.ExtractText)
	assert.Equal(t, "#content", got.Config.WaitForSelector)
	assert.Equal(t, []string{"catalog", "bulk:b42"}, got.Tags)
	assert.Equal(t, 7, got.Priority)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, 3, got.MaxRetries)
	assert.False(t, got.CancelRequested)
	assert.Equal(t, "https://hooks.example.com/done", got.CallbackURL)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestJobStorage_CreateDuplicateID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("job_dup_1", "https://example.com/a")
	require.NoError(t, storage.CreateJob(ctx, job))

	again := newTestJob("job_dup_1", "https://example.com/b")
	err := storage.CreateJob(ctx, again)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrDuplicateID), "expected DUPLICATE_ID, got %v", err)

	// Original row untouched
	got, err := storage.GetJob(ctx, "job_dup_1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", got.URL)
}

func TestJobStorage_GetJobNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())

	_, err := storage.GetJob(context.Background(), "job_missing")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestJobStorage_TransitionLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("job_life_1", "https://example.com/page")
	require.NoError(t, storage.CreateJob(ctx, job))

	startJob(t, storage, job.ID)

	got, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, 0, got.Progress)

	require.NoError(t, storage.UpdateProgress(ctx, job.ID, 40, "fetching"))
	got, err = storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "fetching", got.ProgressMessage)

	err = storage.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusFailed,
		&interfaces.TransitionUpdate{ErrorMessage: "connection refused", IncrementRetry: true})
	require.NoError(t, err)

	got, err = storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "connection refused", got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)
	// Last observed progress survives on failure
	assert.Equal(t, 40, got.Progress)
}

func TestJobStorage_TransitionConflicts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("job_cas_1", "https://example.com/page")
	require.NoError(t, storage.CreateJob(ctx, job))

	// First claim wins
	startJob(t, storage, job.ID)

	// Second claim loses the compare-and-set
	err := storage.Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusRunning, nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrInvalidTransition))
	assert.Contains(t, err.Error(), "RUNNING")

	// Illegal edge is rejected before touching the row
	err = storage.Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusCompleted, nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrInvalidTransition))

	// Unknown job distinguishes NOT_FOUND from a lost race
	err = storage.Transition(ctx, "job_missing", models.JobStatusQueued, models.JobStatusRunning, nil)
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestJobStorage_RetryEdgeRequeues(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("job_retry_1", "https://example.com/flaky")
	require.NoError(t, storage.CreateJob(ctx, job))
	startJob(t, storage, job.ID)
	require.NoError(t, storage.UpdateProgress(ctx, job.ID, 60, "halfway"))

	err := storage.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusQueued,
		&interfaces.TransitionUpdate{ErrorMessage: "timeout", IncrementRetry: true})
	require.NoError(t, err)

	got, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// The next attempt starts with a clean progress slate
	startJob(t, storage, job.ID)
	got, err = storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, "", got.ProgressMessage)
}

func TestJobStorage_CompleteWithResult(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	results := NewResultStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("job_done_1", "https://example.com/page")
	require.NoError(t, jobs.CreateJob(ctx, job))
	startJob(t, jobs, job.ID)

	result := &models.JobResult{
		ID:             "res_done_1",
		JobID:          job.ID,
		StatusCode:     200,
		ResponseTimeMs: 134,
		ContentLength:  2048,
		ContentType:    "text/html",
		Content:        "<html><body>ok</body></html>",
		FinalURL:       "https://example.com/page",
	}
	require.NoError(t, jobs.CompleteWithResult(ctx, job.ID, result))

	got, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "", got.ErrorMessage)

	stored, err := results.GetResultByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "res_done_1", stored.ID)
	assert.Equal(t, 200, stored.StatusCode)
	assert.Equal(t, result.Content, stored.Content)

	// A completed job cannot complete again
	err = jobs.CompleteWithResult(ctx, job.ID, result)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrInvalidTransition))
}

func TestJobStorage_CompleteWithResultNotRunning(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	results := NewResultStorage(db, logger)
	ctx := context.Background()

	job := newTestJob("job_notrun_1", "https://example.com/page")
	require.NoError(t, jobs.CreateJob(ctx, job))

	err := jobs.CompleteWithResult(ctx, job.ID, &models.JobResult{ID: "res_x", JobID: job.ID})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrInvalidTransition))

	// Nothing was stored
	count, err := results.CountResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestJobStorage_UpdateProgress(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("job_prog_1", "https://example.com/page")
	require.NoError(t, storage.CreateJob(ctx, job))
	startJob(t, storage, job.ID)

	// Out-of-range values clamp
	require.NoError(t, storage.UpdateProgress(ctx, job.ID, 150, "overshoot"))
	got, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	// Reports after a terminal transition are dropped silently
	err = storage.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusCancelled, nil)
	require.NoError(t, err)
	require.NoError(t, storage.UpdateProgress(ctx, job.ID, 10, "stale report"))

	got, err = storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotEqual(t, "stale report", got.ProgressMessage)

	// Unknown jobs still surface NOT_FOUND
	err = storage.UpdateProgress(ctx, "job_missing", 5, "x")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestJobStorage_CancelFlag(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := newTestJob("job_cancel_1", "https://example.com/slow")
	require.NoError(t, storage.CreateJob(ctx, job))

	flag, err := storage.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, flag)

	require.NoError(t, storage.RequestCancel(ctx, job.ID))
	flag, err = storage.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, flag)

	// Idempotent
	require.NoError(t, storage.RequestCancel(ctx, job.ID))

	err = storage.RequestCancel(ctx, "job_missing")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))

	_, err = storage.CancelRequested(ctx, "job_missing")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestJobStorage_GetJobsByStatusOrdering(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, priority := range []int{1, 9, 5} {
		job := newTestJob("job_order_"+string(rune('a'+i)), "https://example.com/p")
		job.Priority = priority
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		job.UpdatedAt = job.CreatedAt
		require.NoError(t, storage.CreateJob(ctx, job))
	}

	running := newTestJob("job_order_run", "https://example.com/r")
	require.NoError(t, storage.CreateJob(ctx, running))
	startJob(t, storage, running.ID)

	queued, err := storage.GetJobsByStatus(ctx, models.JobStatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	// Highest priority first, submission order breaks ties
	assert.Equal(t, 9, queued[0].Priority)
	assert.Equal(t, 5, queued[1].Priority)
	assert.Equal(t, 1, queued[2].Priority)

	counts, err := storage.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[models.JobStatusQueued])
	assert.Equal(t, 1, counts[models.JobStatusRunning])
}

func TestJobStorage_GetJobsByTag(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 2; i++ {
		job := newTestJob("job_tag_"+string(rune('a'+i)), "https://example.com/p")
		job.Tags = []string{"bulk:grp1", "misc"}
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		job.UpdatedAt = job.CreatedAt
		require.NoError(t, storage.CreateJob(ctx, job))
	}
	other := newTestJob("job_tag_other", "https://example.com/q")
	other.Tags = []string{"misc"}
	require.NoError(t, storage.CreateJob(ctx, other))

	tagged, err := storage.GetJobsByTag(ctx, "bulk:grp1")
	require.NoError(t, err)
	require.Len(t, tagged, 2)
	assert.Equal(t, "job_tag_a", tagged[0].ID)
	assert.Equal(t, "job_tag_b", tagged[1].ID)

	none, err := storage.GetJobsByTag(ctx, "bulk:grp2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJobStorage_DeleteTerminalBefore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	logger := arbor.NewLogger()
	jobs := NewJobStorage(db, logger)
	results := NewResultStorage(db, logger)
	ctx := context.Background()

	old := newTestJob("job_sweep_old", "https://example.com/old")
	require.NoError(t, jobs.CreateJob(ctx, old))
	startJob(t, jobs, old.ID)
	require.NoError(t, jobs.CompleteWithResult(ctx, old.ID, &models.JobResult{
		ID: "res_sweep_old", JobID: old.ID, StatusCode: 200, Content: "old",
	}))

	recent := newTestJob("job_sweep_recent", "https://example.com/recent")
	require.NoError(t, jobs.CreateJob(ctx, recent))
	startJob(t, jobs, recent.ID)
	require.NoError(t, jobs.CompleteWithResult(ctx, recent.ID, &models.JobResult{
		ID: "res_sweep_recent", JobID: recent.ID, StatusCode: 200, Content: "recent",
	}))

	active := newTestJob("job_sweep_active", "https://example.com/active")
	require.NoError(t, jobs.CreateJob(ctx, active))
	startJob(t, jobs, active.ID)

	// Age the first job past the retention window
	agedCompletion := time.Now().UTC().Add(-48 * time.Hour).UnixMilli()
	_, err := db.DB().ExecContext(ctx, "UPDATE jobs SET completed_at = ? WHERE id = ?", agedCompletion, old.ID)
	require.NoError(t, err)

	deleted, err := jobs.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = jobs.GetJob(ctx, old.ID)
	assert.True(t, models.IsNotFound(err))

	// The swept job's result row cascades away
	_, err = results.GetResultByJobID(ctx, old.ID)
	assert.True(t, models.IsNotFound(err))

	// Recent terminal and running jobs survive
	_, err = jobs.GetJob(ctx, recent.ID)
	require.NoError(t, err)
	_, err = jobs.GetJob(ctx, active.ID)
	require.NoError(t, err)

	count, err := results.CountResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
