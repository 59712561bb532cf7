package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/queue"
	"github.com/ternarybob/colligo/internal/services/jobs"
)

// fakeStore is an in-memory JobStorage for executor tests.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	results map[string]*models.JobResult
}

var _ interfaces.JobStorage = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[string]*models.Job),
		results: make(map[string]*models.JobResult),
	}
}

func (s *fakeStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return models.NewError(models.ErrDuplicateID, "job %s already exists", job.ID)
	}
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "job %s not found", id)
	}
	clone := *job
	return &clone, nil
}

func (s *fakeStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *fakeStore) Transition(_ context.Context, id string, from, to models.JobStatus, update *interfaces.TransitionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.NewError(models.ErrNotFound, "job %s not found", id)
	}
	if !models.CanTransition(from, to) || job.Status != from {
		return models.NewError(models.ErrInvalidTransition, "job %s is %s", id, job.Status)
	}
	job.Status = to
	if update != nil {
		if update.ErrorMessage != "" {
			job.ErrorMessage = update.ErrorMessage
		}
		if update.IncrementRetry {
			job.RetryCount++
		}
	}
	return nil
}

func (s *fakeStore) CompleteWithResult(_ context.Context, id string, result *models.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.NewError(models.ErrNotFound, "job %s not found", id)
	}
	if job.Status != models.JobStatusRunning {
		return models.NewError(models.ErrInvalidTransition, "job %s is %s", id, job.Status)
	}
	job.Status = models.JobStatusCompleted
	job.Progress = 100
	s.results[id] = result
	return nil
}

func (s *fakeStore) UpdateProgress(_ context.Context, id string, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.Status == models.JobStatusRunning {
		job.SetProgress(progress, message)
	}
	return nil
}

func (s *fakeStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.NewError(models.ErrNotFound, "job %s not found", id)
	}
	job.CancelRequested = true
	return nil
}

func (s *fakeStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, models.NewError(models.ErrNotFound, "job %s not found", id)
	}
	return job.CancelRequested, nil
}

func (s *fakeStore) ListJobs(_ context.Context, _ *models.JobQuery) ([]*models.Job, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) SearchJobs(_ context.Context, _ *models.JobQuery) ([]*models.Job, int, error) {
	return nil, 0, nil
}

func (s *fakeStore) GetJobsByStatus(_ context.Context, status models.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.Job
	for _, job := range s.jobs {
		if job.Status == status {
			clone := *job
			matched = append(matched, &clone)
		}
	}
	return matched, nil
}

func (s *fakeStore) GetJobsByTag(_ context.Context, tag string) ([]*models.Job, error) {
	return nil, nil
}

func (s *fakeStore) CountJobsByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	return nil, nil
}

func (s *fakeStore) DeleteTerminalBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeStore) status(id string) models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

func (s *fakeStore) job(id string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

// fakeScraper runs a scripted fetch and records call order and
// concurrency.
type fakeScraper struct {
	fn func(ctx context.Context, job *models.Job) (*models.JobResult, error)

	mu        sync.Mutex
	order     []string
	calls     map[string]int
	active    int
	maxActive int
}

var _ interfaces.Scraper = (*fakeScraper)(nil)

func newFakeScraper(fn func(ctx context.Context, job *models.Job) (*models.JobResult, error)) *fakeScraper {
	return &fakeScraper{fn: fn, calls: make(map[string]int)}
}

func (f *fakeScraper) Scrape(ctx context.Context, job *models.Job, progress interfaces.ProgressFunc) (*models.JobResult, error) {
	f.mu.Lock()
	f.order = append(f.order, job.ID)
	f.calls[job.ID]++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if progress != nil {
		progress(50, "fetching")
	}
	return f.fn(ctx, job)
}

func (f *fakeScraper) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeScraper) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeScraper) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func okResult(job *models.Job) *models.JobResult {
	return &models.JobResult{
		ID:         "res_" + job.ID,
		JobID:      job.ID,
		StatusCode: 200,
		Content:    "<html></html>",
		CreatedAt:  time.Now().UTC(),
	}
}

type harness struct {
	service *Service
	store   *fakeStore
	queue   *queue.PriorityQueue
	scraper *fakeScraper
	bulks   *jobs.BulkController
}

func newHarness(workers int, fn func(ctx context.Context, job *models.Job) (*models.JobResult, error)) *harness {
	cfg := common.NewDefaultConfig()
	cfg.Workers.Count = workers
	cfg.Workers.CancelPollInterval = "10ms"
	cfg.Workers.ProgressInterval = "1ms"
	cfg.Workers.ShutdownTimeout = "2s"

	store := newFakeStore()
	q := queue.New(0, nil)
	scraper := newFakeScraper(fn)
	bulks := jobs.NewBulkController()
	service := NewService(cfg, common.GetLogger(), nil, store, q, scraper, bulks)
	return &harness{service: service, store: store, queue: q, scraper: scraper, bulks: bulks}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.queue.Close()
	require.NoError(t, h.service.Stop())
}

func intPtr(i int) *int { return &i }

func (h *harness) submit(t *testing.T, id string, priority int, mutate func(*models.Job)) {
	t.Helper()
	now := time.Now().UTC()
	job := &models.Job{
		ID:         id,
		URL:        "https://example.com",
		Method:     "GET",
		Variant:    models.VariantLightHTTP,
		Status:     models.JobStatusQueued,
		Priority:   priority,
		MaxRetries: 3,
		Config:     models.ScrapeConfig{DelayBetweenRetries: intPtr(0)},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	require.NoError(t, h.queue.Enqueue(id, job.Priority))
}

func waitStatus(t *testing.T, h *harness, id string, want models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.store.status(id) == want
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
}

func TestExecutorCompletesJob(t *testing.T) {
	h := newHarness(1, func(_ context.Context, job *models.Job) (*models.JobResult, error) {
		return okResult(job), nil
	})
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	h.submit(t, "job_1", 0, nil)
	waitStatus(t, h, "job_1", models.JobStatusCompleted)

	job := h.store.job("job_1")
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, h.store.results["job_1"])
	assert.Equal(t, 1, h.scraper.callCount("job_1"))
}

func TestExecutorRetriesThenSucceeds(t *testing.T) {
	var attempts sync.Map
	h := newHarness(1, nil)
	h.scraper.fn = func(_ context.Context, job *models.Job) (*models.JobResult, error) {
		n, _ := attempts.LoadOrStore(job.ID, new(int))
		count := n.(*int)
		*count++
		if *count <= 2 {
			return nil, models.NewFetchError(models.FetchTimeout, true, nil)
		}
		return okResult(job), nil
	}
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	h.submit(t, "job_1", 0, nil)
	waitStatus(t, h, "job_1", models.JobStatusCompleted)

	job := h.store.job("job_1")
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, 3, h.scraper.callCount("job_1"))
}

func TestExecutorFailsWhenBudgetExhausted(t *testing.T) {
	h := newHarness(1, func(_ context.Context, _ *models.Job) (*models.JobResult, error) {
		return nil, models.NewFetchError(models.FetchNetwork, true, nil)
	})
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	h.submit(t, "job_1", 0, func(job *models.Job) {
		job.MaxRetries = 1
	})
	waitStatus(t, h, "job_1", models.JobStatusFailed)

	job := h.store.job("job_1")
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.ErrorMessage, "FETCH_NETWORK")
	assert.Equal(t, 2, h.scraper.callCount("job_1"))
}

func TestExecutorNonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(1, func(_ context.Context, _ *models.Job) (*models.JobResult, error) {
		return nil, models.NewFetchHTTPError(404, nil)
	})
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	h.submit(t, "job_1", 0, nil)
	waitStatus(t, h, "job_1", models.JobStatusFailed)

	job := h.store.job("job_1")
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 1, h.scraper.callCount("job_1"))
}

func TestExecutorPanicFailsJob(t *testing.T) {
	h := newHarness(1, func(_ context.Context, _ *models.Job) (*models.JobResult, error) {
		panic("variant exploded")
	})
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	h.submit(t, "job_1", 0, nil)
	h.submit(t, "job_2", 0, nil)
	waitStatus(t, h, "job_1", models.JobStatusFailed)
	// The worker survives the panic and keeps draining.
	waitStatus(t, h, "job_2", models.JobStatusFailed)

	assert.Contains(t, h.store.job("job_1").ErrorMessage, "panic")
}

func TestExecutorCancelsRunningJob(t *testing.T) {
	h := newHarness(1, func(ctx context.Context, _ *models.Job) (*models.JobResult, error) {
		<-ctx.Done()
		return nil, models.NewFetchError(models.FetchNetwork, false, ctx.Err())
	})
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	h.submit(t, "job_1", 0, nil)
	waitStatus(t, h, "job_1", models.JobStatusRunning)

	require.NoError(t, h.store.RequestCancel(context.Background(), "job_1"))
	waitStatus(t, h, "job_1", models.JobStatusCancelled)
}

func TestExecutorDispatchesByPriority(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(1, func(_ context.Context, job *models.Job) (*models.JobResult, error) {
		if job.ID == "job_first" {
			<-gate
		}
		return okResult(job), nil
	})
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	h.submit(t, "job_first", 0, nil)
	require.Eventually(t, func() bool {
		return h.scraper.callCount("job_first") == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Both land while the single worker is busy; the higher priority
	// must be claimed first.
	h.submit(t, "job_low", -5, nil)
	h.submit(t, "job_high", 5, nil)
	close(gate)

	waitStatus(t, h, "job_low", models.JobStatusCompleted)
	waitStatus(t, h, "job_high", models.JobStatusCompleted)
	assert.Equal(t, []string{"job_first", "job_high", "job_low"}, h.scraper.callOrder())
}

func TestExecutorBulkStopOnError(t *testing.T) {
	h := newHarness(1, func(_ context.Context, job *models.Job) (*models.JobResult, error) {
		if job.ID == "job_bad" {
			return nil, models.NewFetchHTTPError(403, nil)
		}
		return okResult(job), nil
	})
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	h.bulks.Register("blk1", 1, true, 2)
	tag := models.BulkTagPrefix + "blk1"
	h.submit(t, "job_bad", 5, func(job *models.Job) {
		job.Tags = []string{tag}
	})
	h.submit(t, "job_next", 0, func(job *models.Job) {
		job.Tags = []string{tag}
	})

	waitStatus(t, h, "job_bad", models.JobStatusFailed)
	waitStatus(t, h, "job_next", models.JobStatusCancelled)
	assert.Equal(t, 0, h.scraper.callCount("job_next"), "aborted bulk member must not be fetched")
	assert.NotEmpty(t, h.store.job("job_bad").ErrorMessage)
	assert.Empty(t, h.store.job("job_next").ErrorMessage, "only FAILED jobs carry an error message")
}

func TestExecutorBoundsConcurrency(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(2, func(_ context.Context, job *models.Job) (*models.JobResult, error) {
		<-gate
		return okResult(job), nil
	})
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	for _, id := range []string{"job_a", "job_b", "job_c", "job_d"} {
		h.submit(t, id, 0, nil)
	}
	require.Eventually(t, func() bool {
		return h.scraper.peakConcurrency() == 2
	}, 3*time.Second, 10*time.Millisecond)

	close(gate)
	for _, id := range []string{"job_a", "job_b", "job_c", "job_d"} {
		waitStatus(t, h, id, models.JobStatusCompleted)
	}
	assert.Equal(t, 2, h.scraper.peakConcurrency(), "never more workers than configured")
}

func TestExecutorRecover(t *testing.T) {
	h := newHarness(1, func(_ context.Context, job *models.Job) (*models.JobResult, error) {
		return okResult(job), nil
	})

	now := time.Now().UTC()
	queued := &models.Job{
		ID: "job_q", URL: "https://example.com", Method: "GET",
		Variant: models.VariantLightHTTP, Status: models.JobStatusQueued,
		CreatedAt: now, UpdatedAt: now,
	}
	orphan := &models.Job{
		ID: "job_r", URL: "https://example.com", Method: "GET",
		Variant: models.VariantLightHTTP, Status: models.JobStatusRunning,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateJob(context.Background(), queued))
	require.NoError(t, h.store.CreateJob(context.Background(), orphan))

	count, err := h.service.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, h.queue.Len())

	recovered := h.store.job("job_r")
	assert.Equal(t, models.JobStatusQueued, recovered.Status)
	assert.Equal(t, 1, recovered.RetryCount, "an orphaned attempt counts against the budget")
}

func TestExecutorDeliversCallback(t *testing.T) {
	received := make(chan callbackPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload callbackPayload
		if err := json.Unmarshal(body, &payload); err == nil {
			received <- payload
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := newHarness(1, func(_ context.Context, job *models.Job) (*models.JobResult, error) {
		return okResult(job), nil
	})
	require.NoError(t, h.service.Start(context.Background()))
	defer h.stop(t)

	h.submit(t, "job_1", 0, func(job *models.Job) {
		job.CallbackURL = server.URL
	})
	waitStatus(t, h, "job_1", models.JobStatusCompleted)

	select {
	case payload := <-received:
		assert.Equal(t, "job_1", payload.JobID)
		assert.Equal(t, models.JobStatusCompleted, payload.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("callback never delivered")
	}
}
