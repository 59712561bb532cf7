package jobs

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
)

// cachePrefix is the sub-prefix all job service entries live under.
const cachePrefix = "jobs"

// Service is the typed submission and read surface for scrape jobs. It
// owns admission (store row plus queue entry), the read paths with their
// short-TTL cache, and idempotent cancellation. Execution belongs to the
// worker pool.
type Service struct {
	config    *common.Config
	logger    arbor.ILogger
	collector *metrics.Collector
	store     interfaces.JobStorage
	results   interfaces.ResultStorage
	queue     interfaces.JobQueue
	cache     interfaces.Cache
	bulks     *BulkController
}

func NewService(
	config *common.Config,
	logger arbor.ILogger,
	collector *metrics.Collector,
	store interfaces.JobStorage,
	results interfaces.ResultStorage,
	queue interfaces.JobQueue,
	cache interfaces.Cache,
	bulks *BulkController,
) *Service {
	return &Service{
		config:    config,
		logger:    logger,
		collector: collector,
		store:     store,
		results:   results,
		queue:     queue,
		cache:     cache,
		bulks:     bulks,
	}
}

// Submit validates the request, persists a QUEUED row and admits the job
// to the queue. When the queue refuses with QUEUE_FULL the row is removed
// again so no orphaned QUEUED jobs linger.
func (s *Service) Submit(ctx context.Context, req *models.ScrapeRequest) (*models.JobAccepted, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkURL(req.URL); err != nil {
		return nil, err
	}

	job := s.buildJob(req)
	if err := s.admit(ctx, job); err != nil {
		return nil, err
	}

	if s.collector != nil {
		s.collector.JobSubmitted()
		s.collector.SetQueueDepth(s.queue.Len())
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("url", job.URL).
		Str("variant", string(job.Variant)).
		Int("priority", job.Priority).
		Msg("Job submitted")

	return &models.JobAccepted{
		JobID:     job.ID,
		TaskID:    job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

// SubmitBulk fans out up to MaxBulkJobs jobs sharing a bulk tag and
// registers their parallelism gate. Admission is all-or-nothing: if any
// member is refused, already-admitted members are rolled back and the
// whole request fails.
func (s *Service) SubmitBulk(ctx context.Context, req *models.BulkScrapeRequest) (*models.BulkAccepted, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	for i := range req.Jobs {
		if err := s.checkURL(req.Jobs[i].URL); err != nil {
			return nil, models.WrapError(models.ErrInvalidInput, err, "bulk job %d rejected", i)
		}
	}

	bulkID := common.NewBulkID()
	bulkTag := models.BulkTagPrefix + bulkID
	s.bulks.Register(bulkID, req.ParallelLimit, req.StopOnError, len(req.Jobs))

	createdAt := time.Now().UTC()
	jobIDs := make([]string, 0, len(req.Jobs))
	for i := range req.Jobs {
		job := s.buildJob(&req.Jobs[i])
		job.Tags = append(job.Tags, bulkTag)
		if err := s.admit(ctx, job); err != nil {
			s.rollbackBulk(ctx, bulkID, jobIDs)
			kind := models.KindOf(err)
			if kind == "" {
				kind = models.ErrStoreUnavailable
			}
			return nil, models.WrapError(kind, err, "bulk job %d rejected", i)
		}
		jobIDs = append(jobIDs, job.ID)
		if s.collector != nil {
			s.collector.JobSubmitted()
		}
	}
	if s.collector != nil {
		s.collector.SetQueueDepth(s.queue.Len())
	}

	s.logger.Info().
		Str("bulk_id", bulkID).
		Int("jobs", len(jobIDs)).
		Int("parallel_limit", req.ParallelLimit).
		Bool("stop_on_error", req.StopOnError).
		Msg("Bulk submitted")

	return &models.BulkAccepted{
		BulkID:    bulkID,
		JobIDs:    jobIDs,
		Total:     len(jobIDs),
		CreatedAt: createdAt,
	}, nil
}

// GetJob returns the full job row.
func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// GetStatus returns the lightweight status projection, served from the
// cache when a live entry exists.
func (s *Service) GetStatus(ctx context.Context, id string) (*models.StatusView, error) {
	key := statusKey(id)
	var view models.StatusView
	if found, err := s.cache.Get(ctx, cachePrefix, key, &view); err == nil && found {
		return &view, nil
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	projection := job.StatusView()
	if err := s.cache.Set(ctx, cachePrefix, key, projection, s.config.Cache.StatusEntryTTL()); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to cache status projection")
	}
	return projection, nil
}

// GetResult returns the stored result for a COMPLETED job. Any other
// status reports JOB_NOT_COMPLETED so callers can distinguish "not done
// yet" from "no such job".
func (s *Service) GetResult(ctx context.Context, id string) (*models.JobResult, error) {
	key := resultKey(id)
	var cached models.JobResult
	if found, err := s.cache.Get(ctx, cachePrefix, key, &cached); err == nil && found {
		return &cached, nil
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, models.NewError(models.ErrJobNotCompleted, "job %s is %s", id, job.Status)
	}

	result, err := s.results.GetResultByJobID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, cachePrefix, key, result, s.config.Cache.ResultEntryTTL()); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to cache result")
	}
	return result, nil
}

// Cancel is idempotent. A QUEUED job is removed from the queue and
// finalized as CANCELLED; a RUNNING job gets the cooperative flag set and
// keeps its status until the worker observes it; a terminal job reports
// its current status unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (models.JobStatus, error) {
	// A worker can claim the job between the read and the CAS, so the
	// QUEUED path may lose; one retry settles on the new status.
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return "", err
		}

		switch {
		case job.Status.IsTerminal():
			return job.Status, nil

		case job.Status == models.JobStatusQueued:
			s.queue.Remove(id)
			err := s.store.Transition(ctx, id, models.JobStatusQueued, models.JobStatusCancelled, nil)
			if models.IsInvalidTransition(err) {
				continue
			}
			if err != nil {
				return "", err
			}
			s.invalidate(ctx, id)
			if s.collector != nil {
				s.collector.JobCancelled()
				s.collector.SetQueueDepth(s.queue.Len())
			}
			if bulkID := job.BulkID(); bulkID != "" {
				s.bulks.JobFinished(bulkID)
			}
			s.logger.Info().Str("job_id", id).Msg("Queued job cancelled")
			return models.JobStatusCancelled, nil

		default:
			if err := s.store.RequestCancel(ctx, id); err != nil {
				return "", err
			}
			s.invalidate(ctx, id)
			s.logger.Info().Str("job_id", id).Msg("Cancellation requested for running job")
			return job.Status, nil
		}
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// List returns one page of jobs matching the filters.
func (s *Service) List(ctx context.Context, req *models.JobSearchRequest) (*models.JobPage, error) {
	return s.page(ctx, req, s.store.ListJobs)
}

// Search runs the full-text query over id and url with the same filters
// and pagination as List.
func (s *Service) Search(ctx context.Context, req *models.JobSearchRequest) (*models.JobPage, error) {
	return s.page(ctx, req, s.store.SearchJobs)
}

func (s *Service) page(
	ctx context.Context,
	req *models.JobSearchRequest,
	query func(context.Context, *models.JobQuery) ([]*models.Job, int, error),
) (*models.JobPage, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	q := req.ToQuery()
	found, total, err := query(ctx, q)
	if err != nil {
		return nil, err
	}
	return models.NewJobPage(found, total, q.Page, q.PageSize), nil
}

// checkURL rejects localhost and loopback targets outside development.
// Production workers run in a network where such addresses point at the
// service itself, not at anything worth scraping.
func (s *Service) checkURL(rawURL string) error {
	if s.config.AllowTestURLs() {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return models.NewError(models.ErrInvalidInput, "invalid url %q", rawURL)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return models.NewError(models.ErrInvalidInput, "test URL %q is not allowed in production", rawURL)
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return models.NewError(models.ErrInvalidInput, "test URL %q is not allowed in production", rawURL)
	}
	return nil
}

// buildJob materializes the persistent job from a normalized request.
func (s *Service) buildJob(req *models.ScrapeRequest) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:          common.NewJobID(),
		URL:         req.URL,
		Method:      req.Method,
		Headers:     req.Headers,
		Params:      req.Params,
		Body:        req.Body,
		Variant:     req.Variant,
		Config:      *req.Config,
		Tags:        append([]string(nil), req.Tags...),
		Priority:    req.Priority,
		Status:      models.JobStatusQueued,
		MaxRetries:  req.Config.RetryBudget(),
		CreatedAt:   now,
		UpdatedAt:   now,
		CallbackURL: req.CallbackURL,
	}
}

// admit persists the row and then offers it to the queue. The row is the
// source of truth, so a queue rejection deletes it again.
func (s *Service) admit(ctx context.Context, job *models.Job) error {
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	if err := s.queue.Enqueue(job.ID, job.Priority); err != nil {
		if delErr := s.store.DeleteJob(ctx, job.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("job_id", job.ID).Msg("Failed to roll back rejected job")
		}
		return err
	}
	return nil
}

// rollbackBulk undoes a partially admitted bulk submission.
func (s *Service) rollbackBulk(ctx context.Context, bulkID string, jobIDs []string) {
	for _, id := range jobIDs {
		s.queue.Remove(id)
		if err := s.store.DeleteJob(ctx, id); err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Str("bulk_id", bulkID).Msg("Failed to roll back bulk job")
		}
	}
	s.bulks.Unregister(bulkID)
	s.logger.Warn().Str("bulk_id", bulkID).Int("rolled_back", len(jobIDs)).Msg("Bulk submission rolled back")
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if err := s.cache.Delete(ctx, cachePrefix, statusKey(id)); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to invalidate status cache")
	}
}

func statusKey(id string) string { return "status:" + id }
func resultKey(id string) string { return "result:" + id }

var _ interfaces.JobService = (*Service)(nil)
