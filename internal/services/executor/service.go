package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/jobs"
)

// Service is the worker pool that drains the queue. Each worker claims a
// job through the store's compare-and-set, runs the fetch under a
// cancellable per-job context, and finalizes the row into a terminal
// status or re-admits it for a retry.
type Service struct {
	config    *common.Config
	logger    arbor.ILogger
	collector *metrics.Collector
	store     interfaces.JobStorage
	queue     interfaces.JobQueue
	scraper   interfaces.Scraper
	bulks     *jobs.BulkController
	callbacks *callbackClient

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	stopPool context.CancelFunc
	started  bool
	wg       sync.WaitGroup
}

func NewService(
	config *common.Config,
	logger arbor.ILogger,
	collector *metrics.Collector,
	store interfaces.JobStorage,
	queue interfaces.JobQueue,
	scraper interfaces.Scraper,
	bulks *jobs.BulkController,
) *Service {
	return &Service{
		config:    config,
		logger:    logger,
		collector: collector,
		store:     store,
		queue:     queue,
		scraper:   scraper,
		bulks:     bulks,
		callbacks: newCallbackClient(config.Workers.CallbackDeadline(), logger, collector),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Start launches the worker goroutines.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("executor already started")
	}

	count := s.config.Workers.Count
	if count < 1 {
		count = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)
	s.stopPool = cancel
	s.started = true

	s.logger.Info().Int("workers", count).Msg("Starting worker pool")
	for i := 0; i < count; i++ {
		s.wg.Add(1)
		go s.worker(poolCtx, i)
	}
	return nil
}

// Stop halts dispatch and waits for in-flight jobs up to the shutdown
// grace period. Jobs still running after the grace get their contexts
// cancelled and finalize on the cancellation path.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.stopPool()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.Workers.ShutdownGrace()):
		s.logger.Warn().Msg("Shutdown grace expired, cancelling in-flight jobs")
		s.cancelAll()
		<-done
	}
	s.logger.Info().Msg("Worker pool stopped")
	return nil
}

// Recover re-admits work after a restart: QUEUED rows go straight back
// to the queue, orphaned RUNNING rows are moved to QUEUED with their
// retry count bumped first. Returns the number of jobs re-enqueued.
func (s *Service) Recover(ctx context.Context) (int, error) {
	orphans, err := s.store.GetJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return 0, err
	}
	for _, job := range orphans {
		err := s.store.Transition(ctx, job.ID, models.JobStatusRunning, models.JobStatusQueued,
			&interfaces.TransitionUpdate{IncrementRetry: true})
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to requeue orphaned job")
		}
	}

	queued, err := s.store.GetJobsByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range queued {
		if err := s.queue.EnqueueWait(ctx, job.ID, job.Priority); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		s.logger.Info().Int("jobs", count).Int("orphans", len(orphans)).Msg("Recovered jobs re-enqueued")
	}
	return count, nil
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		jobID, err := s.queue.Dequeue(ctx)
		if err != nil {
			s.logger.Debug().Int("worker", id).Msg("Worker exiting")
			return
		}
		s.execute(jobID)
	}
}

// execute runs one claimed job to a terminal status or a retry
// re-admission.
func (s *Service) execute(jobID string) {
	// The claim. Losing the CAS means another worker or a cancellation
	// got here first; losing the row means a rolled-back submission.
	err := s.store.Transition(context.Background(), jobID, models.JobStatusQueued, models.JobStatusRunning, nil)
	if err != nil {
		if models.IsInvalidTransition(err) || models.IsNotFound(err) {
			s.logger.Debug().Err(err).Str("job_id", jobID).Msg("Skipping job, claim lost")
		} else {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to claim job")
		}
		return
	}

	if s.collector != nil {
		s.collector.RunningInc()
		defer s.collector.RunningDec()
	}

	job, err := s.store.GetJob(context.Background(), jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load claimed job")
		return
	}
	start := time.Now()

	// Per-job context, cancelled by the watcher once the cooperative
	// flag is set, or by Stop after the grace period.
	jobCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.track(jobID, cancel)
	defer s.untrack(jobID)
	go s.watchCancel(jobCtx, jobID, cancel)

	bulkID := job.BulkID()
	release, aborted, err := s.bulks.Acquire(jobCtx, bulkID)
	if err != nil {
		s.settleInterrupted(job, start)
		return
	}
	if aborted {
		// The abort reason lives in the log; error_message stays empty
		// because only FAILED jobs carry one.
		s.logger.Info().Str("job_id", jobID).Str("bulk_id", bulkID).Msg("Bulk stopped after failure, cancelling member")
		s.finalize(job, models.JobStatusCancelled, "", start)
		return
	}
	defer release()

	result, err := s.runScrape(jobCtx, job)
	switch {
	case err == nil:
		s.complete(job, result, start)
	case jobCtx.Err() != nil:
		s.settleInterrupted(job, start)
	default:
		s.settleFailure(jobCtx, job, err, start)
	}
}

// runScrape isolates the fetch so a panicking variant fails one job
// instead of killing the worker.
func (s *Service) runScrape(ctx context.Context, job *models.Job) (result *models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job_id", job.ID).Str("panic", fmt.Sprint(r)).Msg("Scraper panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.scraper.Scrape(ctx, job, s.progressFunc(job.ID))
}

func (s *Service) complete(job *models.Job, result *models.JobResult, start time.Time) {
	if err := s.store.CompleteWithResult(context.Background(), job.ID, result); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist completion")
		return
	}
	if s.collector != nil {
		s.collector.JobCompleted()
		s.collector.ObserveJob(string(job.Variant), time.Since(start).Seconds())
	}
	if bulkID := job.BulkID(); bulkID != "" {
		s.bulks.JobFinished(bulkID)
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Int("status_code", result.StatusCode).
		Float64("duration_sec", time.Since(start).Seconds()).
		Msg("Job completed")
	s.callbacks.notify(job.CallbackURL, job.ID, models.JobStatusCompleted, "")
}

// settleFailure decides between a retry re-admission and a permanent
// FAILED. Variants classify; the budget decision lives here.
func (s *Service) settleFailure(jobCtx context.Context, job *models.Job, fetchErr error, start time.Time) {
	fe, classified := models.AsFetchError(fetchErr)
	if classified && fe.Retryable && job.RetryCount < job.MaxRetries {
		if err := sleepContext(jobCtx, job.Config.RetryDelay()); err != nil {
			s.settleInterrupted(job, start)
			return
		}
		s.retry(jobCtx, job, fetchErr)
		return
	}
	s.logger.Warn().
		Err(fetchErr).
		Str("job_id", job.ID).
		Int("retry_count", job.RetryCount).
		Msg("Job failed permanently")
	s.finalize(job, models.JobStatusFailed, fetchErr.Error(), start)
}

// retry moves the job back to QUEUED with the retry recorded and
// re-admits it at the same priority. Re-admission blocks on a full
// queue; retries are never dropped.
func (s *Service) retry(jobCtx context.Context, job *models.Job, fetchErr error) {
	err := s.store.Transition(context.Background(), job.ID, models.JobStatusRunning, models.JobStatusQueued,
		&interfaces.TransitionUpdate{IncrementRetry: true})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue for retry")
		return
	}
	if s.collector != nil {
		s.collector.JobRetried()
	}
	s.logger.Info().
		Err(fetchErr).
		Str("job_id", job.ID).
		Int("attempt", job.RetryCount+1).
		Int("max_retries", job.MaxRetries).
		Msg("Retrying job")

	if err := s.queue.EnqueueWait(jobCtx, job.ID, job.Priority); err != nil {
		// The row is QUEUED; startup recovery re-admits it if the queue
		// went away first.
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Retry re-admission interrupted")
	}
}

// settleInterrupted handles a job whose context ended mid-flight. A set
// cancel flag finalizes CANCELLED; otherwise this is a shutdown and the
// row stays RUNNING for startup recovery.
func (s *Service) settleInterrupted(job *models.Job, start time.Time) {
	flagged, err := s.store.CancelRequested(context.Background(), job.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to read cancel flag")
		return
	}
	if !flagged {
		s.logger.Info().Str("job_id", job.ID).Msg("Job interrupted by shutdown, left for recovery")
		return
	}
	s.logger.Info().Str("job_id", job.ID).Msg("Running job cancelled")
	s.finalize(job, models.JobStatusCancelled, "", start)
}

// finalize moves a RUNNING job to its terminal status and runs the
// terminal bookkeeping: metrics, bulk accounting and the callback.
func (s *Service) finalize(job *models.Job, to models.JobStatus, errorMessage string, start time.Time) {
	update := &interfaces.TransitionUpdate{ErrorMessage: errorMessage}
	if err := s.store.Transition(context.Background(), job.ID, models.JobStatusRunning, to, update); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Str("to", string(to)).Msg("Failed to finalize job")
		return
	}
	if s.collector != nil {
		s.collector.ObserveJob(string(job.Variant), time.Since(start).Seconds())
		switch to {
		case models.JobStatusFailed:
			s.collector.JobFailed()
		case models.JobStatusCancelled:
			s.collector.JobCancelled()
		}
	}
	if bulkID := job.BulkID(); bulkID != "" {
		if to == models.JobStatusFailed {
			s.bulks.JobFailed(bulkID)
		}
		s.bulks.JobFinished(bulkID)
	}
	s.callbacks.notify(job.CallbackURL, job.ID, to, errorMessage)
}

// progressFunc debounces variant progress reports to at most one store
// write per flush interval. Terminal percentages always flush.
func (s *Service) progressFunc(jobID string) interfaces.ProgressFunc {
	var mu sync.Mutex
	var last time.Time
	interval := s.config.Workers.ProgressFlushInterval()
	return func(percent int, message string) {
		mu.Lock()
		if percent < 100 && time.Since(last) < interval {
			mu.Unlock()
			return
		}
		last = time.Now()
		mu.Unlock()
		if err := s.store.UpdateProgress(context.Background(), jobID, percent, message); err != nil {
			s.logger.Debug().Err(err).Str("job_id", jobID).Msg("Progress write dropped")
		}
	}
}

// watchCancel polls the store's cooperative flag and cancels the job
// context once it is set.
func (s *Service) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.config.Workers.CancelPoll())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := s.store.CancelRequested(ctx, jobID)
			if err == nil && flagged {
				cancel()
				return
			}
		}
	}
}

func (s *Service) track(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[jobID] = cancel
}

func (s *Service) untrack(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, jobID)
}

func (s *Service) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ interfaces.Executor = (*Service)(nil)
