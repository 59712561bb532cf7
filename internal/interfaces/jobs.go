package interfaces

import (
	"context"

	"github.com/ternarybob/colligo/internal/models"
)

// JobService is the typed submission and read surface for scrape jobs.
type JobService interface {
	// Submit validates the request, persists a QUEUED job and admits it
	// to the queue. Rejection with QUEUE_FULL leaves no job row behind.
	Submit(ctx context.Context, req *models.ScrapeRequest) (*models.JobAccepted, error)

	// SubmitBulk fans out 1-100 jobs sharing a bulk tag and registers
	// their parallelism gate.
	SubmitBulk(ctx context.Context, req *models.BulkScrapeRequest) (*models.BulkAccepted, error)

	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetStatus(ctx context.Context, id string) (*models.StatusView, error)

	// GetResult returns the stored result, or JOB_NOT_COMPLETED while
	// the job has not reached COMPLETED.
	GetResult(ctx context.Context, id string) (*models.JobResult, error)

	// Cancel is idempotent: queued jobs finalize immediately, running
	// jobs get the flag set, terminal jobs report their current status.
	Cancel(ctx context.Context, id string) (models.JobStatus, error)

	List(ctx context.Context, req *models.JobSearchRequest) (*models.JobPage, error)
	Search(ctx context.Context, req *models.JobSearchRequest) (*models.JobPage, error)
}

// Executor runs queued jobs on the worker pool.
type Executor interface {
	Start(ctx context.Context) error
	Stop() error

	// Recover re-admits QUEUED jobs and re-queues orphaned RUNNING jobs
	// after a restart. Returns the number of jobs re-enqueued.
	Recover(ctx context.Context) (int, error)
}
