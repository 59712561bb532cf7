package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/colligo/internal/models"
)

// TransitionUpdate carries optional field writes applied atomically with a
// status transition.
type TransitionUpdate struct {
	ErrorMessage   string // Written to error_message when non-empty
	IncrementRetry bool   // Bumps retry_count in the same statement
}

// JobStorage - interface for job persistence
type JobStorage interface {
	// Lifecycle operations
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// DeleteJob removes a job row outright. Submission rollback after a
	// queue rejection is the only caller.
	DeleteJob(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, from, to models.JobStatus, update *TransitionUpdate) error
	CompleteWithResult(ctx context.Context, id string, result *models.JobResult) error
	UpdateProgress(ctx context.Context, id string, progress int, message string) error

	// Cancellation flag
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)

	// Query operations
	ListJobs(ctx context.Context, query *models.JobQuery) ([]*models.Job, int, error)
	SearchJobs(ctx context.Context, query *models.JobQuery) ([]*models.Job, int, error) // FTS5
	GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	GetJobsByTag(ctx context.Context, tag string) ([]*models.Job, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	// Retention
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ResultStorage - interface for scrape result persistence
type ResultStorage interface {
	SaveResult(ctx context.Context, result *models.JobResult) error
	GetResultByJobID(ctx context.Context, jobID string) (*models.JobResult, error)
	DeleteResultByJobID(ctx context.Context, jobID string) error
	CountResults(ctx context.Context) (int, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	ResultStorage() ResultStorage
	DB() interface{}
	Close() error
}
