package interfaces

import (
	"context"

	"github.com/ternarybob/colligo/internal/models"
)

// ProgressFunc reports fetch progress. Implementations may call it from
// the fetch goroutine; receivers debounce their own persistence.
type ProgressFunc func(percent int, message string)

// Scraper executes the fetch for one job and assembles the uniform
// result. Failures are reported as *models.FetchError so the executor
// can decide retryability.
type Scraper interface {
	Scrape(ctx context.Context, job *models.Job, progress ProgressFunc) (*models.JobResult, error)
}
