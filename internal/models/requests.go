package models

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Request defaults applied by Normalize.
const (
	DefaultPage          = 1
	DefaultPageSize      = 20
	DefaultSortBy        = "created_at"
	DefaultSortOrder     = "desc"
	DefaultParallelLimit = 5

	MaxBulkJobs      = 100
	MaxParallelLimit = 20
)

// ScrapeRequest is a single-job submission from the API layer.
type ScrapeRequest struct {
	URL         string            `json:"url" validate:"required,http_url"`
	Method      string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT DELETE PATCH HEAD OPTIONS"`
	Headers     map[string]string `json:"headers,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Variant     ScraperVariant    `json:"scraper_variant,omitempty" validate:"omitempty,oneof=LIGHT_HTTP HEADLESS_BROWSER"`
	Config      *ScrapeConfig     `json:"config,omitempty"`
	Tags        []string          `json:"tags,omitempty" validate:"max=10,dive,required"`
	Priority    int               `json:"priority" validate:"min=-10,max=10"`
	CallbackURL string            `json:"callback_url,omitempty" validate:"omitempty,http_url"`
}

// Normalize fills defaulted fields in place.
func (r *ScrapeRequest) Normalize() {
	if r.Method == "" {
		r.Method = "GET"
	}
	if r.Variant == "" {
		r.Variant = VariantLightHTTP
	}
	if r.Config == nil {
		r.Config = &ScrapeConfig{}
	}
}

// Validate checks the request and its embedded config.
func (r *ScrapeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return WrapError(ErrInvalidInput, err, "invalid scrape request")
	}
	if r.Config != nil {
		if err := r.Config.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BulkScrapeRequest submits up to MaxBulkJobs jobs that share a bulk id
// and a parallelism cap.
type BulkScrapeRequest struct {
	Jobs          []ScrapeRequest `json:"jobs" validate:"required,min=1,max=100"`
	ParallelLimit int             `json:"parallel_limit,omitempty" validate:"omitempty,min=1,max=20"`
	// StopOnError cancels the bulk's pending jobs after the first
	// permanent failure.
	StopOnError bool `json:"stop_on_error,omitempty"`
}

// Normalize fills defaulted fields on the bulk envelope and every job.
func (r *BulkScrapeRequest) Normalize() {
	if r.ParallelLimit == 0 {
		r.ParallelLimit = DefaultParallelLimit
	}
	for i := range r.Jobs {
		r.Jobs[i].Normalize()
	}
}

// Validate checks the envelope and every contained job.
func (r *BulkScrapeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return WrapError(ErrInvalidInput, err, "invalid bulk request")
	}
	for i := range r.Jobs {
		if err := r.Jobs[i].Validate(); err != nil {
			return WrapError(ErrInvalidInput, err, "invalid bulk request: job %d", i)
		}
	}
	return nil
}

// JobSearchRequest drives list and search queries. Date bounds are
// ISO-8601 strings and apply to created_at.
type JobSearchRequest struct {
	Query     string           `json:"query,omitempty"`
	Status    []JobStatus      `json:"status,omitempty" validate:"dive,oneof=QUEUED RUNNING COMPLETED FAILED CANCELLED"`
	Variants  []ScraperVariant `json:"scraper_variant,omitempty" validate:"dive,oneof=LIGHT_HTTP HEADLESS_BROWSER"`
	Tags      []string         `json:"tags,omitempty"`
	DateFrom  string           `json:"date_from,omitempty"`
	DateTo    string           `json:"date_to,omitempty"`
	Page      int              `json:"page,omitempty" validate:"omitempty,min=1"`
	PageSize  int              `json:"page_size,omitempty" validate:"omitempty,min=1,max=100"`
	SortBy    string           `json:"sort_by,omitempty" validate:"omitempty,oneof=created_at updated_at priority status"`
	SortOrder string           `json:"sort_order,omitempty" validate:"omitempty,oneof=asc desc"`
}

// Normalize fills paging and sort defaults in place.
func (r *JobSearchRequest) Normalize() {
	if r.Page == 0 {
		r.Page = DefaultPage
	}
	if r.PageSize == 0 {
		r.PageSize = DefaultPageSize
	}
	if r.SortBy == "" {
		r.SortBy = DefaultSortBy
	}
	if r.SortOrder == "" {
		r.SortOrder = DefaultSortOrder
	}
}

// Validate checks enum fields and date bounds.
func (r *JobSearchRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return WrapError(ErrInvalidInput, err, "invalid search request")
	}
	if _, err := parseDateBound(r.DateFrom); err != nil {
		return WrapError(ErrInvalidInput, err, "invalid date_from")
	}
	if _, err := parseDateBound(r.DateTo); err != nil {
		return WrapError(ErrInvalidInput, err, "invalid date_to")
	}
	return nil
}

// ToQuery converts the request into the storage-level query. Callers
// must Validate first; malformed dates are treated as absent here.
func (r *JobSearchRequest) ToQuery() *JobQuery {
	q := &JobQuery{
		Search:    r.Query,
		Statuses:  r.Status,
		Variants:  r.Variants,
		Tags:      r.Tags,
		Page:      r.Page,
		PageSize:  r.PageSize,
		SortBy:    r.SortBy,
		SortOrder: r.SortOrder,
	}
	q.CreatedFrom, _ = parseDateBound(r.DateFrom)
	q.CreatedTo, _ = parseDateBound(r.DateTo)
	return q
}

// parseDateBound accepts RFC 3339 or a bare date.
func parseDateBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// JobQuery is the storage-level filter set shared by List and Search.
// All filters combine with AND; slice filters match any element.
type JobQuery struct {
	// Search matches id and url through the full-text index.
	Search string
	// URLContains is a plain substring filter on url.
	URLContains string
	Statuses    []JobStatus
	Variants    []ScraperVariant
	// Tags matches jobs carrying at least one of the given tags.
	Tags        []string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	SortBy      string
	SortOrder   string
	Page        int
	PageSize    int
}

// Normalize fills paging and sort defaults in place.
func (q *JobQuery) Normalize() {
	if q.Page < 1 {
		q.Page = DefaultPage
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.SortBy == "" {
		q.SortBy = DefaultSortBy
	}
	if q.SortOrder == "" {
		q.SortOrder = DefaultSortOrder
	}
}

// JobPage is one page of list or search results.
type JobPage struct {
	Jobs       []*Job `json:"jobs"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalPages int    `json:"total_pages"`
	HasNext    bool   `json:"has_next"`
	HasPrev    bool   `json:"has_prev"`
}

// NewJobPage assembles the page envelope from a result slice and the
// unpaged total.
func NewJobPage(jobs []*Job, total, page, pageSize int) *JobPage {
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return &JobPage{
		Jobs:       jobs,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1 && total > 0,
	}
}

// JobAccepted acknowledges a single submission.
type JobAccepted struct {
	JobID string `json:"job_id"`
	// TaskID mirrors JobID for callers that track tasks.
	TaskID    string    `json:"task_id"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// BulkAccepted acknowledges a bulk submission.
type BulkAccepted struct {
	BulkID    string    `json:"bulk_id"`
	JobIDs    []string  `json:"job_ids"`
	Total     int       `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}
