package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// ScraperVariant selects the fetch implementation for a job
type ScraperVariant string

const (
	VariantLightHTTP       ScraperVariant = "LIGHT_HTTP"
	VariantHeadlessBrowser ScraperVariant = "HEADLESS_BROWSER"
)

// Submission limits enforced at the API boundary
const (
	MaxTags     = 10
	PriorityMin = -10
	PriorityMax = 10
)

// BulkTagPrefix marks the shared tag that groups jobs of one bulk
// submission. The full tag is BulkTagPrefix + bulk id.
const BulkTagPrefix = "bulk:"

// transitions is the legal status machine. RUNNING -> QUEUED is the
// retry and crash-recovery edge; terminal statuses have no outgoing
// edges.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusQueued, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether the status is a known lifecycle state.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether the variant is a known scraper variant.
func (v ScraperVariant) IsValid() bool {
	switch v {
	case VariantLightHTTP, VariantHeadlessBrowser:
		return true
	}
	return false
}

var validMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"PATCH":   true,
	"HEAD":    true,
	"OPTIONS": true,
}

// IsValidMethod reports whether m is an HTTP method accepted on a job.
func IsValidMethod(m string) bool {
	return validMethods[m]
}

// Job is a single scrape request tracked from submission to a terminal
// status. All status mutations flow through the store's transition
// operation so the machine in CanTransition is never bypassed.
type Job struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	// Body is forwarded verbatim as the request body for methods that
	// carry one.
	Body    json.RawMessage `json:"body,omitempty"`
	Variant ScraperVariant  `json:"scraper_variant"`
	Config  ScrapeConfig    `json:"config"`
	Tags    []string        `json:"tags,omitempty"`
	// Priority orders dequeue, higher first. Ties break on submission
	// order.
	Priority        int       `json:"priority"`
	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress"`
	ProgressMessage string    `json:"progress_message,omitempty"`
	RetryCount      int       `json:"retry_count"`
	MaxRetries      int       `json:"max_retries"`
	// CancelRequested is the cooperative cancellation flag for RUNNING
	// jobs. Workers observe it at suspension points.
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	// ErrorMessage is only populated on FAILED jobs.
	ErrorMessage string     `json:"error_message,omitempty"`
	CallbackURL  string     `json:"callback_url,omitempty"`
	Result       *JobResult `json:"result,omitempty"`
}

// BulkID returns the bulk id this job belongs to, or "" for standalone
// jobs.
func (j *Job) BulkID() string {
	for _, tag := range j.Tags {
		if len(tag) > len(BulkTagPrefix) && tag[:len(BulkTagPrefix)] == BulkTagPrefix {
			return tag[len(BulkTagPrefix):]
		}
	}
	return ""
}

// HasTag reports whether the job carries the given tag.
func (j *Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SetProgress clamps pct to 0-100 and records the message.
func (j *Job) SetProgress(pct int, message string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.Progress = pct
	j.ProgressMessage = message
}

// StatusView is the lightweight projection returned by status probes.
type StatusView struct {
	JobID           string     `json:"job_id"`
	Status          JobStatus  `json:"status"`
	Progress        int        `json:"progress"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// StatusView builds the status projection for this job.
func (j *Job) StatusView() *StatusView {
	return &StatusView{
		JobID:           j.ID,
		Status:          j.Status,
		Progress:        j.Progress,
		ProgressMessage: j.ProgressMessage,
		RetryCount:      j.RetryCount,
		MaxRetries:      j.MaxRetries,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		ErrorMessage:    j.ErrorMessage,
	}
}
