package models

import "time"

// JobResult is the normalized outcome of a successful fetch, identical
// in shape for every scraper variant.
type JobResult struct {
	ID             string            `json:"id"`
	JobID          string            `json:"job_id"`
	StatusCode     int               `json:"status_code"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	ContentLength  int64             `json:"content_length"`
	ContentType    string            `json:"content_type"`
	Headers        map[string]string `json:"headers,omitempty"`
	// Content is the raw response body.
	Content string `json:"content"`
	// Optional post-fetch extractions, populated per ScrapeConfig.
	Text     string   `json:"text,omitempty"`
	Markdown string   `json:"markdown,omitempty"`
	Links    []string `json:"links,omitempty"`
	Images   []string `json:"images,omitempty"`
	// Screenshot is a base64-encoded PNG (HEADLESS_BROWSER only).
	Screenshot string `json:"screenshot,omitempty"`
	// FinalURL is the URL after redirects.
	FinalURL  string    `json:"final_url"`
	CreatedAt time.Time `json:"created_at"`
}
