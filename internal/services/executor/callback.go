package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/metrics"
	"github.com/ternarybob/colligo/internal/models"
)

// callbackPayload is the JSON summary POSTed to a job's callback URL
// when it reaches a terminal status.
type callbackPayload struct {
	JobID        string           `json:"job_id"`
	Status       models.JobStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// callbackClient delivers completion callbacks. Delivery is best effort:
// one attempt, bounded by the configured deadline, and a failure never
// touches the job's status.
type callbackClient struct {
	client    *http.Client
	timeout   time.Duration
	logger    arbor.ILogger
	collector *metrics.Collector
}

func newCallbackClient(timeout time.Duration, logger arbor.ILogger, collector *metrics.Collector) *callbackClient {
	return &callbackClient{
		client:    &http.Client{Timeout: timeout},
		timeout:   timeout,
		logger:    logger,
		collector: collector,
	}
}

func (c *callbackClient) notify(url, jobID string, status models.JobStatus, errorMessage string) {
	if url == "" {
		return
	}

	payload := callbackPayload{
		JobID:        jobID,
		Status:       status,
		ErrorMessage: errorMessage,
		CompletedAt:  time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to encode callback payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Str("url", url).Msg("Invalid callback URL")
		c.record(false)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Str("url", url).Msg("Callback delivery failed")
		c.record(false)
		return
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		c.logger.Warn().Str("job_id", jobID).Str("url", url).Int("status", resp.StatusCode).Msg("Callback rejected")
	} else {
		c.logger.Debug().Str("job_id", jobID).Str("url", url).Msg("Callback delivered")
	}
	c.record(ok)
}

func (c *callbackClient) record(ok bool) {
	if c.collector != nil {
		c.collector.CallbackDelivered(ok)
	}
}
