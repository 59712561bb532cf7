package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

const resultColumns = `id, job_id, status_code, response_time_ms, content_length, content_type,
	       headers, content, text, markdown, links, images, screenshot, final_url, created_at`

// execer abstracts sql.DB and sql.Tx for the shared result upsert
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ResultStorage implements SQLite persistence for job results
type ResultStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewResultStorage creates a new result storage instance
func NewResultStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.ResultStorage {
	return &ResultStorage{
		db:     db,
		logger: logger,
	}
}

// SaveResult upserts the result for its job. A second attempt for the
// same job replaces the earlier row.
func (s *ResultStorage) SaveResult(ctx context.Context, result *models.JobResult) error {
	if result.JobID == "" {
		return models.NewError(models.ErrInvalidInput, "result is missing a job id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := insertResult(ctx, s.db.db, result.JobID, result, time.Now().UTC().UnixMilli()); err != nil {
		return err
	}

	s.logger.Debug().Str("job_id", result.JobID).Msg("Result saved")
	return nil
}

// GetResultByJobID retrieves the result for a job
func (s *ResultStorage) GetResultByJobID(ctx context.Context, jobID string) (*models.JobResult, error) {
	query := fmt.Sprintf("SELECT %s FROM job_results WHERE job_id = ?", resultColumns)

	row := s.db.db.QueryRowContext(ctx, query, jobID)
	result, err := scanResultFields(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewError(models.ErrNotFound, "result for job %s not found", jobID)
		}
		return nil, models.WrapError(models.ErrStoreUnavailable, err, "failed to load result for job %s", jobID)
	}
	return result, nil
}

// DeleteResultByJobID removes the result row for a job. Deleting a job
// without a result is a no-op.
func (s *ResultStorage) DeleteResultByJobID(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx, "DELETE FROM job_results WHERE job_id = ?", jobID)
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to delete result for job %s", jobID)
	}
	return nil
}

// CountResults returns the total number of stored results
func (s *ResultStorage) CountResults(ctx context.Context) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_results").Scan(&count)
	if err != nil {
		return 0, models.WrapError(models.ErrStoreUnavailable, err, "failed to count results")
	}
	return count, nil
}

// insertResult writes the result row keyed by job_id. Shared between
// the standalone save path and the completion transaction.
func insertResult(ctx context.Context, ex execer, jobID string, result *models.JobResult, nowMilli int64) error {
	headersJSON, err := marshalNullableMap(result.Headers)
	if err != nil {
		return fmt.Errorf("failed to serialize result headers: %w", err)
	}
	linksJSON, err := marshalStringArray(result.Links)
	if err != nil {
		return fmt.Errorf("failed to serialize links: %w", err)
	}
	imagesJSON, err := marshalStringArray(result.Images)
	if err != nil {
		return fmt.Errorf("failed to serialize images: %w", err)
	}

	createdAt := nowMilli
	if !result.CreatedAt.IsZero() {
		createdAt = result.CreatedAt.UnixMilli()
	}

	query := `
		INSERT INTO job_results (
			id, job_id, status_code, response_time_ms, content_length, content_type,
			headers, content, text, markdown, links, images, screenshot, final_url, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			id = excluded.id,
			status_code = excluded.status_code,
			response_time_ms = excluded.response_time_ms,
			content_length = excluded.content_length,
			content_type = excluded.content_type,
			headers = excluded.headers,
			content = excluded.content,
			text = excluded.text,
			markdown = excluded.markdown,
			links = excluded.links,
			images = excluded.images,
			screenshot = excluded.screenshot,
			final_url = excluded.final_url,
			created_at = excluded.created_at
	`

	_, err = ex.ExecContext(ctx, query,
		result.ID,
		jobID,
		result.StatusCode,
		result.ResponseTimeMs,
		result.ContentLength,
		result.ContentType,
		headersJSON,
		result.Content,
		result.Text,
		result.Markdown,
		linksJSON,
		imagesJSON,
		result.Screenshot,
		result.FinalURL,
		createdAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return models.NewError(models.ErrNotFound, "job %s not found", jobID)
		}
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to save result for job %s", jobID)
	}
	return nil
}

// marshalStringArray serializes a string slice, defaulting to an empty
// JSON array so json_each never sees NULL.
func marshalStringArray(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// scanResultFields reconstructs a result from one row
func scanResultFields(scan func(dest ...interface{}) error) (*models.JobResult, error) {
	var (
		id, jobID                     string
		statusCode                    sql.NullInt64
		responseTimeMs, contentLength sql.NullInt64
		contentType, headersJSON      sql.NullString
		content, text, markdown       sql.NullString
		linksJSON, imagesJSON         sql.NullString
		screenshot, finalURL          sql.NullString
		createdAt                     int64
	)

	err := scan(
		&id, &jobID, &statusCode, &responseTimeMs, &contentLength, &contentType,
		&headersJSON, &content, &text, &markdown, &linksJSON, &imagesJSON,
		&screenshot, &finalURL, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	result := &models.JobResult{
		ID:             id,
		JobID:          jobID,
		StatusCode:     int(statusCode.Int64),
		ResponseTimeMs: responseTimeMs.Int64,
		ContentLength:  contentLength.Int64,
		ContentType:    contentType.String,
		Content:        content.String,
		Text:           text.String,
		Markdown:       markdown.String,
		Screenshot:     screenshot.String,
		FinalURL:       finalURL.String,
		CreatedAt:      milliToTime(createdAt),
	}

	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &result.Headers); err != nil {
			return nil, fmt.Errorf("failed to deserialize result headers for job %s: %w", jobID, err)
		}
	}
	if linksJSON.Valid && linksJSON.String != "" && linksJSON.String != "[]" {
		if err := json.Unmarshal([]byte(linksJSON.String), &result.Links); err != nil {
			return nil, fmt.Errorf("failed to deserialize links for job %s: %w", jobID, err)
		}
	}
	if imagesJSON.Valid && imagesJSON.String != "" && imagesJSON.String != "[]" {
		if err := json.Unmarshal([]byte(imagesJSON.String), &result.Images); err != nil {
			return nil, fmt.Errorf("failed to deserialize images for job %s: %w", jobID, err)
		}
	}

	return result, nil
}
