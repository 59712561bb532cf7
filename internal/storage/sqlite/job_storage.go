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
	"unicode"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// milliToTime converts a Unix millisecond timestamp to time.Time
func milliToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// sortColumns whitelists the ORDER BY targets accepted from queries
var sortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"priority":   "priority",
	"status":     "status",
}

// jobColumns is the select list shared by every job query. The j alias
// keeps id and url unambiguous when jobs_fts joins in.
const jobColumns = `j.id, j.url, j.method, j.headers, j.params, j.body, j.scraper_variant,
	       j.config, j.tags, j.priority, j.status, j.progress, j.progress_message,
	       j.retry_count, j.max_retries, j.cancel_requested, j.created_at, j.updated_at,
	       j.started_at, j.completed_at, j.error_message, j.callback_url`

// JobStorage implements SQLite persistence for scrape jobs
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new job row. Reusing an existing ID fails with
// DUPLICATE_ID.
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	headersJSON, err := marshalNullableMap(job.Headers)
	if err != nil {
		return fmt.Errorf("failed to serialize headers: %w", err)
	}
	paramsJSON, err := marshalNullableMap(job.Params)
	if err != nil {
		return fmt.Errorf("failed to serialize params: %w", err)
	}
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	// Tags are always stored as a JSON array so json_each can walk them
	tagsJSON := "[]"
	if len(job.Tags) > 0 {
		tagsBytes, err := json.Marshal(job.Tags)
		if err != nil {
			return fmt.Errorf("failed to serialize tags: %w", err)
		}
		tagsJSON = string(tagsBytes)
	}

	var body sql.NullString
	if len(job.Body) > 0 {
		body.Valid = true
		body.String = string(job.Body)
	}

	var startedAt, completedAt sql.NullInt64
	if job.StartedAt != nil {
		startedAt.Valid = true
		startedAt.Int64 = job.StartedAt.UnixMilli()
	}
	if job.CompletedAt != nil {
		completedAt.Valid = true
		completedAt.Int64 = job.CompletedAt.UnixMilli()
	}

	cancelRequested := 0
	if job.CancelRequested {
		cancelRequested = 1
	}

	query := `
		INSERT INTO jobs (
			id, url, method, headers, params, body, scraper_variant, config, tags,
			priority, status, progress, progress_message, retry_count, max_retries,
			cancel_requested, created_at, updated_at, started_at, completed_at,
			error_message, callback_url
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.db.ExecContext(ctx, query,
		job.ID,
		job.URL,
		job.Method,
		headersJSON,
		paramsJSON,
		body,
		string(job.Variant),
		string(configJSON),
		tagsJSON,
		job.Priority,
		string(job.Status),
		job.Progress,
		job.ProgressMessage,
		job.RetryCount,
		job.MaxRetries,
		cancelRequested,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		startedAt,
		completedAt,
		job.ErrorMessage,
		job.CallbackURL,
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.NewError(models.ErrDuplicateID, "job %s already exists", job.ID)
		}
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to create job")
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to create job %s", job.ID)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job created")
	return nil
}

// GetJob retrieves a job by ID
func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM jobs j WHERE j.id = ?", jobColumns)

	row := s.db.db.QueryRowContext(ctx, query, id)
	job, err := scanJobFields(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.NewError(models.ErrNotFound, "job %s not found", id)
		}
		return nil, models.WrapError(models.ErrStoreUnavailable, err, "failed to load job %s", id)
	}
	return job, nil
}

// DeleteJob removes a job row outright. Result rows cascade with the
// job. Submission rollback is the only caller; lifecycle deletions go
// through DeleteTerminalBefore.
func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to delete job %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to delete job %s", id)
	}
	if affected == 0 {
		return models.NewError(models.ErrNotFound, "job %s not found", id)
	}
	s.logger.Debug().Str("job_id", id).Msg("Job deleted")
	return nil
}

// Transition performs the compare-and-set status move that serializes
// every lifecycle change. The row is only written when its status still
// equals from; a loser gets INVALID_TRANSITION carrying the current
// status.
func (s *JobStorage) Transition(ctx context.Context, id string, from, to models.JobStatus, update *interfaces.TransitionUpdate) error {
	if !models.CanTransition(from, to) {
		return models.NewError(models.ErrInvalidTransition, "cannot transition %s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().UnixMilli()
	set := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(to), now}

	switch {
	case to == models.JobStatusRunning:
		// A fresh attempt starts with a clean progress slate
		set = append(set, "started_at = ?", "progress = 0", "progress_message = ''")
		args = append(args, now)
	case to.IsTerminal():
		set = append(set, "completed_at = ?")
		args = append(args, now)
	}

	if update != nil {
		if update.ErrorMessage != "" {
			set = append(set, "error_message = ?")
			args = append(args, update.ErrorMessage)
		}
		if update.IncrementRetry {
			set = append(set, "retry_count = retry_count + 1")
		}
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ? AND status = ?", strings.Join(set, ", "))
	args = append(args, id, string(from))

	result, err := s.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("Failed to transition job")
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to transition job %s", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to transition job %s", id)
	}
	if affected == 0 {
		return s.transitionConflict(ctx, id, from)
	}

	s.logger.Debug().
		Str("job_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Job transitioned")
	return nil
}

// transitionConflict distinguishes a missing job from a lost
// compare-and-set after an UPDATE touched no rows.
func (s *JobStorage) transitionConflict(ctx context.Context, id string, expected models.JobStatus) error {
	var current string
	err := s.db.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewError(models.ErrNotFound, "job %s not found", id)
	}
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to read job %s", id)
	}
	return models.NewError(models.ErrInvalidTransition, "job %s is %s, expected %s", id, current, expected)
}

// CompleteWithResult finishes a RUNNING job and stores its result in one
// transaction, so a COMPLETED job always has a result row.
func (s *JobStorage) CompleteWithResult(ctx context.Context, id string, result *models.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to begin transaction for job %s", id)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, updated_at = ?, completed_at = ?, progress = 100, progress_message = '', error_message = ''
		WHERE id = ? AND status = ?`,
		string(models.JobStatusCompleted), now, now, id, string(models.JobStatusRunning),
	)
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to complete job %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to complete job %s", id)
	}
	if affected == 0 {
		return s.transitionConflict(ctx, id, models.JobStatusRunning)
	}

	if err := insertResult(ctx, tx, id, result, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to commit completion of job %s", id)
	}

	s.logger.Debug().Str("job_id", id).Msg("Job completed with result")
	return nil
}

// UpdateProgress writes a progress snapshot while the job is RUNNING.
// Updates arriving after the job left RUNNING are dropped silently, so a
// finished job can never be resurrected by a stale report.
func (s *JobStorage) UpdateProgress(ctx context.Context, id string, progress int, message string) error {
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress = ?, progress_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		progress, message, time.Now().UTC().UnixMilli(), id, string(models.JobStatusRunning),
	)
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to update progress for job %s", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to update progress for job %s", id)
	}
	if affected == 0 {
		var exists int
		err := s.db.db.QueryRowContext(ctx, "SELECT 1 FROM jobs WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewError(models.ErrNotFound, "job %s not found", id)
		}
		if err != nil {
			return models.WrapError(models.ErrStoreUnavailable, err, "failed to read job %s", id)
		}
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag. Idempotent.
func (s *JobStorage) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx,
		"UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?",
		time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to request cancel for job %s", id)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return models.WrapError(models.ErrStoreUnavailable, err, "failed to request cancel for job %s", id)
	}
	if affected == 0 {
		return models.NewError(models.ErrNotFound, "job %s not found", id)
	}
	return nil
}

// CancelRequested reads the cancellation flag
func (s *JobStorage) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.db.QueryRowContext(ctx, "SELECT cancel_requested FROM jobs WHERE id = ?", id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, models.NewError(models.ErrNotFound, "job %s not found", id)
	}
	if err != nil {
		return false, models.WrapError(models.ErrStoreUnavailable, err, "failed to read cancel flag for job %s", id)
	}
	return flag != 0, nil
}

// ListJobs returns one page of jobs matching the filters plus the total
// match count.
func (s *JobStorage) ListJobs(ctx context.Context, query *models.JobQuery) ([]*models.Job, int, error) {
	where, args := buildJobFilters(query)

	var total int
	countQuery := "SELECT COUNT(*) FROM jobs j WHERE 1=1" + where
	if err := s.db.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, models.WrapError(models.ErrStoreUnavailable, err, "failed to count jobs")
	}

	listQuery := fmt.Sprintf("SELECT %s FROM jobs j WHERE 1=1%s%s LIMIT ? OFFSET ?",
		jobColumns, where, orderClause(query))
	listArgs := append(append([]interface{}{}, args...), pageLimit(query), pageOffset(query))

	rows, err := s.db.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, models.WrapError(models.ErrStoreUnavailable, err, "failed to list jobs")
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// SearchJobs runs the FTS5 full-text query over job id and url, with the
// same filters, sorts and pagination as ListJobs. An empty search term
// degenerates to a plain list.
func (s *JobStorage) SearchJobs(ctx context.Context, query *models.JobQuery) ([]*models.Job, int, error) {
	match := ftsQuery(query.Search)
	if match == "" {
		return s.ListJobs(ctx, query)
	}

	where, filterArgs := buildJobFilters(query)
	args := append([]interface{}{match}, filterArgs...)

	base := "FROM jobs j INNER JOIN jobs_fts f ON j.rowid = f.rowid WHERE jobs_fts MATCH ?"

	var total int
	if err := s.db.db.QueryRowContext(ctx, "SELECT COUNT(*) "+base+where, args...).Scan(&total); err != nil {
		return nil, 0, models.WrapError(models.ErrStoreUnavailable, err, "failed to count search results")
	}

	searchQuery := fmt.Sprintf("SELECT %s %s%s%s LIMIT ? OFFSET ?",
		jobColumns, base, where, orderClause(query))
	searchArgs := append(append([]interface{}{}, args...), pageLimit(query), pageOffset(query))

	rows, err := s.db.db.QueryContext(ctx, searchQuery, searchArgs...)
	if err != nil {
		return nil, 0, models.WrapError(models.ErrStoreUnavailable, err, "failed to search jobs")
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// GetJobsByStatus returns all jobs in one status, ordered the way the
// queue would dispatch them. Startup recovery feeds on this.
func (s *JobStorage) GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM jobs j WHERE j.status = ? ORDER BY j.priority DESC, j.created_at ASC",
		jobColumns)

	rows, err := s.db.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, models.WrapError(models.ErrStoreUnavailable, err, "failed to get jobs by status")
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// GetJobsByTag returns all jobs carrying the tag, oldest first
func (s *JobStorage) GetJobsByTag(ctx context.Context, tag string) ([]*models.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM jobs j
		WHERE EXISTS (SELECT 1 FROM json_each(j.tags) WHERE json_each.value = ?)
		ORDER BY j.created_at ASC`, jobColumns)

	rows, err := s.db.db.QueryContext(ctx, query, tag)
	if err != nil {
		return nil, models.WrapError(models.ErrStoreUnavailable, err, "failed to get jobs by tag")
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// CountJobsByStatus returns job counts grouped by status
func (s *JobStorage) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, models.WrapError(models.ErrStoreUnavailable, err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, models.WrapError(models.ErrStoreUnavailable, err, "failed to scan status count")
		}
		counts[models.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

// DeleteTerminalBefore removes terminal jobs that completed before the
// cutoff. Result rows cascade with the job.
func (s *JobStorage) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(models.JobStatusCompleted),
		string(models.JobStatusFailed),
		string(models.JobStatusCancelled),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, models.WrapError(models.ErrStoreUnavailable, err, "failed to delete terminal jobs")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, models.WrapError(models.ErrStoreUnavailable, err, "failed to delete terminal jobs")
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("Swept terminal jobs past retention")
	}
	return deleted, nil
}

// buildJobFilters translates a JobQuery into WHERE clauses. Every clause
// is ANDed onto a leading "WHERE 1=1" the callers provide.
func buildJobFilters(query *models.JobQuery) (string, []interface{}) {
	var sb strings.Builder
	args := []interface{}{}

	if query == nil {
		return "", args
	}

	if len(query.Statuses) > 0 {
		sb.WriteString(" AND j.status IN (" + inPlaceholders(len(query.Statuses)) + ")")
		for _, status := range query.Statuses {
			args = append(args, string(status))
		}
	}
	if len(query.Variants) > 0 {
		sb.WriteString(" AND j.scraper_variant IN (" + inPlaceholders(len(query.Variants)) + ")")
		for _, variant := range query.Variants {
			args = append(args, string(variant))
		}
	}
	if len(query.Tags) > 0 {
		// A job matches when it carries at least one of the requested tags
		sb.WriteString(" AND EXISTS (SELECT 1 FROM json_each(j.tags) WHERE json_each.value IN (" +
			inPlaceholders(len(query.Tags)) + "))")
		for _, tag := range query.Tags {
			args = append(args, tag)
		}
	}
	if query.URLContains != "" {
		sb.WriteString(" AND j.url LIKE ?")
		args = append(args, "%"+query.URLContains+"%")
	}
	if query.CreatedFrom != nil {
		sb.WriteString(" AND j.created_at >= ?")
		args = append(args, query.CreatedFrom.UnixMilli())
	}
	if query.CreatedTo != nil {
		sb.WriteString(" AND j.created_at <= ?")
		args = append(args, query.CreatedTo.UnixMilli())
	}

	return sb.String(), args
}

// orderClause builds the ORDER BY from the whitelisted sort key. Job ID
// breaks ties so pagination stays stable.
func orderClause(query *models.JobQuery) string {
	column := "created_at"
	direction := "DESC"
	if query != nil {
		if mapped, ok := sortColumns[query.SortBy]; ok {
			column = mapped
		}
		if strings.EqualFold(query.SortOrder, "asc") {
			direction = "ASC"
		}
	}
	return fmt.Sprintf(" ORDER BY j.%s %s, j.id ASC", column, direction)
}

func pageLimit(query *models.JobQuery) int {
	if query == nil || query.PageSize < 1 {
		return models.DefaultPageSize
	}
	return query.PageSize
}

func pageOffset(query *models.JobQuery) int {
	if query == nil || query.Page < 2 {
		return 0
	}
	return (query.Page - 1) * pageLimit(query)
}

// inPlaceholders returns n comma-separated SQL placeholders
func inPlaceholders(n int) string {
	placeholders := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}
	return placeholders
}

// ftsQuery turns free text into a safe FTS5 query: each term is quoted
// as a phrase with a trailing prefix star, terms AND together. Quoting
// keeps user input from reaching the FTS5 query parser as syntax.
// Punctuation-only terms are dropped because a phrase that tokenizes to
// nothing is an FTS5 error.
func ftsQuery(input string) string {
	fields := strings.Fields(input)
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.ReplaceAll(field, `"`, "")
		if !hasAlnum(field) {
			continue
		}
		terms = append(terms, `"`+field+`"*`)
	}
	return strings.Join(terms, " ")
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// marshalNullableMap serializes a header/param map, keeping NULL for
// absent maps so the column stays compact.
func marshalNullableMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{Valid: true, String: string(data)}, nil
}

// scanJobFields reconstructs a job from one row. The scan argument
// abstracts over sql.Row and sql.Rows.
func scanJobFields(scan func(dest ...interface{}) error) (*models.Job, error) {
	var (
		id, url, method, variant, status     string
		headersJSON, paramsJSON, body        sql.NullString
		configJSON, tagsJSON                 sql.NullString
		priority, progress                   int
		progressMessage                      sql.NullString
		retryCount, maxRetries               int
		cancelRequested                      int
		createdAt, updatedAt                 int64
		startedAt, completedAt               sql.NullInt64
		errorMessage, callbackURL            sql.NullString
	)

	err := scan(
		&id, &url, &method, &headersJSON, &paramsJSON, &body, &variant,
		&configJSON, &tagsJSON, &priority, &status, &progress, &progressMessage,
		&retryCount, &maxRetries, &cancelRequested, &createdAt, &updatedAt,
		&startedAt, &completedAt, &errorMessage, &callbackURL,
	)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:              id,
		URL:             url,
		Method:          method,
		Variant:         models.ScraperVariant(variant),
		Priority:        priority,
		Status:          models.JobStatus(status),
		Progress:        progress,
		RetryCount:      retryCount,
		MaxRetries:      maxRetries,
		CancelRequested: cancelRequested != 0,
		CreatedAt:       milliToTime(createdAt),
		UpdatedAt:       milliToTime(updatedAt),
	}

	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &job.Headers); err != nil {
			return nil, fmt.Errorf("failed to deserialize headers for job %s: %w", id, err)
		}
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to deserialize params for job %s: %w", id, err)
		}
	}
	if body.Valid && body.String != "" {
		job.Body = json.RawMessage(body.String)
	}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &job.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize config for job %s: %w", id, err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" && tagsJSON.String != "[]" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &job.Tags); err != nil {
			return nil, fmt.Errorf("failed to deserialize tags for job %s: %w", id, err)
		}
	}
	if progressMessage.Valid {
		job.ProgressMessage = progressMessage.String
	}
	if startedAt.Valid {
		t := milliToTime(startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := milliToTime(completedAt.Int64)
		job.CompletedAt = &t
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if callbackURL.Valid {
		job.CallbackURL = callbackURL.String
	}

	return job, nil
}

// scanJobs scans all rows into jobs
func (s *JobStorage) scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobFields(rows.Scan)
		if err != nil {
			return nil, models.WrapError(models.ErrStoreUnavailable, err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, models.WrapError(models.ErrStoreUnavailable, err, "failed to iterate jobs")
	}
	return jobs, nil
}
