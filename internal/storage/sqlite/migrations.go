package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate runs database migrations
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	// Create migrations table
	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	// Run migrations
	migrations := []migration{
		{version: 1, name: "initial_schema", up: migrateV1},
		{version: 2, name: "fts5_search", up: migrateV2},
		{version: 3, name: "cancel_flag", up: migrateV3},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	// Check if migration already applied
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}

	if count > 0 {
		return nil // Already applied
	}

	// Start transaction
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Run migration
	if err := m.up(ctx, tx); err != nil {
		return err
	}

	// Record migration
	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// migrateV1 creates the jobs and job_results tables
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		// Jobs: one row per submitted scrape, timestamps in Unix milliseconds
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT 'GET',
			headers TEXT,
			params TEXT,
			body TEXT,
			scraper_variant TEXT NOT NULL,
			config TEXT,
			tags TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			error_message TEXT,
			callback_url TEXT
		)`,

		// Job results: at most one row per job, removed with the job
		`CREATE TABLE IF NOT EXISTS job_results (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			status_code INTEGER,
			response_time_ms INTEGER,
			content_length INTEGER,
			content_type TEXT,
			headers TEXT,
			content TEXT,
			text TEXT,
			markdown TEXT,
			links TEXT,
			images TEXT,
			screenshot TEXT,
			final_url TEXT,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,

		// Single-column indexes
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_variant ON jobs(scraper_variant)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_url ON jobs(url)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_priority ON jobs(priority)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at)`,

		// Composite indexes for the common list filters
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_variant ON jobs(status, scraper_variant)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_priority_created ON jobs(priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_variant_status_created ON jobs(scraper_variant, status, created_at)`,

		// Result indexes
		`CREATE INDEX IF NOT EXISTS idx_results_status_code ON job_results(status_code)`,
		`CREATE INDEX IF NOT EXISTS idx_results_response_time ON job_results(response_time_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_results_content_type ON job_results(content_type)`,
		`CREATE INDEX IF NOT EXISTS idx_results_job_created ON job_results(job_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w\nQuery: %s", err, query)
		}
	}

	return nil
}

// migrateV2 creates the FTS5 index over job id and url
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	// Only create FTS5 tables if enabled
	var fts5Enabled bool
	err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pragma_compile_options WHERE compile_options LIKE '%ENABLE_FTS5%')").Scan(&fts5Enabled)
	if err != nil || !fts5Enabled {
		// FTS5 not available, skip
		return nil
	}

	queries := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS jobs_fts USING fts5(
			id,
			url,
			content=jobs,
			content_rowid=rowid
		)`,

		// Triggers to keep FTS in sync with jobs
		`CREATE TRIGGER IF NOT EXISTS jobs_ai AFTER INSERT ON jobs BEGIN
			INSERT INTO jobs_fts(rowid, id, url)
			VALUES (new.rowid, new.id, new.url);
		END`,

		// External-content FTS requires the 'delete' command form; the old
		// column values are gone from jobs by the time the trigger fires
		`CREATE TRIGGER IF NOT EXISTS jobs_ad AFTER DELETE ON jobs BEGIN
			INSERT INTO jobs_fts(jobs_fts, rowid, id, url)
			VALUES ('delete', old.rowid, old.id, old.url);
		END`,

		`CREATE TRIGGER IF NOT EXISTS jobs_au AFTER UPDATE OF id, url ON jobs BEGIN
			INSERT INTO jobs_fts(jobs_fts, rowid, id, url)
			VALUES ('delete', old.rowid, old.id, old.url);
			INSERT INTO jobs_fts(rowid, id, url)
			VALUES (new.rowid, new.id, new.url);
		END`,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			// FTS5 creation might fail if not supported, skip without failing the migration
			return nil
		}
	}

	return nil
}

// migrateV3 adds the cooperative cancellation flag
func migrateV3(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`ALTER TABLE jobs ADD COLUMN cancel_requested INTEGER NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_cancel_requested ON jobs(cancel_requested) WHERE cancel_requested = 1`,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w\nQuery: %s", err, query)
		}
	}

	return nil
}
