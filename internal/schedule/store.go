package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrJobNotFound  = errors.New("scheduled job not found")
	ErrInvalidCron  = errors.New("invalid cron expression")
	ErrMissingField = errors.New("missing required field")
)

// Store handles job persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a job store with a SQLite backend in dataDir
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "schedules.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		minion_id TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		prompt TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		last_task_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_run_at DATETIME,
		next_run_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_minion ON scheduled_jobs(minion_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_enabled ON scheduled_jobs(enabled);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SnapshotTo writes a consistent copy of the job database to path
func (s *Store) SnapshotTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("failed to snapshot job database: %w", err)
	}
	return nil
}

const jobColumns = `id, name, minion_id, cron_expr, prompt, enabled, last_task_id,
	created_at, updated_at, last_run_at, next_run_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var lastRunAt, nextRunAt sql.NullTime
	var enabled int

	if err := row.Scan(
		&job.ID, &job.Name, &job.MinionID, &job.CronExpr, &job.Prompt,
		&enabled, &job.LastTaskID, &job.CreatedAt, &job.UpdatedAt,
		&lastRunAt, &nextRunAt,
	); err != nil {
		return nil, err
	}

	job.Enabled = enabled != 0
	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
	}
	return &job, nil
}

// Create validates and inserts a job, assigning its ID and next run time
func (s *Store) Create(job *Job) error {
	if job.MinionID == "" {
		return fmt.Errorf("%w: minion_id", ErrMissingField)
	}
	if job.Prompt == "" {
		return fmt.Errorf("%w: prompt", ErrMissingField)
	}
	if err := ValidateCron(job.CronExpr); err != nil {
		return err
	}

	if job.ID == "" {
		job.ID = "job_" + uuid.New().String()[:8]
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	if job.NextRunAt == nil && job.Enabled {
		if nextRun, err := NextRun(job.CronExpr, now); err == nil {
			job.NextRunAt = &nextRun
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.MinionID, job.CronExpr, job.Prompt,
		job.Enabled, job.LastTaskID, job.CreatedAt, job.UpdatedAt,
		job.LastRunAt, job.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID
func (s *Store) Get(id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// List returns jobs matching the filter, oldest first
func (s *Store) List(filter *ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	var args []any
	var conditions []string

	if filter != nil {
		if filter.MinionID != "" {
			conditions = append(conditions, "minion_id = ?")
			args = append(args, filter.MinionID)
		}
		if filter.Enabled != nil {
			conditions = append(conditions, "enabled = ?")
			if *filter.Enabled {
				args = append(args, 1)
			} else {
				args = append(args, 0)
			}
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update applies partial updates to a job. Changing the cron expression or
// enabling the job recomputes next_run_at.
func (s *Store) Update(id string, update *JobUpdate) (*Job, error) {
	if update.CronExpr != nil {
		if err := ValidateCron(*update.CronExpr); err != nil {
			return nil, err
		}
	}

	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if update.Name != nil {
		job.Name = *update.Name
	}
	if update.CronExpr != nil {
		job.CronExpr = *update.CronExpr
	}
	if update.Prompt != nil {
		job.Prompt = *update.Prompt
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}

	job.UpdatedAt = time.Now()
	job.NextRunAt = nil
	if job.Enabled {
		if nextRun, err := NextRun(job.CronExpr, job.UpdatedAt); err == nil {
			job.NextRunAt = &nextRun
		}
	}

	result, err := s.db.Exec(`
		UPDATE scheduled_jobs
		SET name = ?, cron_expr = ?, prompt = ?, enabled = ?, updated_at = ?, next_run_at = ?
		WHERE id = ?`,
		job.Name, job.CronExpr, job.Prompt, job.Enabled, job.UpdatedAt, job.NextRunAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Delete removes a job
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec("DELETE FROM scheduled_jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RecordRun stores the task a scheduled firing created along with the run
// times.
func (s *Store) RecordRun(id, taskID string, lastRun, nextRun time.Time) error {
	result, err := s.db.Exec(`
		UPDATE scheduled_jobs SET last_task_id = ?, last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		taskID, lastRun, nextRun, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetLastTask stores the task of a manual firing without touching run times
func (s *Store) SetLastTask(id, taskID string) error {
	result, err := s.db.Exec(`
		UPDATE scheduled_jobs SET last_task_id = ?, updated_at = ? WHERE id = ?`,
		taskID, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set last task: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}
