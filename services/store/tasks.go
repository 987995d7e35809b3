package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"danmuhub/models"
)

// TaskHistoryRepository persists task-manager state transitions. Every
// transition is written through so a restart loses no terminal status.
type TaskHistoryRepository struct {
	db dbtx
}

const taskColumns = `task_id, title, unique_key, status, progress, description,
	queue_type, task_type, scheduled_task_id, created_at, finished_at`

func scanTask(row interface{ Scan(...any) error }) (*models.TaskHistory, error) {
	var t models.TaskHistory
	err := row.Scan(&t.TaskID, &t.Title, &t.UniqueKey, &t.Status, &t.Progress, &t.Description,
		&t.Queue, &t.TaskType, &t.ScheduledTaskID, &t.CreatedAt, &t.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Get fetches one history row.
func (r *TaskHistoryRepository) Get(ctx context.Context, taskID string) (*models.TaskHistory, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_history WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// FindActiveByUniqueKey returns the non-terminal task holding a unique key.
func (r *TaskHistoryRepository) FindActiveByUniqueKey(ctx context.Context, key string) (*models.TaskHistory, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_history
		 WHERE unique_key = ? AND status IN ('queued', 'running', 'paused')
		 ORDER BY created_at LIMIT 1`, key)
	return scanTask(row)
}

// Create inserts a queued history row.
func (r *TaskHistoryRepository) Create(ctx context.Context, t *models.TaskHistory) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO task_history (task_id, title, unique_key, status, progress, description, queue_type, task_type, scheduled_task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Title, t.UniqueKey, t.Status, t.Progress, t.Description, t.Queue, t.TaskType, t.ScheduledTaskID, t.CreatedAt)
	return err
}

// SetStatus writes a status transition, stamping finished_at for terminal
// states.
func (r *TaskHistoryRepository) SetStatus(ctx context.Context, taskID string, status models.TaskStatus, description string) error {
	if status.Terminal() {
		now := time.Now().UTC()
		_, err := r.db.ExecContext(ctx,
			`UPDATE task_history SET status = ?, description = ?, finished_at = ? WHERE task_id = ?`,
			status, description, now, taskID)
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE task_history SET status = ?, description = ? WHERE task_id = ?`, status, description, taskID)
	return err
}

// SetProgress records a progress callback tick.
func (r *TaskHistoryRepository) SetProgress(ctx context.Context, taskID string, progress int, description string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE task_history SET progress = ?, description = ? WHERE task_id = ?`, progress, description, taskID)
	return err
}

// List returns recent rows, newest first.
func (r *TaskHistoryRepository) List(ctx context.Context, limit int) ([]models.TaskHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskHistory
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ReconcileInterrupted marks rows left non-terminal by a previous process as
// failed.
func (r *TaskHistoryRepository) ReconcileInterrupted(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE task_history SET status = 'failed', description = 'process restarted', finished_at = CURRENT_TIMESTAMP
		 WHERE status IN ('queued', 'running', 'paused')`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ScheduledTaskRepository persists cron schedules.
type ScheduledTaskRepository struct {
	db dbtx
}

const scheduleColumns = `task_id, name, job_type, cron_expression, is_enabled, last_run_at, next_run_at`

func scanSchedule(row interface{ Scan(...any) error }) (*models.ScheduledTask, error) {
	var t models.ScheduledTask
	err := row.Scan(&t.TaskID, &t.Name, &t.JobType, &t.CronExpr, &t.IsEnabled, &t.LastRunAt, &t.NextRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Get fetches one schedule.
func (r *ScheduledTaskRepository) Get(ctx context.Context, taskID string) (*models.ScheduledTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_task WHERE task_id = ?`, taskID)
	return scanSchedule(row)
}

// List returns all schedules.
func (r *ScheduledTaskRepository) List(ctx context.Context) ([]models.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_task ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScheduledTask
	for rows.Next() {
		t, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CountByJobType counts active schedules of one job type, for singleton
// enforcement.
func (r *ScheduledTaskRepository) CountByJobType(ctx context.Context, jobType string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_task WHERE job_type = ?`, jobType).Scan(&n)
	return n, err
}

// Create inserts a schedule.
func (r *ScheduledTaskRepository) Create(ctx context.Context, t *models.ScheduledTask) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scheduled_task (task_id, name, job_type, cron_expression, is_enabled)
		 VALUES (?, ?, ?, ?, ?)`,
		t.TaskID, t.Name, t.JobType, t.CronExpr, t.IsEnabled)
	return err
}

// Update rewrites name, expression and enabled flag.
func (r *ScheduledTaskRepository) Update(ctx context.Context, t *models.ScheduledTask) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_task SET name = ?, cron_expression = ?, is_enabled = ? WHERE task_id = ?`,
		t.Name, t.CronExpr, t.IsEnabled, t.TaskID)
	return err
}

// RecordRun stamps last/next run times from the scheduled fire time.
func (r *ScheduledTaskRepository) RecordRun(ctx context.Context, taskID string, firedAt, nextAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_task SET last_run_at = ?, next_run_at = ? WHERE task_id = ?`, firedAt, nextAt, taskID)
	return err
}

// Delete removes a schedule.
func (r *ScheduledTaskRepository) Delete(ctx context.Context, taskID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_task WHERE task_id = ?`, taskID)
	return err
}
