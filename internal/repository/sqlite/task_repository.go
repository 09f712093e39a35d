package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"torrent-web/internal/domain"
	"torrent-web/internal/repository"
)

const (
	createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	engine_gid TEXT NOT NULL DEFAULT '',
	magnet_uri TEXT NOT NULL DEFAULT '',
	torrent_blob BLOB NULL,
	info_hash TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	download_speed INTEGER NOT NULL DEFAULT 0,
	upload_speed INTEGER NOT NULL DEFAULT 0,
	eta INTEGER NOT NULL DEFAULT 0,
	total_size INTEGER NOT NULL DEFAULT 0,
	completed_size INTEGER NOT NULL DEFAULT 0,
	save_path TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_engine_gid ON tasks(engine_gid);
`

	taskColumns = `id, engine_gid, magnet_uri, torrent_blob, info_hash, name, status, progress, download_speed, upload_speed, eta, total_size, completed_size, save_path, error_message, created_at, updated_at, completed_at`

	// Statuses the reconciler must never overwrite. Removed is the one
	// terminal state a terminal task can still move into.
	terminalGuard = `status NOT IN ('completed', 'error', 'removed')`
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	if err := r.ensureTaskColumns(ctx); err != nil {
		return err
	}
	return nil
}

func (r *TaskRepository) ensureTaskColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(tasks)`)
	if err != nil {
		return fmt.Errorf("describe tasks table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("eta", `ALTER TABLE tasks ADD COLUMN eta INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumn("completed_size", `ALTER TABLE tasks ADD COLUMN completed_size INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumn("save_path", `ALTER TABLE tasks ADD COLUMN save_path TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	return nil
}

func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id, engine_gid, magnet_uri, torrent_blob, info_hash, name, status, progress, download_speed, upload_speed, eta, total_size, completed_size, save_path, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.EngineGID,
		task.MagnetURI,
		task.TorrentBlob,
		task.InfoHash,
		task.Name,
		string(task.Status),
		task.Progress,
		task.DownloadSpeed,
		task.UploadSpeed,
		task.ETA,
		task.TotalSize,
		task.CompletedSize,
		task.SavePath,
		task.ErrorMessage,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE id=?`,
		id,
	)
	return scanTask(row)
}

func (r *TaskRepository) GetByGID(ctx context.Context, gid string) (*domain.Task, error) {
	if gid == "" {
		return nil, domain.ErrTaskNotFound
	}

	row := r.db.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE engine_gid=?`,
		gid,
	)
	return scanTask(row)
}

func (r *TaskRepository) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (r *TaskRepository) ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return []domain.Task{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(`
SELECT `+taskColumns+`
FROM tasks
WHERE status IN (%s)
ORDER BY created_at ASC, rowid ASC`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errorMessage *string) error {
	now := time.Now().UTC()
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status=?, error_message=?, updated_at=?
WHERE id=? AND `+terminalGuard,
		string(status),
		msg,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

func (r *TaskRepository) UpdateGID(ctx context.Context, id, gid string) error {
	// a removed task must never re-acquire an engine job
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET engine_gid=?, updated_at=?
WHERE id=? AND status != ?`,
		gid,
		now,
		id,
		string(domain.TaskStatusRemoved),
	)
	if err != nil {
		return fmt.Errorf("update task gid: %w", err)
	}
	return nil
}

func (r *TaskRepository) UpdateMetrics(ctx context.Context, id string, progress float64, downloadSpeed, uploadSpeed, eta, totalSize, completedSize int64) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET progress=?, download_speed=?, upload_speed=?, eta=?, total_size=?, completed_size=?, updated_at=?
WHERE id=? AND `+terminalGuard,
		progress,
		downloadSpeed,
		uploadSpeed,
		eta,
		totalSize,
		completedSize,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("update task metrics: %w", err)
	}
	return nil
}

func (r *TaskRepository) UpdateDownloadInfo(ctx context.Context, id, name, savePath string, totalSize int64) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET name=?, save_path=?, total_size=?, updated_at=?
WHERE id=? AND `+terminalGuard,
		name,
		savePath,
		totalSize,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("update download info: %w", err)
	}
	return nil
}

func (r *TaskRepository) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status=?, progress=100, download_speed=0, upload_speed=0, eta=0, completed_at=?, updated_at=?
WHERE id=? AND `+terminalGuard,
		string(domain.TaskStatusCompleted),
		completedAt.UTC(),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (r *TaskRepository) MarkRemoved(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status=?, engine_gid='', download_speed=0, upload_speed=0, eta=0, updated_at=?
WHERE id=? AND status != ?`,
		string(domain.TaskStatusRemoved),
		time.Now().UTC(),
		id,
		string(domain.TaskStatusRemoved),
	)
	if err != nil {
		return fmt.Errorf("mark removed: %w", err)
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE task_id=?`, id); err != nil {
		return fmt.Errorf("delete task files: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task delete rows affected: %w", err)
	}
	if aff == 0 {
		return domain.ErrTaskNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task delete: %w", err)
	}
	return nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task             domain.Task
		status           string
		createdAt        time.Time
		updatedAt        time.Time
		completedAtValid sql.NullTime
	)

	if err := scanner.Scan(
		&task.ID,
		&task.EngineGID,
		&task.MagnetURI,
		&task.TorrentBlob,
		&task.InfoHash,
		&task.Name,
		&status,
		&task.Progress,
		&task.DownloadSpeed,
		&task.UploadSpeed,
		&task.ETA,
		&task.TotalSize,
		&task.CompletedSize,
		&task.SavePath,
		&task.ErrorMessage,
		&createdAt,
		&updatedAt,
		&completedAtValid,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.CreatedAt = createdAt.Local()
	task.UpdatedAt = updatedAt.Local()
	if completedAtValid.Valid {
		t := completedAtValid.Time.Local()
		task.CompletedAt = &t
	}

	return &task, nil
}
