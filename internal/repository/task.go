package repository

import (
	"context"
	"time"

	"torrent-web/internal/domain"
)

// TaskRepository exposes persistence operations for Task records. Every
// mutation is atomic per task: a single statement or transaction, never a
// partial write visible to readers.
type TaskRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	GetByGID(ctx context.Context, gid string) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errorMessage *string) error
	UpdateGID(ctx context.Context, id, gid string) error
	UpdateMetrics(ctx context.Context, id string, progress float64, downloadSpeed, uploadSpeed, eta, totalSize, completedSize int64) error
	UpdateDownloadInfo(ctx context.Context, id, name, savePath string, totalSize int64) error
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error
	MarkRemoved(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// TaskFileRepository manages the per-task file listing reported by the engine.
type TaskFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForTask(ctx context.Context, taskID string, files []domain.TaskFile) error
	ListByTask(ctx context.Context, taskID string) ([]domain.TaskFile, error)
}
