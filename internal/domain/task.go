package domain

import "time"

type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusError       TaskStatus = "error"
	TaskStatusRemoved     TaskStatus = "removed"
)

// Terminal reports whether a status accepts no further pause/resume intents.
// Completed and error tasks may still be deleted; removed accepts nothing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusError, TaskStatusRemoved:
		return true
	}
	return false
}

// Task represents one download job tracked by the orchestrator. The ID is
// assigned at creation and never changes; EngineGID is the engine's own
// handle for the job and may change or disappear across the task's lifetime.
type Task struct {
	ID            string
	EngineGID     string
	MagnetURI     string
	TorrentBlob   []byte
	InfoHash      string
	Name          string
	Status        TaskStatus
	Progress      float64
	DownloadSpeed int64
	UploadSpeed   int64
	ETA           int64
	TotalSize     int64
	CompletedSize int64
	SavePath      string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	Files         []TaskFile
}

// TaskFile captures an individual file the engine reports within a torrent.
type TaskFile struct {
	ID             int64
	TaskID         string
	Path           string
	Size           int64
	CompletedBytes int64
}
