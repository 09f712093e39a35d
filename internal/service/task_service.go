package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"torrent-web/internal/domain"
	"torrent-web/internal/engine"
	"torrent-web/internal/repository"
)

// Syncer runs an out-of-cycle reconciliation pass for a single task. It is
// implemented by the reconciler and injected to keep user-visible state lag
// after an intent to a minimum.
type Syncer interface {
	SyncTask(ctx context.Context, taskID string)
}

// AddRequest carries the source of a new download: exactly one of a magnet
// URI or raw .torrent file bytes.
type AddRequest struct {
	MagnetURI   string
	TorrentBlob []byte
}

// TaskService validates and executes user intents against the engine and the
// task store, enforcing the task state machine. All metric fields are owned
// by the reconciler; this service never fabricates them.
type TaskService interface {
	Add(ctx context.Context, req AddRequest) (*domain.Task, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Delete(ctx context.Context, id string, removeFiles bool) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	Snapshot(ctx context.Context) ([]domain.Task, error)
	ResubmitQueued(ctx context.Context) error
}

type taskService struct {
	engine       engine.Client
	tasks        repository.TaskRepository
	files        repository.TaskFileRepository
	syncer       Syncer
	downloadRoot string
	logger       *logrus.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTaskService(client engine.Client, tasks repository.TaskRepository, files repository.TaskFileRepository, syncer Syncer, downloadRoot string, logger *logrus.Logger) TaskService {
	if logger == nil {
		logger = logrus.New()
	}
	return &taskService{
		engine:       client,
		tasks:        tasks,
		files:        files,
		syncer:       syncer,
		downloadRoot: downloadRoot,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
	}
}

// lockTask serializes intents per task. Operations on different tasks never
// wait on each other; the map mutex is only held to fetch the entry.
func (s *taskService) lockTask(id string) func() {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (s *taskService) Add(ctx context.Context, req AddRequest) (*domain.Task, error) {
	task, err := taskFromRequest(req)
	if err != nil {
		return nil, err
	}

	// Hold the task lock before the row exists so a concurrent intent
	// cannot slip between creation and engine submission.
	unlock := s.lockTask(task.ID)
	defer unlock()

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	if err := s.submit(ctx, task); err != nil {
		return task, err
	}

	s.triggerSync(task.ID)
	return task, nil
}

// submit registers the task with the engine. The caller holds the task lock.
// An engine rejection marks the task errored; an unreachable engine leaves it
// queued so a later pass can retry.
func (s *taskService) submit(ctx context.Context, task *domain.Task) error {
	var (
		gid string
		err error
	)
	if task.MagnetURI != "" {
		gid, err = s.engine.AddURI(ctx, task.MagnetURI)
	} else {
		gid, err = s.engine.AddTorrent(ctx, task.TorrentBlob)
	}
	if err != nil {
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			msg := engineErr.Message
			if updateErr := s.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusError, &msg); updateErr != nil {
				s.logger.WithField("task_id", task.ID).Errorf("persist error status: %v", updateErr)
			}
			task.Status = domain.TaskStatusError
			task.ErrorMessage = msg
		}
		return err
	}

	if err := s.tasks.UpdateGID(ctx, task.ID, gid); err != nil {
		return err
	}
	if err := s.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusDownloading, nil); err != nil {
		return err
	}
	task.EngineGID = gid
	task.Status = domain.TaskStatusDownloading
	s.logger.WithField("task_id", task.ID).Infof("submitted to engine as %s", gid)
	return nil
}

func (s *taskService) Pause(ctx context.Context, id string) error {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusDownloading || task.EngineGID == "" {
		return fmt.Errorf("%w: cannot pause task in status %s", domain.ErrInvalidTransition, task.Status)
	}

	if err := s.engine.Pause(ctx, task.EngineGID); err != nil {
		return err
	}
	if err := s.tasks.UpdateStatus(ctx, id, domain.TaskStatusPaused, nil); err != nil {
		return err
	}

	s.triggerSync(id)
	return nil
}

func (s *taskService) Resume(ctx context.Context, id string) error {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusPaused || task.EngineGID == "" {
		return fmt.Errorf("%w: cannot resume task in status %s", domain.ErrInvalidTransition, task.Status)
	}

	if err := s.engine.Unpause(ctx, task.EngineGID); err != nil {
		return err
	}
	if err := s.tasks.UpdateStatus(ctx, id, domain.TaskStatusDownloading, nil); err != nil {
		return err
	}

	s.triggerSync(id)
	return nil
}

func (s *taskService) Delete(ctx context.Context, id string, removeFiles bool) error {
	unlock := s.lockTask(id)
	defer unlock()

	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusRemoved {
		return fmt.Errorf("%w: task already removed", domain.ErrInvalidTransition)
	}

	logger := s.logger.WithField("task_id", id)

	if task.EngineGID != "" {
		if err := s.engine.Remove(ctx, task.EngineGID); err != nil && !engine.IsNotFound(err) {
			// leave the task untouched so the user can retry
			return err
		}
		if err := s.engine.RemoveResult(ctx, task.EngineGID); err != nil && !engine.IsNotFound(err) {
			logger.Warnf("purge engine download result: %v", err)
		}
	}

	if removeFiles {
		s.cleanupPayload(task, logger)
	}

	return s.tasks.MarkRemoved(ctx, id)
}

// cleanupPayload deletes downloaded content from disk. Paths are confined to
// the configured download root; anything reported outside it is skipped.
func (s *taskService) cleanupPayload(task *domain.Task, logger *logrus.Entry) {
	root := filepath.Clean(s.downloadRoot)
	if root == "" || root == "." {
		return
	}

	remove := func(p string) {
		if p == "" {
			return
		}
		clean := filepath.Clean(p)
		rel, err := filepath.Rel(root, clean)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return
		}
		if err := os.RemoveAll(clean); err != nil && !os.IsNotExist(err) {
			logger.Warnf("remove local data %s: %v", clean, err)
		}
	}

	if task.Name != "" {
		remove(filepath.Join(root, task.Name))
	}
	for _, file := range task.Files {
		remove(file.Path)
	}
	if task.SavePath != "" && task.SavePath != root {
		remove(task.SavePath)
	}
}

func (s *taskService) Get(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Files = files
	return task, nil
}

func (s *taskService) List(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		files, err := s.files.ListByTask(ctx, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].Files = files
	}
	return tasks, nil
}

// Snapshot serves the poller-facing projection straight from the store. It
// never touches the engine and skips the per-task file join.
func (s *taskService) Snapshot(ctx context.Context) ([]domain.Task, error) {
	return s.tasks.List(ctx)
}

// ResubmitQueued retries engine submission for tasks that were created but
// never registered with the engine, e.g. added while the engine was down or
// pending when the orchestrator last stopped.
func (s *taskService) ResubmitQueued(ctx context.Context) error {
	queued, err := s.tasks.ListByStatuses(ctx, domain.TaskStatusQueued)
	if err != nil {
		return err
	}

	for i := range queued {
		task := queued[i]
		if task.EngineGID != "" {
			continue
		}
		unlock := s.lockTask(task.ID)
		if err := s.submit(ctx, &task); err != nil {
			s.logger.WithField("task_id", task.ID).Warnf("resubmit: %v", err)
		}
		unlock()
	}
	return nil
}

func (s *taskService) triggerSync(id string) {
	if s.syncer == nil {
		return
	}
	go s.syncer.SyncTask(context.Background(), id)
}

func taskFromRequest(req AddRequest) (*domain.Task, error) {
	hasMagnet := strings.TrimSpace(req.MagnetURI) != ""
	hasBlob := len(req.TorrentBlob) > 0
	if hasMagnet == hasBlob {
		return nil, &domain.ValidationError{Reason: "provide either a magnet URI or a torrent file"}
	}

	task := &domain.Task{
		ID:     uuid.NewString(),
		Status: domain.TaskStatusQueued,
	}

	if hasMagnet {
		m, err := metainfo.ParseMagnetUri(strings.TrimSpace(req.MagnetURI))
		if err != nil {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("malformed magnet URI: %v", err)}
		}
		task.MagnetURI = strings.TrimSpace(req.MagnetURI)
		task.InfoHash = m.InfoHash.HexString()
		task.Name = m.DisplayName
	} else {
		mi, err := metainfo.Load(bytes.NewReader(req.TorrentBlob))
		if err != nil {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("malformed torrent file: %v", err)}
		}
		info, err := mi.UnmarshalInfo()
		if err != nil {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("malformed torrent info: %v", err)}
		}
		task.TorrentBlob = req.TorrentBlob
		task.InfoHash = mi.HashInfoBytes().HexString()
		task.Name = info.BestName()
	}

	if task.Name == "" {
		task.Name = "download-" + shortHash(task.InfoHash)
	}
	return task, nil
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
