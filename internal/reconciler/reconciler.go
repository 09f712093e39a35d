package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"torrent-web/internal/domain"
	"torrent-web/internal/engine"
	"torrent-web/internal/repository"
)

// stoppedWindow bounds how many finished engine jobs one cycle inspects.
const stoppedWindow = 1000

type Config struct {
	Interval time.Duration
	Logger   *logrus.Logger
}

// Reconciler merges engine-reported truth into the task store on a fixed
// cadence and on demand. It is the only writer of task metrics. A cycle that
// cannot reach the engine degrades to a no-op and keeps stale data; a
// job-level engine error does update the task.
type Reconciler struct {
	cfg    Config
	engine engine.Client
	tasks  repository.TaskRepository
	files  repository.TaskFileRepository

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, client engine.Client, tasks repository.TaskRepository, files repository.TaskFileRepository) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Reconciler{
		cfg:    cfg,
		engine: client,
		tasks:  tasks,
		files:  files,
	}
}

// Start runs one immediate cycle, then keeps reconciling on the configured
// interval until the context is cancelled or Shutdown is called.
func (r *Reconciler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.cycle(loopCtx)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.cycle(loopCtx)
			}
		}
	}()
	r.cfg.Logger.Infof("reconciler started, interval %s", r.cfg.Interval)
}

func (r *Reconciler) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.cfg.Logger.Info("reconciler stopped")
}

// cycle is one full pass. Cycles are independent: any failure here is logged
// and the next tick starts fresh.
func (r *Reconciler) cycle(ctx context.Context) {
	active, err := r.engine.TellActive(ctx)
	if err != nil {
		r.logEngineFailure("list active jobs", err)
		return
	}
	stopped, err := r.engine.TellStopped(ctx, 0, stoppedWindow)
	if err != nil {
		r.logEngineFailure("list stopped jobs", err)
		return
	}

	reported := make(map[string]engine.Job, len(active)+len(stopped))
	for _, job := range active {
		reported[job.GID] = job
	}
	for _, job := range stopped {
		reported[job.GID] = job
	}

	for gid, job := range reported {
		task, err := r.tasks.GetByGID(ctx, gid)
		if err != nil {
			if errors.Is(err, domain.ErrTaskNotFound) {
				// not one of ours; never create phantom tasks
				r.cfg.Logger.Debugf("ignoring unknown engine job %s", gid)
				continue
			}
			r.cfg.Logger.Errorf("resolve engine job %s: %v", gid, err)
			continue
		}
		r.merge(ctx, task, job)
	}

	// Tasks holding a gid the bulk listings missed: ask explicitly so
	// completion, errors and disappearance are still detected.
	tracked, err := r.tasks.List(ctx)
	if err != nil {
		r.cfg.Logger.Errorf("list tasks: %v", err)
		return
	}
	for i := range tracked {
		task := tracked[i]
		if task.EngineGID == "" || task.Status.Terminal() {
			continue
		}
		if _, ok := reported[task.EngineGID]; ok {
			continue
		}
		r.syncOne(ctx, &task)
	}
}

// SyncTask reconciles a single task immediately, used by the controller
// right after a successful intent.
func (r *Reconciler) SyncTask(ctx context.Context, taskID string) {
	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		r.cfg.Logger.WithField("task_id", taskID).Debugf("sync: %v", err)
		return
	}
	if task.EngineGID == "" || task.Status.Terminal() {
		return
	}
	r.syncOne(ctx, task)
}

func (r *Reconciler) syncOne(ctx context.Context, task *domain.Task) {
	logger := r.cfg.Logger.WithField("task_id", task.ID)

	job, err := r.engine.TellStatus(ctx, task.EngineGID)
	if err != nil {
		if engine.IsNotFound(err) {
			// The engine no longer knows this job (restart, purge).
			msg := "engine job lost"
			if updateErr := r.tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusError, &msg); updateErr != nil {
				logger.Errorf("mark job lost: %v", updateErr)
			}
			return
		}
		// transport failure for one task must not break the rest of the cycle
		logger.Warnf("query job %s: %v", task.EngineGID, err)
		return
	}
	r.merge(ctx, task, job)
}

// merge overwrites the task's volatile metrics with engine truth and derives
// its status. Terminal tasks are never touched.
func (r *Reconciler) merge(ctx context.Context, task *domain.Task, job engine.Job) {
	if task.Status.Terminal() {
		return
	}
	logger := r.cfg.Logger.WithField("task_id", task.ID)

	// A magnet's metadata job finishes and hands over to the payload job.
	if len(job.FollowedBy) > 0 {
		next := job.FollowedBy[0]
		if err := r.tasks.UpdateGID(ctx, task.ID, next); err != nil {
			logger.Errorf("follow engine job %s: %v", next, err)
			return
		}
		logger.Infof("engine job %s followed by %s", job.GID, next)
		task.EngineGID = next
		if followed, err := r.engine.TellStatus(ctx, next); err == nil {
			r.merge(ctx, task, followed)
		}
		return
	}

	progress := task.Progress
	if job.TotalLength > 0 {
		progress = float64(job.CompletedLength) / float64(job.TotalLength) * 100
	}
	var eta int64
	if job.Status == engine.JobStatusActive && job.DownloadSpeed > 0 {
		eta = (job.TotalLength - job.CompletedLength) / job.DownloadSpeed
	}

	if job.Name != "" || job.Dir != "" {
		name := job.Name
		if name == "" {
			name = task.Name
		}
		dir := job.Dir
		if dir == "" {
			dir = task.SavePath
		}
		if name != task.Name || dir != task.SavePath || job.TotalLength != task.TotalSize {
			if err := r.tasks.UpdateDownloadInfo(ctx, task.ID, name, dir, job.TotalLength); err != nil {
				logger.Errorf("update download info: %v", err)
			}
		}
	}

	if len(job.Files) > 0 {
		files := make([]domain.TaskFile, 0, len(job.Files))
		for _, f := range job.Files {
			files = append(files, domain.TaskFile{
				TaskID:         task.ID,
				Path:           f.Path,
				Size:           f.Length,
				CompletedBytes: f.CompletedLength,
			})
		}
		if err := r.files.ReplaceForTask(ctx, task.ID, files); err != nil {
			logger.Errorf("update task files: %v", err)
		}
	}

	switch job.Status {
	case engine.JobStatusActive:
		r.applyMetrics(ctx, task, progress, job, eta, logger)
		r.applyStatus(ctx, task.ID, domain.TaskStatusDownloading, nil, logger)
	case engine.JobStatusWaiting:
		r.applyMetrics(ctx, task, progress, job, eta, logger)
		r.applyStatus(ctx, task.ID, domain.TaskStatusQueued, nil, logger)
	case engine.JobStatusPaused:
		r.applyMetrics(ctx, task, progress, job, 0, logger)
		r.applyStatus(ctx, task.ID, domain.TaskStatusPaused, nil, logger)
	case engine.JobStatusComplete:
		if err := r.tasks.UpdateMetrics(ctx, task.ID, 100, 0, 0, 0, job.TotalLength, job.TotalLength); err != nil {
			logger.Errorf("update metrics: %v", err)
		}
		if err := r.tasks.MarkCompleted(ctx, task.ID, time.Now()); err != nil {
			logger.Errorf("mark completed: %v", err)
			return
		}
		logger.Info("task completed")
	case engine.JobStatusError:
		msg := job.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("engine error code %s", job.ErrorCode)
		}
		r.applyStatus(ctx, task.ID, domain.TaskStatusError, &msg, logger)
		logger.Warnf("engine reported error: %s", msg)
	case engine.JobStatusRemoved:
		if err := r.tasks.MarkRemoved(ctx, task.ID); err != nil {
			logger.Errorf("mark removed: %v", err)
		}
	default:
		logger.Debugf("unhandled engine status %q", job.Status)
	}
}

func (r *Reconciler) applyMetrics(ctx context.Context, task *domain.Task, progress float64, job engine.Job, eta int64, logger *logrus.Entry) {
	if err := r.tasks.UpdateMetrics(ctx, task.ID, progress, job.DownloadSpeed, job.UploadSpeed, eta, job.TotalLength, job.CompletedLength); err != nil {
		logger.Errorf("update metrics: %v", err)
	}
}

func (r *Reconciler) applyStatus(ctx context.Context, id string, status domain.TaskStatus, msg *string, logger *logrus.Entry) {
	if err := r.tasks.UpdateStatus(ctx, id, status, msg); err != nil {
		logger.Errorf("update status: %v", err)
	}
}

func (r *Reconciler) logEngineFailure(what string, err error) {
	if errors.Is(err, engine.ErrUnreachable) {
		// stale data is retained; no task is failed over a transport problem
		r.cfg.Logger.Warnf("%s: %v, skipping cycle", what, err)
		return
	}
	r.cfg.Logger.Errorf("%s: %v", what, err)
}
