package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"torrent-web/internal/domain"
	"torrent-web/internal/engine"
	"torrent-web/internal/repository"
	"torrent-web/internal/repository/sqlite"
)

const testMagnet = "magnet:?xt=urn:btih:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa&dn=test-download"

// fakeEngine is an in-memory engine.Client. It refuses overlapping calls so
// tests can assert the controller's per-task serialization.
type fakeEngine struct {
	mu          sync.Mutex
	nextGID     int
	jobs        map[string]*engine.Job
	unreachable bool
	rejectAdd   bool

	inFlight int
	overlap  bool

	// when set, add() parks between these two channels so a test can
	// interleave other intents with an in-flight submission
	addEntered chan struct{}
	addRelease chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{jobs: map[string]*engine.Job{}}
}

func (f *fakeEngine) enter() func() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > 1 {
		f.overlap = true
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)
	return func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}
}

func (f *fakeEngine) setUnreachable(v bool) {
	f.mu.Lock()
	f.unreachable = v
	f.mu.Unlock()
}

func (f *fakeEngine) add() (string, error) {
	defer f.enter()()

	f.mu.Lock()
	entered, release := f.addEntered, f.addRelease
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unreachable {
		return "", fmt.Errorf("%w: connection refused", engine.ErrUnreachable)
	}
	if f.rejectAdd {
		return "", &engine.EngineError{Code: 1, Message: "unsupported source"}
	}

	f.nextGID++
	gid := fmt.Sprintf("gid-%d", f.nextGID)
	f.jobs[gid] = &engine.Job{GID: gid, Status: engine.JobStatusActive}
	return gid, nil
}

func (f *fakeEngine) AddURI(_ context.Context, _ string) (string, error) {
	return f.add()
}

func (f *fakeEngine) AddTorrent(_ context.Context, _ []byte) (string, error) {
	return f.add()
}

func (f *fakeEngine) withJob(gid string, fn func(job *engine.Job)) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unreachable {
		return fmt.Errorf("%w: connection refused", engine.ErrUnreachable)
	}
	job, ok := f.jobs[gid]
	if !ok {
		return &engine.EngineError{Code: 1, Message: fmt.Sprintf("GID %s is not found", gid)}
	}
	fn(job)
	return nil
}

func (f *fakeEngine) Pause(_ context.Context, gid string) error {
	return f.withJob(gid, func(job *engine.Job) { job.Status = engine.JobStatusPaused })
}

func (f *fakeEngine) Unpause(_ context.Context, gid string) error {
	return f.withJob(gid, func(job *engine.Job) { job.Status = engine.JobStatusActive })
}

func (f *fakeEngine) Remove(_ context.Context, gid string) error {
	return f.withJob(gid, func(job *engine.Job) { job.Status = engine.JobStatusRemoved })
}

func (f *fakeEngine) RemoveResult(_ context.Context, gid string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unreachable {
		return fmt.Errorf("%w: connection refused", engine.ErrUnreachable)
	}
	delete(f.jobs, gid)
	return nil
}

func (f *fakeEngine) TellStatus(_ context.Context, gid string) (engine.Job, error) {
	var out engine.Job
	err := f.withJob(gid, func(job *engine.Job) { out = *job })
	return out, err
}

func (f *fakeEngine) list(filter func(job *engine.Job) bool) []engine.Job {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()

	var jobs []engine.Job
	for _, job := range f.jobs {
		if filter(job) {
			jobs = append(jobs, *job)
		}
	}
	return jobs
}

func (f *fakeEngine) TellActive(_ context.Context) ([]engine.Job, error) {
	f.mu.Lock()
	unreachable := f.unreachable
	f.mu.Unlock()
	if unreachable {
		return nil, fmt.Errorf("%w: connection refused", engine.ErrUnreachable)
	}
	return f.list(func(job *engine.Job) bool { return job.Status == engine.JobStatusActive }), nil
}

func (f *fakeEngine) TellStopped(_ context.Context, _, _ int) ([]engine.Job, error) {
	f.mu.Lock()
	unreachable := f.unreachable
	f.mu.Unlock()
	if unreachable {
		return nil, fmt.Errorf("%w: connection refused", engine.ErrUnreachable)
	}
	return f.list(func(job *engine.Job) bool { return job.Status != engine.JobStatusActive }), nil
}

func (f *fakeEngine) sawOverlap() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

func (f *fakeEngine) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func newTestService(t *testing.T, fake *fakeEngine) (TaskService, repository.TaskRepository) {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tasks := sqlite.NewTaskRepository(db)
	files := sqlite.NewTaskFileRepository(db)
	ctx := context.Background()
	if err := tasks.Init(ctx); err != nil {
		t.Fatalf("init tasks: %v", err)
	}
	if err := files.Init(ctx); err != nil {
		t.Fatalf("init files: %v", err)
	}

	return NewTaskService(fake, tasks, files, nil, t.TempDir(), nil), tasks
}

func TestAdd_Magnet(t *testing.T) {
	fake := newFakeEngine()
	svc, _ := newTestService(t, fake)

	task, err := svc.Add(context.Background(), AddRequest{MagnetURI: testMagnet})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if task.Status != domain.TaskStatusDownloading {
		t.Fatalf("expected downloading, got %s", task.Status)
	}
	if task.EngineGID == "" {
		t.Fatalf("engine gid not recorded")
	}
	if task.InfoHash != strings.Repeat("a", 40) {
		t.Fatalf("unexpected info hash %q", task.InfoHash)
	}
	if task.Name != "test-download" {
		t.Fatalf("unexpected name %q", task.Name)
	}

	got, err := svc.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskStatusDownloading || got.EngineGID != task.EngineGID {
		t.Fatalf("store out of sync: %+v", got)
	}
}

func TestAdd_TorrentFile(t *testing.T) {
	fake := newFakeEngine()
	svc, _ := newTestService(t, fake)

	blob := buildTorrent(t, "archive.tar")
	task, err := svc.Add(context.Background(), AddRequest{TorrentBlob: blob})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if task.Name != "archive.tar" {
		t.Fatalf("unexpected name %q", task.Name)
	}
	if task.InfoHash == "" {
		t.Fatalf("info hash not extracted")
	}
}

func TestAdd_RejectsInvalidSource(t *testing.T) {
	fake := newFakeEngine()
	svc, _ := newTestService(t, fake)
	ctx := context.Background()

	cases := []AddRequest{
		{},
		{MagnetURI: "http://example.com/file.torrent"},
		{MagnetURI: "not a uri at all"},
		{TorrentBlob: []byte("definitely not bencode")},
		{MagnetURI: testMagnet, TorrentBlob: []byte("both")},
	}
	for _, req := range cases {
		_, err := svc.Add(ctx, req)
		var validationErr *domain.ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("expected ValidationError for %+v, got %v", req, err)
		}
	}

	if fake.jobCount() != 0 {
		t.Fatalf("validation failures must not reach the engine")
	}
}

func TestAdd_EngineRejectedMarksError(t *testing.T) {
	fake := newFakeEngine()
	fake.rejectAdd = true
	svc, repo := newTestService(t, fake)

	task, err := svc.Add(context.Background(), AddRequest{MagnetURI: testMagnet})
	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected EngineError, got %v", err)
	}

	got, getErr := repo.Get(context.Background(), task.ID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if got.Status != domain.TaskStatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("error message not recorded")
	}
}

func TestAdd_EngineUnreachableLeavesQueued(t *testing.T) {
	fake := newFakeEngine()
	fake.setUnreachable(true)
	svc, repo := newTestService(t, fake)
	ctx := context.Background()

	task, err := svc.Add(ctx, AddRequest{MagnetURI: testMagnet})
	if !errors.Is(err, engine.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	got, getErr := repo.Get(ctx, task.ID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if got.Status != domain.TaskStatusQueued || got.EngineGID != "" {
		t.Fatalf("task must stay queued: %+v", got)
	}

	// engine comes back; the startup/retry pass submits it
	fake.setUnreachable(false)
	if err := svc.ResubmitQueued(ctx); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	got, _ = repo.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusDownloading || got.EngineGID == "" {
		t.Fatalf("resubmit did not register task: %+v", got)
	}
}

func TestPauseAndResume(t *testing.T) {
	fake := newFakeEngine()
	svc, repo := newTestService(t, fake)
	ctx := context.Background()

	task, err := svc.Add(ctx, AddRequest{MagnetURI: testMagnet})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := svc.Pause(ctx, task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := repo.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
	// the id survives the pause even though the engine job may not (P1)
	if got.ID != task.ID {
		t.Fatalf("task id changed")
	}

	if err := svc.Pause(ctx, task.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pausing a paused task: expected ErrInvalidTransition, got %v", err)
	}

	if err := svc.Resume(ctx, task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = repo.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusDownloading {
		t.Fatalf("expected downloading, got %s", got.Status)
	}
}

func TestResume_NeverSubmittedIsInvalid(t *testing.T) {
	fake := newFakeEngine()
	fake.setUnreachable(true)
	svc, _ := newTestService(t, fake)
	ctx := context.Background()

	task, _ := svc.Add(ctx, AddRequest{MagnetURI: testMagnet})

	fake.setUnreachable(false)
	if err := svc.Resume(ctx, task.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPause_UnknownTask(t *testing.T) {
	fake := newFakeEngine()
	svc, _ := newTestService(t, fake)

	if err := svc.Pause(context.Background(), "no-such-id"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDelete_UnreachableLeavesStateForRetry(t *testing.T) {
	fake := newFakeEngine()
	svc, repo := newTestService(t, fake)
	ctx := context.Background()

	task, err := svc.Add(ctx, AddRequest{MagnetURI: testMagnet})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	fake.setUnreachable(true)
	if err := svc.Delete(ctx, task.ID, false); !errors.Is(err, engine.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	got, _ := repo.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusDownloading {
		t.Fatalf("delete failure corrupted state: %s", got.Status)
	}

	fake.setUnreachable(false)
	if err := svc.Delete(ctx, task.ID, false); err != nil {
		t.Fatalf("retry delete: %v", err)
	}
	got, _ = repo.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusRemoved || got.EngineGID != "" {
		t.Fatalf("expected removed task, got %+v", got)
	}
}

func TestDelete_EngineAlreadyGone(t *testing.T) {
	fake := newFakeEngine()
	svc, repo := newTestService(t, fake)
	ctx := context.Background()

	task, err := svc.Add(ctx, AddRequest{MagnetURI: testMagnet})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// the engine forgot the job (restart); delete still proceeds
	fake.mu.Lock()
	delete(fake.jobs, task.EngineGID)
	fake.mu.Unlock()

	if err := svc.Delete(ctx, task.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := repo.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusRemoved {
		t.Fatalf("expected removed, got %s", got.Status)
	}
}

func TestDelete_RemovedIsTerminal(t *testing.T) {
	fake := newFakeEngine()
	svc, _ := newTestService(t, fake)
	ctx := context.Background()

	task, err := svc.Add(ctx, AddRequest{MagnetURI: testMagnet})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Delete(ctx, task.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := svc.Delete(ctx, task.ID, false); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := svc.Pause(ctx, task.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAdd_DeleteWaitsForSubmission(t *testing.T) {
	fake := newFakeEngine()
	fake.addEntered = make(chan struct{})
	fake.addRelease = make(chan struct{})
	svc, repo := newTestService(t, fake)
	ctx := context.Background()

	addDone := make(chan *domain.Task, 1)
	go func() {
		task, _ := svc.Add(ctx, AddRequest{MagnetURI: testMagnet})
		addDone <- task
	}()

	// submission is in flight: the row exists but carries no gid yet
	<-fake.addEntered

	tasks, err := repo.List(ctx)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected the new row to be persisted, got %v %v", tasks, err)
	}
	id := tasks[0].ID

	delDone := make(chan error, 1)
	go func() { delDone <- svc.Delete(ctx, id, false) }()

	// the delete must queue behind the submission, not race it
	select {
	case err := <-delDone:
		t.Fatalf("delete ran during submission: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(fake.addRelease)

	if task := <-addDone; task == nil || task.ID != id {
		t.Fatalf("unexpected add result %+v", task)
	}
	if err := <-delDone; err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskStatusRemoved || got.EngineGID != "" {
		t.Fatalf("removed task left attached to the engine: %+v", got)
	}
	if fake.jobCount() != 0 {
		t.Fatalf("engine job not cleaned up")
	}
}

func TestConcurrentIntents_SerializePerTask(t *testing.T) {
	fake := newFakeEngine()
	svc, repo := newTestService(t, fake)
	ctx := context.Background()

	task, err := svc.Add(ctx, AddRequest{MagnetURI: testMagnet})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = svc.Pause(ctx, task.ID)
	}()
	go func() {
		defer wg.Done()
		_ = svc.Delete(ctx, task.ID, false)
	}()
	wg.Wait()

	if fake.sawOverlap() {
		t.Fatalf("engine saw overlapping calls for one task")
	}

	got, _ := repo.Get(ctx, task.ID)
	if got.Status != domain.TaskStatusRemoved && got.Status != domain.TaskStatusPaused {
		t.Fatalf("unexpected final status %s", got.Status)
	}
}

func TestSnapshot_OrderedProjection(t *testing.T) {
	fake := newFakeEngine()
	svc, _ := newTestService(t, fake)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := svc.Add(ctx, AddRequest{MagnetURI: testMagnet})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		ids = append(ids, task.ID)
	}

	snap, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(snap))
	}
	for i := range ids {
		if snap[i].ID != ids[i] {
			t.Fatalf("snapshot order broken at %d", i)
		}
	}
}

func buildTorrent(t *testing.T, name string) []byte {
	t.Helper()

	infoBytes, err := bencode.Marshal(metainfo.Info{
		Name:        name,
		PieceLength: 16384,
		Pieces:      make([]byte, 20),
		Length:      1,
	})
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}

	var buf bytes.Buffer
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	if err := mi.Write(&buf); err != nil {
		t.Fatalf("write torrent: %v", err)
	}
	return buf.Bytes()
}
