package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// taskRetention is how long finished tasks stay pollable before GC.
const taskRetention = time.Hour

// Task is one background download job. The worker goroutine owns all
// mutation; pollers only ever see Snapshot copies. Terminal states stick:
// once READY or FAILED a task never transitions again.
type Task struct {
	id        string
	detailURL string
	sourceID  int
	format    Format

	mu         sync.Mutex
	state      TaskState
	title      string
	author     string
	total      int
	completed  int
	failed     int
	current    string
	startedAt  time.Time
	finishedAt *time.Time
	artifact   string
	errMsg     string

	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the task's opaque id.
func (t *Task) ID() string { return t.id }

// DetailURL returns the novel detail page the task was submitted for.
func (t *Task) DetailURL() string { return t.detailURL }

// SourceID returns the source the task downloads from.
func (t *Task) SourceID() int { return t.sourceID }

// Format returns the requested artifact format.
func (t *Task) Format() Format { return t.format }

// Snapshot copies the task state for pollers.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskSnapshot{
		TaskID:              t.id,
		DetailURL:           t.detailURL,
		SourceID:            t.sourceID,
		Format:              t.format,
		State:               t.state,
		Title:               t.title,
		Author:              t.author,
		TotalChapters:       t.total,
		CompletedChapters:   t.completed,
		FailedChapters:      t.failed,
		CurrentChapterTitle: t.current,
		StartedAt:           t.startedAt,
		FinishedAt:          t.finishedAt,
		ArtifactPath:        t.artifact,
		Error:               t.errMsg,
	}
}

// SetState advances the lifecycle. Transitions out of a terminal state are
// ignored.
func (t *Task) SetState(state TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = state
}

// SetMeta records the novel identity and chapter count once known.
func (t *Task) SetMeta(title, author string, totalChapters int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.title = title
	t.author = author
	t.total = totalChapters
}

// MarkChapter records one finished chapter fetch. completed and failed
// counters are monotonically non-decreasing.
func (t *Task) MarkChapter(ok bool, title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.completed++
	} else {
		t.failed++
	}
	t.current = title
}

// Ready marks the task terminal-successful with its artifact path.
func (t *Task) Ready(artifactPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = TaskReady
	t.artifact = artifactPath
	now := time.Now()
	t.finishedAt = &now
}

// Fail marks the task terminal-failed with a reason.
func (t *Task) Fail(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = TaskFailed
	t.errMsg = reason
	now := time.Now()
	t.finishedAt = &now
}

// TaskWorker is the function that executes a submitted task. It runs on its
// own goroutine with a cancellable context and must leave the task in a
// terminal state.
type TaskWorker func(ctx context.Context, task *Task)

// TaskRegistry tracks in-flight and recently finished download tasks by id.
type TaskRegistry struct {
	Logger *LoggerService

	mu    sync.RWMutex
	tasks map[string]*Task
	wg    sync.WaitGroup

	stopGC chan struct{}
	gcOnce sync.Once
}

// NewTaskRegistry builds the registry and starts its GC loop.
func NewTaskRegistry(logger *LoggerService) *TaskRegistry {
	r := &TaskRegistry{
		Logger: logger,
		tasks:  make(map[string]*Task),
		stopGC: make(chan struct{}),
	}
	go r.gcLoop()
	return r
}

// Submit registers a new task and starts its worker. Returns the task id.
func (r *TaskRegistry) Submit(detailURL string, sourceID int, format Format, worker TaskWorker) string {
	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		id:        uuid.NewString(),
		detailURL: detailURL,
		sourceID:  sourceID,
		format:    format,
		state:     TaskPending,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.tasks[task.id] = task
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(task.done)
		defer cancel()
		worker(ctx, task)
		if !task.Snapshot().State.Terminal() {
			r.Logger.Error("task %s worker exited without terminal state", task.id)
			task.Fail("internal: worker exited early")
		}
	}()

	r.Logger.Info("task %s submitted (source %d, %s)", task.id, sourceID, format)
	return task.id
}

// Progress returns a snapshot of the task, if known.
func (r *TaskRegistry) Progress(taskID string) (TaskSnapshot, bool) {
	r.mu.RLock()
	task, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return TaskSnapshot{}, false
	}
	return task.Snapshot(), true
}

// Cancel aborts a running task. Cancelling a finished or unknown task is a
// no-op and reports false.
func (r *TaskRegistry) Cancel(taskID string) bool {
	r.mu.RLock()
	task, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok || task.Snapshot().State.Terminal() {
		return false
	}
	task.cancel()
	task.Fail("cancelled")
	return true
}

// Wait blocks until the task reaches a terminal state or ctx expires and
// returns the final snapshot.
func (r *TaskRegistry) Wait(ctx context.Context, taskID string) (TaskSnapshot, error) {
	r.mu.RLock()
	task, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return TaskSnapshot{}, Errf(KindNotFound, "no task with id %s", taskID)
	}
	select {
	case <-task.done:
		return task.Snapshot(), nil
	case <-ctx.Done():
		return task.Snapshot(), ctx.Err()
	}
}

// ResultStatus classifies a Result lookup.
type ResultStatus int

const (
	ResultNotFound ResultStatus = iota
	ResultRunning
	ResultFailed
	ResultReady
)

// Result returns the artifact path for a READY task, but only once the file
// is fully materialized: it must exist with a size that is stable across
// two checks. Larger artifacts get more patience.
func (r *TaskRegistry) Result(taskID string) (TaskSnapshot, ResultStatus) {
	r.mu.RLock()
	task, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return TaskSnapshot{}, ResultNotFound
	}
	snap := task.Snapshot()
	switch snap.State {
	case TaskFailed:
		return snap, ResultFailed
	case TaskReady:
		if artifactStable(snap.ArtifactPath, snap.TotalChapters) {
			return snap, ResultReady
		}
		return snap, ResultRunning
	default:
		return snap, ResultRunning
	}
}

// artifactStable verifies the artifact exists and its size holds steady.
// The check interval scales with the expected size (one chapter ~ a few KB).
func artifactStable(path string, totalChapters int) bool {
	if path == "" {
		return false
	}
	first, err := os.Stat(path)
	if err != nil || first.Size() == 0 {
		return false
	}
	delay := 50 * time.Millisecond
	if totalChapters > 500 {
		delay = 200 * time.Millisecond
	}
	time.Sleep(delay)
	second, err := os.Stat(path)
	if err != nil {
		return false
	}
	return first.Size() == second.Size()
}

// Running reports how many tasks are not yet terminal.
func (r *TaskRegistry) Running() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.tasks {
		if !t.Snapshot().State.Terminal() {
			n++
		}
	}
	return n
}

// Drain cancels all running tasks and waits for their workers to exit or
// ctx to expire. Called first during engine shutdown.
func (r *TaskRegistry) Drain(ctx context.Context) error {
	r.gcOnce.Do(func() { close(r.stopGC) })

	r.mu.RLock()
	for _, t := range r.tasks {
		if !t.Snapshot().State.Terminal() {
			t.cancel()
		}
	}
	r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *TaskRegistry) gcLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopGC:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-taskRetention)
			r.mu.Lock()
			for id, t := range r.tasks {
				snap := t.Snapshot()
				if snap.State.Terminal() && snap.FinishedAt != nil && snap.FinishedAt.Before(cutoff) {
					delete(r.tasks, id)
				}
			}
			r.mu.Unlock()
		}
	}
}
