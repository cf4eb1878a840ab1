// Package taskengine implements the AsyncTaskEngine from spec.md §4.2: the
// priority worker pool that actually executes tasks once the Director has
// routed them, as opposed to pkg/queue's admission-only HTTP front door.
//
// Grounded on the teacher's pkg/scheduler (worker-pool shape, cancellation
// via per-job context) and on original_source/utils/async_processing.py's
// AsyncTaskEngine for the submit/cancel/status contract.
package taskengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/apierrors"
	"github.com/khryptorgraphics/ollamamax/pkg/queueing"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

// Handler executes a task and returns its output payload.
type Handler func(ctx context.Context, task *types.Task) (map[string]interface{}, error)

// Status is the point-in-time snapshot returned by Engine.Status.
type Status struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
}

type job struct {
	task    *types.Task
	handle  Handler
	cancel  context.CancelFunc
	started chan struct{}
}

// Engine is the priority worker pool executing tasks handed to it by the
// Director.
type Engine struct {
	cfg    config.EngineConfig
	logger *slog.Logger

	lanes *queueing.Lanes[*job]

	mu        sync.RWMutex
	tasks     map[string]*types.Task
	inflight  map[string]*job
	completed int
	failed    int

	wake chan struct{}

	limitMu      sync.Mutex
	limitCond    *sync.Cond
	currentLimit int
	usedSlots    int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds an Engine with cfg.WorkerThreadCount workers.
func New(cfg config.EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:          cfg,
		logger:       logger,
		lanes:        queueing.New[*job](cfg.MaxQueueSize),
		tasks:        make(map[string]*types.Task),
		inflight:     make(map[string]*job),
		wake:         make(chan struct{}, 1),
		currentLimit: cfg.MaxConcurrentTasks,
		stopCh:       make(chan struct{}),
	}
	e.limitCond = sync.NewCond(&e.limitMu)
	return e
}

// LoadStatus reports queued/active counts for ThrottlingController's queue
// pressure overlay (spec.md §4.7 step 5).
func (e *Engine) LoadStatus() types.LoadStatus {
	s := e.Status()
	return types.LoadStatus{Queued: s.Queued, Active: s.Running}
}

// UpdateConcurrencyLimit resizes the number of tasks allowed to run at once,
// without tearing down or respawning the fixed worker-goroutine ceiling
// (ThrottlingController, spec.md §4.7).
func (e *Engine) UpdateConcurrencyLimit(n int) {
	e.limitMu.Lock()
	e.currentLimit = n
	e.limitMu.Unlock()
	e.limitCond.Broadcast()
}

func (e *Engine) acquireSlot() bool {
	e.limitMu.Lock()
	defer e.limitMu.Unlock()
	for e.usedSlots >= e.currentLimit {
		select {
		case <-e.stopCh:
			return false
		default:
		}
		e.limitCond.Wait()
		select {
		case <-e.stopCh:
			return false
		default:
		}
	}
	e.usedSlots++
	return true
}

func (e *Engine) releaseSlot() {
	e.limitMu.Lock()
	e.usedSlots--
	e.limitCond.Broadcast()
	e.limitMu.Unlock()
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.WorkerThreadCount; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}
	e.wg.Add(1)
	go e.cleanupLoop(ctx)
}

// Stop signals all workers to exit and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.limitCond.Broadcast()
	})
	e.wg.Wait()
}

// Submit enqueues a task for execution at its Priority rank. The task's
// Status must be TaskStatusPending.
func (e *Engine) Submit(task *types.Task, handle Handler) error {
	e.mu.Lock()
	if len(e.tasks)-e.completed-e.failed >= e.cfg.MaxConcurrentTasks && e.lanes.Len() >= e.cfg.MaxQueueSize {
		e.mu.Unlock()
		return apierrors.Overloaded("task engine queue is full")
	}
	e.tasks[task.ID] = task
	e.mu.Unlock()

	j := &job{task: task, handle: handle, started: make(chan struct{})}
	if !e.lanes.Push(task.Priority.Rank(), j) {
		return apierrors.Overloaded("task engine lane for priority %s is full", task.Priority)
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel requests cooperative cancellation of a running task. It is a no-op
// if the task isn't currently executing (e.g. still queued, or already
// terminal).
func (e *Engine) Cancel(taskID string) bool {
	e.mu.RLock()
	j, ok := e.inflight[taskID]
	e.mu.RUnlock()
	if !ok || j.cancel == nil {
		return false
	}
	j.cancel()
	return true
}

// GetTask returns a copy of the current state for taskID.
func (e *Engine) GetTask(taskID string) (types.Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return types.Task{}, false
	}
	return *t, true
}

// Status reports aggregate counts across the engine.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Queued:    e.lanes.Len(),
		Running:   len(e.inflight),
		Completed: e.completed,
		Failed:    e.failed,
	}
}

func (e *Engine) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		j, ok := e.lanes.Pop()
		if !ok {
			select {
			case <-e.wake:
			case <-time.After(50 * time.Millisecond):
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		if !e.acquireSlot() {
			return
		}
		e.run(ctx, j)
		e.releaseSlot()

		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (e *Engine) run(ctx context.Context, j *job) {
	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	j.cancel = cancel
	defer cancel()

	e.mu.Lock()
	e.inflight[j.task.ID] = j
	j.task.Start(time.Now())
	e.mu.Unlock()
	close(j.started)

	output, err := j.handle(taskCtx, j.task)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, j.task.ID)
	now := time.Now()
	if err != nil {
		if taskCtx.Err() == context.Canceled {
			j.task.Status = types.TaskStatusCancelled
			j.task.LastActivity = now
		} else {
			j.task.Fail(now, err.Error())
		}
		e.failed++
		return
	}
	j.task.Complete(now, output)
	e.completed++
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.evictOldTerminal()
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) evictOldTerminal() {
	cutoff := time.Now().Add(-e.cfg.CleanupInterval * 10)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(e.tasks, id)
		}
	}
}
