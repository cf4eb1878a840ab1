// Package queue implements the RequestQueue admission layer from spec.md
// §4.1: the external HTTP entrypoint into the orchestrator. It admits
// requests into one of four priority lanes (pkg/queueing), enforces
// backpressure with hysteresis, isolates work into process groups with
// counted semaphores, and hands each request to a caller-supplied Handler.
//
// Grounded on original_source/utils/request_queue.py (RequestQueueManager,
// ProcessGroupManager, RequestCoordinator) and on the teacher's fine-grained
// locking style in pkg/scheduler/intelligent_scheduler.go.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/apierrors"
	"github.com/khryptorgraphics/ollamamax/pkg/blackboard"
	"github.com/khryptorgraphics/ollamamax/pkg/queueing"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

// Handler executes the admitted payload for a given request type and
// returns the result payload to hand back to the caller of AwaitResult.
type Handler func(ctx context.Context, req *types.QueuedRequest) (interface{}, error)

// Status is the snapshot returned by RequestQueue.Status.
type Status struct {
	Running             bool
	Queued              int
	Active              int
	Completed           int
	GroupUtilization    map[string]GroupStatus
	BackpressureActive  bool
	CurrentConcurrency  int
}

type entry struct {
	req    *types.QueuedRequest
	handle Handler
	done   chan struct{}
}

// RequestQueue is the admission-control front door of the orchestrator.
type RequestQueue struct {
	cfg    config.QueueConfig
	logger *slog.Logger
	bb     *blackboard.Blackboard

	lanes  *queueing.Lanes[*entry]
	groups *processGroupManager

	mu        sync.RWMutex
	active    map[string]*entry
	completed map[string]*entry

	limitMu      sync.Mutex
	limitCond    *sync.Cond
	currentLimit int
	usedSlots    int

	wake chan struct{}

	backpressureMu sync.Mutex
	backpressure   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a RequestQueue with cfg.MaxConcurrentRequests workers, wired to
// bb for publishing live coordination state.
func New(cfg config.QueueConfig, bb *blackboard.Blackboard, logger *slog.Logger) *RequestQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if bb == nil {
		bb = blackboard.New(logger)
	}
	rq := &RequestQueue{
		cfg:          cfg,
		logger:       logger,
		bb:           bb,
		lanes:        queueing.New[*entry](cfg.MaxQueueSize),
		groups:       newProcessGroupManager(cfg.ProcessGroupCapacities),
		active:       make(map[string]*entry),
		completed:    make(map[string]*entry),
		currentLimit: cfg.MaxConcurrentRequests,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	rq.limitCond = sync.NewCond(&rq.limitMu)
	return rq
}

// Start launches the worker pool and the background cleanup loop. The pool
// size is the hard ceiling (cfg.MaxConcurrentRequests); ThrottlingController
// adjusts how many of those workers may be active at once via
// UpdateConcurrencyLimit, never the pool size itself.
func (rq *RequestQueue) Start(ctx context.Context) {
	for i := 0; i < rq.cfg.MaxConcurrentRequests; i++ {
		rq.wg.Add(1)
		go rq.workerLoop(ctx, i)
	}
	rq.wg.Add(1)
	go rq.cleanupLoop(ctx)
	rq.publishStatus()
}

// Stop signals all workers and the cleanup loop to exit and waits for them
// to return.
func (rq *RequestQueue) Stop() {
	rq.stopOnce.Do(func() {
		close(rq.stopCh)
		rq.limitMu.Lock()
		rq.limitCond.Broadcast()
		rq.limitMu.Unlock()
	})
	rq.wg.Wait()
}

// Submit admits a request of the given type, failing with a KindOverloaded
// *apierrors.Error if the queue is saturated or backpressure is engaged for
// this priority.
func (rq *RequestQueue) Submit(requestID string, reqType types.RequestType, priority types.QueuePriority, payload interface{}, clientID string, timeout time.Duration, handle Handler) error {
	if rq.isBackpressureActive() && priority.AtMostNormal() {
		return apierrors.Overloaded("request queue under backpressure, try again later")
	}

	req := &types.QueuedRequest{
		RequestID:    requestID,
		RequestType:  reqType,
		Priority:     priority,
		ClientID:     clientID,
		Payload:      payload,
		CreatedAt:    time.Now(),
		Status:       types.RequestStatusQueued,
		Timeout:      timeout,
		ProcessGroup: reqType.ProcessGroup(),
	}
	e := &entry{req: req, handle: handle, done: make(chan struct{})}

	if !rq.lanes.Push(priorityRank(priority), e) {
		return apierrors.Overloaded("request queue lane %s is full", priority)
	}

	rq.mu.Lock()
	rq.active[requestID] = e
	rq.mu.Unlock()

	rq.publishStatus()
	select {
	case rq.wake <- struct{}{}:
	default:
	}
	return nil
}

// AwaitResult blocks until requestID terminates or timeout elapses.
func (rq *RequestQueue) AwaitResult(ctx context.Context, requestID string, timeout time.Duration) (interface{}, error) {
	rq.mu.RLock()
	e, ok := rq.active[requestID]
	if !ok {
		e, ok = rq.completed[requestID]
	}
	rq.mu.RUnlock()
	if !ok {
		return nil, apierrors.Validation("unknown request id %s", requestID)
	}

	select {
	case <-e.done:
		return e.req.Result, e.req.Err
	case <-time.After(timeout):
		return nil, apierrors.New(apierrors.KindTimeout, fmt.Errorf("timed out awaiting request %s", requestID))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reports the current admission-layer snapshot.
func (rq *RequestQueue) Status() Status {
	rq.mu.RLock()
	activeCount := len(rq.active)
	completedCount := len(rq.completed)
	rq.mu.RUnlock()

	rq.limitMu.Lock()
	limit := rq.currentLimit
	rq.limitMu.Unlock()

	return Status{
		Running:            true,
		Queued:             rq.lanes.Len(),
		Active:             activeCount,
		Completed:          completedCount,
		GroupUtilization:   rq.groups.status(),
		BackpressureActive: rq.isBackpressureActive(),
		CurrentConcurrency: limit,
	}
}

// LoadStatus reports queued/active counts for ThrottlingController's queue
// pressure overlay (spec.md §4.7 step 5).
func (rq *RequestQueue) LoadStatus() types.LoadStatus {
	s := rq.Status()
	return types.LoadStatus{Queued: s.Queued, Active: s.Active}
}

// UpdateConcurrencyLimit is called by ThrottlingController to resize how
// many workers may be active simultaneously, within [0, pool size].
func (rq *RequestQueue) UpdateConcurrencyLimit(n int) {
	if n < 0 {
		n = 0
	}
	if n > rq.cfg.MaxConcurrentRequests {
		n = rq.cfg.MaxConcurrentRequests
	}
	rq.limitMu.Lock()
	rq.currentLimit = n
	rq.limitCond.Broadcast()
	rq.limitMu.Unlock()
}

func (rq *RequestQueue) workerLoop(ctx context.Context, id int) {
	defer rq.wg.Done()
	for {
		select {
		case <-rq.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !rq.acquireSlot() {
			return // stopped while waiting
		}

		e, ok := rq.popNext()
		if !ok {
			rq.releaseSlot()
			select {
			case <-rq.wake:
			case <-time.After(50 * time.Millisecond):
			case <-rq.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		rq.process(ctx, e)
		rq.releaseSlot()
	}
}

// popNext pops the next item, but if the process group it targets is
// saturated, re-queues it at the back of its original priority lane (spec.md
// §4.1) and tries the next item instead of blocking the worker on a full
// group.
func (rq *RequestQueue) popNext() (*entry, bool) {
	for attempts := 0; attempts < 8; attempts++ {
		e, ok := rq.lanes.Pop()
		if !ok {
			return nil, false
		}
		if rq.groups.tryAcquire(e.req.ProcessGroup) {
			return e, true
		}
		rq.lanes.PushBack(priorityRank(e.req.Priority), e)
	}
	return nil, false
}

func (rq *RequestQueue) process(ctx context.Context, e *entry) {
	now := time.Now()
	e.req.StartedAt = &now
	e.req.Status = types.RequestStatusProcessing
	rq.bb.Write("request_"+e.req.RequestID, string(e.req.Status))

	taskCtx, cancel := context.WithTimeout(ctx, e.req.Timeout)
	defer cancel()

	resultCh := make(chan struct {
		result interface{}
		err    error
	}, 1)
	go func() {
		result, err := e.handle(taskCtx, e.req)
		resultCh <- struct {
			result interface{}
			err    error
		}{result, err}
	}()

	var result interface{}
	var err error
	select {
	case r := <-resultCh:
		result, err = r.result, r.err
	case <-taskCtx.Done():
		err = apierrors.New(apierrors.KindTimeout, fmt.Errorf("request %s timed out", e.req.RequestID))
	}

	completed := time.Now()
	e.req.CompletedAt = &completed
	e.req.Result = result
	e.req.Err = err

	success := err == nil
	if err != nil {
		if apierrors.Is(err, apierrors.KindTimeout) {
			e.req.Status = types.RequestStatusTimeout
		} else {
			e.req.Status = types.RequestStatusFailed
		}
	} else {
		e.req.Status = types.RequestStatusCompleted
	}
	rq.bb.Write("request_"+e.req.RequestID, string(e.req.Status))
	rq.groups.release(e.req.ProcessGroup, success)

	rq.mu.Lock()
	delete(rq.active, e.req.RequestID)
	rq.completed[e.req.RequestID] = e
	rq.mu.Unlock()

	close(e.done)
	rq.publishStatus()
}

func (rq *RequestQueue) acquireSlot() bool {
	rq.limitMu.Lock()
	defer rq.limitMu.Unlock()
	for rq.usedSlots >= rq.currentLimit {
		select {
		case <-rq.stopCh:
			return false
		default:
		}
		rq.limitCond.Wait()
		select {
		case <-rq.stopCh:
			return false
		default:
		}
	}
	rq.usedSlots++
	return true
}

func (rq *RequestQueue) releaseSlot() {
	rq.limitMu.Lock()
	rq.usedSlots--
	rq.limitCond.Broadcast()
	rq.limitMu.Unlock()
}

func (rq *RequestQueue) cleanupLoop(ctx context.Context) {
	defer rq.wg.Done()
	ticker := time.NewTicker(rq.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rq.cleanupCompleted()
		case <-rq.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (rq *RequestQueue) cleanupCompleted() {
	cutoff := time.Now().Add(-rq.cfg.CleanupInterval)
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for id, e := range rq.completed {
		if e.req.CompletedAt != nil && e.req.CompletedAt.Before(cutoff) {
			delete(rq.completed, id)
		}
	}
}

func (rq *RequestQueue) publishStatus() {
	queued := rq.lanes.Len()
	threshold := float64(rq.cfg.MaxQueueSize) * rq.cfg.BackpressureThreshold
	resume := float64(rq.cfg.MaxQueueSize) * rq.cfg.ResumeThreshold

	rq.backpressureMu.Lock()
	switch {
	case !rq.backpressure && float64(queued) >= threshold:
		rq.backpressure = true
	case rq.backpressure && float64(queued) <= resume:
		rq.backpressure = false
	}
	active := rq.backpressure
	rq.backpressureMu.Unlock()

	rq.bb.Write("backpressure_active", active)
	rq.bb.Write("queue_status", map[string]interface{}{
		"queued": queued,
	})
}

func (rq *RequestQueue) isBackpressureActive() bool {
	rq.backpressureMu.Lock()
	defer rq.backpressureMu.Unlock()
	return rq.backpressure
}

func priorityRank(p types.QueuePriority) int {
	return p.Rank()
}
