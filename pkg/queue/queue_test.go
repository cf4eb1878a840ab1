package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/blackboard"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxQueueSize:          100,
		MaxConcurrentRequests: 4,
		RequestTimeout:        time.Second,
		BackpressureThreshold: 0.8,
		ResumeThreshold:       0.3,
		CleanupInterval:       50 * time.Millisecond,
		ProcessGroupCapacities: map[string]int{
			"task_processing":  2,
			"agent_operations": 2,
			"analytics":        1,
			"streaming":        1,
			"general":          2,
		},
	}
}

func TestSubmitAndAwaitResult(t *testing.T) {
	rq := New(testConfig(), blackboard.New(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rq.Start(ctx)
	defer rq.Stop()

	handler := func(ctx context.Context, req *types.QueuedRequest) (interface{}, error) {
		return "ok", nil
	}
	require.NoError(t, rq.Submit("r1", types.RequestTypeTaskSubmission, types.QueuePriorityNormal, nil, "client-a", time.Second, handler))

	result, err := rq.AwaitResult(context.Background(), "r1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestAwaitResultUnknownID(t *testing.T) {
	rq := New(testConfig(), blackboard.New(nil), nil)
	_, err := rq.AwaitResult(context.Background(), "does-not-exist", time.Second)
	assert.Error(t, err)
}

func TestSubmitRejectsFullLane(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 4 // NORMAL lane soft cap becomes 2
	rq := New(cfg, blackboard.New(nil), nil)

	blocker := make(chan struct{})
	handler := func(ctx context.Context, req *types.QueuedRequest) (interface{}, error) {
		<-blocker
		return nil, nil
	}
	// Don't Start the pool so nothing drains the lanes; fill the NORMAL lane.
	for i := 0; i < 2; i++ {
		require.NoError(t, rq.Submit(string(rune('a'+i)), types.RequestTypeTaskSubmission, types.QueuePriorityNormal, nil, "c", time.Second, handler))
	}
	err := rq.Submit("overflow", types.RequestTypeTaskSubmission, types.QueuePriorityNormal, nil, "c", time.Second, handler)
	assert.Error(t, err)
	close(blocker)
}

func TestBackpressureRejectsLowPriorityOnly(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 10
	cfg.BackpressureThreshold = 0.2 // 2 queued items engages backpressure
	rq := New(cfg, blackboard.New(nil), nil)

	blocker := make(chan struct{})
	handler := func(ctx context.Context, req *types.QueuedRequest) (interface{}, error) {
		<-blocker
		return nil, nil
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, rq.Submit(string(rune('a'+i)), types.RequestTypeTaskSubmission, types.QueuePriorityNormal, nil, "c", time.Second, handler))
	}
	assert.True(t, rq.isBackpressureActive())

	err := rq.Submit("low-1", types.RequestTypeTaskSubmission, types.QueuePriorityLow, nil, "c", time.Second, handler)
	assert.Error(t, err)

	err = rq.Submit("crit-1", types.RequestTypeTaskSubmission, types.QueuePriorityCritical, nil, "c", time.Second, handler)
	assert.NoError(t, err)
	close(blocker)
}

func TestUpdateConcurrencyLimitThrottlesActiveWorkers(t *testing.T) {
	rq := New(testConfig(), blackboard.New(nil), nil)
	rq.UpdateConcurrencyLimit(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rq.Start(ctx)
	defer rq.Stop()

	handled := make(chan struct{}, 1)
	handler := func(ctx context.Context, req *types.QueuedRequest) (interface{}, error) {
		handled <- struct{}{}
		return nil, nil
	}
	require.NoError(t, rq.Submit("r1", types.RequestTypeTaskSubmission, types.QueuePriorityNormal, nil, "c", time.Second, handler))

	select {
	case <-handled:
		t.Fatal("request should not run while concurrency limit is 0")
	case <-time.After(100 * time.Millisecond):
	}

	rq.UpdateConcurrencyLimit(4)
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("expected request to run once concurrency limit raised")
	}
}

func TestStatusReportsGroupUtilization(t *testing.T) {
	rq := New(testConfig(), blackboard.New(nil), nil)
	status := rq.Status()
	assert.Contains(t, status.GroupUtilization, "task_processing")
	assert.Equal(t, 0, status.Queued)
}
