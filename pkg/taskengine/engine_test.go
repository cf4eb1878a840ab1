package taskengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxQueueSize:       50,
		MaxConcurrentTasks: 4,
		WorkerThreadCount:  2,
		TaskTimeout:        time.Second,
		CleanupInterval:    50 * time.Millisecond,
	}
}

func newTask(id string, p types.Priority) *types.Task {
	return &types.Task{
		ID:        id,
		Title:     types.DefaultTitle(string(types.TaskTypeOther)),
		Type:      types.TaskTypeOther,
		Status:    types.TaskStatusPending,
		Priority:  p,
		CreatedAt: time.Now(),
	}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	e := New(testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	done := make(chan struct{})
	require.NoError(t, e.Submit(newTask("t1", types.PriorityMedium), func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
		close(done)
		return map[string]interface{}{"ok": true}, nil
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	time.Sleep(20 * time.Millisecond)

	task, ok := e.GetTask("t1")
	require.True(t, ok)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, float64(100), task.ProgressPercentage)
}

func TestSubmitHandlesFailure(t *testing.T) {
	e := New(testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	require.NoError(t, e.Submit(newTask("t2", types.PriorityMedium), func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	}))

	assert.Eventually(t, func() bool {
		task, ok := e.GetTask("t2")
		return ok && task.Status == types.TaskStatusFailed
	}, time.Second, 10*time.Millisecond)

	task, _ := e.GetTask("t2")
	assert.Equal(t, "boom", task.ErrorDetails)
}

func TestCancelStopsRunningTask(t *testing.T) {
	e := New(testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	running := make(chan struct{})
	require.NoError(t, e.Submit(newTask("t3", types.PriorityHigh), func(ctx context.Context, task *types.Task) (map[string]interface{}, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	<-running
	time.Sleep(10 * time.Millisecond)
	assert.True(t, e.Cancel("t3"))

	assert.Eventually(t, func() bool {
		task, ok := e.GetTask("t3")
		return ok && task.Status == types.TaskStatusCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestStatusCounts(t *testing.T) {
	e := New(testConfig(), nil)
	status := e.Status()
	assert.Equal(t, 0, status.Queued)
	assert.Equal(t, 0, status.Running)
}
