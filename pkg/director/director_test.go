package director

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/classifier"
	"github.com/khryptorgraphics/ollamamax/pkg/department"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

func testConfig() config.DirectorConfig {
	return config.DirectorConfig{
		MaxConcurrentTasks:         10,
		MaxParallelAgents:          3,
		RoutingThreshold:           0.7,
		FallbackDepartment:         "coordination",
		EnableAutoRetry:            true,
		MaxRetries:                 2,
		ScatterGatherMinComplexity: 8,
	}
}

func testClassifier() *classifier.Classifier {
	return classifier.New(config.ClassifierConfig{CacheMaxAge: time.Hour}, nil)
}

// stubHandler is a minimal department.Handler test double whose behavior is
// configured per test.
type stubHandler struct {
	name      string
	available bool
	fail      int // number of calls to fail before succeeding
	calls     int
}

func (s *stubHandler) Name() string                     { return s.name }
func (s *stubHandler) IsAvailable() bool                 { return s.available }
func (s *stubHandler) CanHandle(task *types.Task) bool   { return true }
func (s *stubHandler) PerformanceMetrics() department.Metrics {
	return department.Metrics{TotalTasks: int64(s.calls)}
}
func (s *stubHandler) Execute(ctx context.Context, task *types.Task) department.ExecutionResult {
	s.calls++
	if s.calls <= s.fail {
		return department.ExecutionResult{Status: "error", Error: "simulated failure"}
	}
	return department.ExecutionResult{Status: "success", Result: map[string]interface{}{"handled_by": s.name}}
}

func newTask(id, title, description string) *types.Task {
	return &types.Task{
		ID:          id,
		Title:       title,
		Description: description,
		Type:        types.TaskTypeOther,
		Status:      types.TaskStatusPending,
		Priority:    types.PriorityMedium,
		CreatedAt:   time.Now(),
	}
}

func TestProcessTaskValidatesBeforeRouting(t *testing.T) {
	d := New(testConfig(), testClassifier(), nil)
	d.Activate()

	env := d.ProcessTask(context.Background(), &types.Task{ID: "", Title: "x"})
	assert.Equal(t, "error", env.Status)
}

func TestProcessTaskRoutesToSingleHandler(t *testing.T) {
	d := New(testConfig(), testClassifier(), nil)
	h := &stubHandler{name: "comms-1", available: true}
	d.RegisterHandler(types.IntentCommunications, h)
	d.Activate()

	task := newTask("t1", "send email", "please email the customer about their order")
	env := d.ProcessTask(context.Background(), task)

	require.Equal(t, "success", env.Status)
	assert.Equal(t, "comms-1", env.AgentName)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
}

func TestProcessTaskFallsBackToCoordinationOnLowConfidence(t *testing.T) {
	cfg := testConfig()
	cfg.RoutingThreshold = 2.0 // force every classification below threshold
	d := New(cfg, testClassifier(), nil)
	d.RegisterHandler(types.IntentCoordination, &stubHandler{name: "coord-1", available: true})
	d.Activate()

	task := newTask("t2", "email the team", "announce the schedule update")
	env := d.ProcessTask(context.Background(), task)

	require.Equal(t, "success", env.Status)
	assert.Equal(t, "coord-1", env.AgentName)
	assert.Equal(t, "coordination", env.RoutedTo)
}

func TestProcessTaskHandlesDirectlyWithNoHandlers(t *testing.T) {
	d := New(testConfig(), testClassifier(), nil)
	d.Activate()

	task := newTask("t3", "automate deploy", "trigger the nightly build pipeline")
	env := d.ProcessTask(context.Background(), task)

	require.Equal(t, "handled_directly", env.Status)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, int64(1), d.MetricsSnapshot().DirectHandled)
}

func TestProcessTaskRetriesOnHandlerError(t *testing.T) {
	d := New(testConfig(), testClassifier(), nil)
	h := &stubHandler{name: "analysis-1", available: true, fail: 2}
	d.RegisterHandler(types.IntentAnalysis, h)
	d.Activate()

	task := newTask("t4", "analyze report", "review and evaluate last quarter's metrics")
	env := d.ProcessTask(context.Background(), task)

	require.Equal(t, "success", env.Status)
	assert.Equal(t, 3, h.calls)
}

func TestProcessTaskFallsBackToAlternativeHandler(t *testing.T) {
	d := New(testConfig(), testClassifier(), nil)
	failing := &stubHandler{name: "analysis-1", available: true, fail: 999}
	working := &stubHandler{name: "analysis-2", available: true}
	d.RegisterHandler(types.IntentAnalysis, failing)
	d.RegisterHandler(types.IntentAnalysis, working)
	d.Activate()

	task := newTask("t5", "analyze data", "review and assess the dataset")
	env := d.ProcessTask(context.Background(), task)

	require.Equal(t, "success", env.Status)
	assert.Equal(t, "analysis-2", env.AgentName)
}

func TestProcessTaskScatterGatherOnHighComplexity(t *testing.T) {
	d := New(testConfig(), testClassifier(), nil)
	d.RegisterHandler(types.IntentAutomation, &stubHandler{name: "automation-1", available: true})
	d.RegisterHandler(types.IntentAnalysis, &stubHandler{name: "analysis-1", available: true})
	d.RegisterHandler(types.IntentCoordination, &stubHandler{name: "coordination-1", available: true})
	d.Activate()

	longDescription := ""
	for i := 0; i < 20; i++ {
		longDescription += "this is a very complex automated deployment pipeline scenario "
	}
	task := newTask("t6", "automate complex pipeline", longDescription)
	task.Priority = types.PriorityCritical

	env := d.ProcessTask(context.Background(), task)

	require.Equal(t, "success", env.Status)
	result, ok := env.Result["automation"]
	require.True(t, ok)
	assert.NotNil(t, result)
}

func TestProcessTaskRejectsWhenSaturated(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentTasks = 1
	d := New(cfg, testClassifier(), nil)
	d.Activate()

	d.mu.Lock()
	d.active["in-flight"] = struct{}{}
	d.mu.Unlock()

	task := newTask("t7", "email someone", "send a quick note")
	env := d.ProcessTask(context.Background(), task)

	assert.Equal(t, "error", env.Status)
}

func TestMaintenanceRefusesNewWork(t *testing.T) {
	d := New(testConfig(), testClassifier(), nil)
	d.Activate()
	d.SetMaintenance(true)

	task := newTask("t8", "email someone", "send a quick note")
	env := d.ProcessTask(context.Background(), task)

	assert.Equal(t, "error", env.Status)
	assert.Equal(t, StateMaintenance, d.State())
}

func TestProcessTaskParallelAgentsOnLowConfidence(t *testing.T) {
	d := New(testConfig(), testClassifier(), nil)
	failing := &stubHandler{name: "analysis-1", available: true, fail: 999}
	working := &stubHandler{name: "analysis-2", available: true}
	d.RegisterHandler(types.IntentAnalysis, failing)
	d.RegisterHandler(types.IntentAnalysis, working)
	d.Activate()

	// "review" (analysis) and "schedule" (automation) tie at one match each;
	// analysis wins the tie-break, landing confidence at 0.5 < the 0.7
	// threshold and triggering PARALLEL_AGENTS across its two handlers.
	task := newTask("t9", "review setup", "review the setup and schedule")
	env := d.ProcessTask(context.Background(), task)

	require.Equal(t, "success", env.Status)
	assert.Equal(t, "analysis-2", env.AgentName)
	assert.Equal(t, int64(1), d.MetricsSnapshot().RoutingStrategyUsage[string(StrategyParallelAgents)])
}

func TestHealthReportsHandlerCountAndState(t *testing.T) {
	d := New(testConfig(), testClassifier(), nil)
	d.RegisterHandler(types.IntentCommunications, &stubHandler{name: "comms-1", available: true})
	d.Activate()

	health := d.Health()
	assert.Equal(t, StateActive, health.State)
	assert.Equal(t, 1, health.HandlerCount)
}
