// Package director implements the Director state machine from spec.md
// §4.3: the orchestrator that validates an incoming task, classifies it,
// picks a routing strategy, dispatches it to one or more department
// handlers, and folds the outcome back into metrics and task state.
//
// Grounded on the teacher's pkg/loadbalancer-driven dispatch shape (score
// candidates, pick one, fall back) generalized from inference-node
// selection to department-handler selection, and on
// original_source/src/swarm_director/core/director.py for the state
// machine, routing cascade and metrics vocabulary. The retry/circuit
// posture here is rebuilt fresh rather than adapted from the teacher's
// pkg/fault_tolerance package, which was not kept (see DESIGN.md): the
// Director's own max_retries loop is the full extent of resilience this
// build needs, since department handlers never raise in the first place.
package director

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/apierrors"
	"github.com/khryptorgraphics/ollamamax/pkg/classifier"
	"github.com/khryptorgraphics/ollamamax/pkg/department"
	"github.com/khryptorgraphics/ollamamax/pkg/loadbalancer"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

// State is one of the Director's five lifecycle states.
type State string

const (
	StateInitializing State = "initializing"
	StateActive        State = "active"
	StateBusy          State = "busy"
	StateMaintenance   State = "maintenance"
	StateError         State = "error"
)

// RoutingStrategy is the dispatch shape chosen for one task.
type RoutingStrategy string

const (
	StrategySingleAgent    RoutingStrategy = "single_agent"
	StrategyParallelAgents RoutingStrategy = "parallel_agents"
	StrategyScatterGather  RoutingStrategy = "scatter_gather"
	StrategyLoadBalanced   RoutingStrategy = "load_balanced"
)

// complements is the fixed scatter-gather pairing table from spec.md §4.3.
var complements = map[types.Intent][]types.Intent{
	types.IntentCommunications: {types.IntentAnalysis},
	types.IntentAnalysis:       {types.IntentCommunications},
	types.IntentAutomation:     {types.IntentAnalysis, types.IntentCoordination},
	types.IntentCoordination:   {types.IntentCommunications, types.IntentAnalysis},
}

// Envelope is the discriminated routing result returned to the HTTP layer
// (spec.md §6). Only the fields relevant to Status are populated.
type Envelope struct {
	Status       string                 `json:"status"`
	TaskID       string                 `json:"task_id"`
	Timestamp    time.Time              `json:"timestamp"`
	RoutedTo     string                 `json:"routed_to,omitempty"`
	AgentName    string                 `json:"agent_name,omitempty"`
	DirectorAgent string                `json:"director_agent,omitempty"`
	Department   string                 `json:"department,omitempty"`
	Handler      string                 `json:"handler,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Agent        string                 `json:"agent,omitempty"`
}

// Metrics is the cumulative routing metrics snapshot (spec.md §4.3).
type Metrics struct {
	TasksProcessed        int64            `json:"tasks_processed"`
	SuccessfulRoutes       int64            `json:"successful_routes"`
	FailedRoutes           int64            `json:"failed_routes"`
	DirectHandled          int64            `json:"direct_handled"`
	DepartmentCounts       map[string]int64 `json:"department_counts"`
	ErrorKindCounts        map[string]int64 `json:"error_kind_counts"`
	AverageResponseTimeMS  float64          `json:"average_response_time_ms"`
	RoutingStrategyUsage   map[string]int64 `json:"routing_strategy_usage"`
}

// HealthReport is the external-probe snapshot (spec.md §4.3).
type HealthReport struct {
	State          State     `json:"state"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	ActiveTasks    int       `json:"active_tasks"`
	MaxConcurrent  int       `json:"max_concurrent_tasks"`
	HandlerCount   int       `json:"handler_count"`
	Metrics        Metrics   `json:"metrics"`
}

// Director orchestrates classification and routing for submitted tasks.
type Director struct {
	cfg       config.DirectorConfig
	logger    *slog.Logger
	classify  *classifier.Classifier
	balancer  *loadbalancer.Balancer

	mu        sync.Mutex
	state     State
	startedAt time.Time
	active    map[string]struct{}

	handlersMu sync.RWMutex
	handlers   map[types.Intent][]department.Handler

	metricsMu sync.Mutex
	metrics   Metrics
	totalMS   float64
}

// New builds a Director in state "initializing". Call RegisterHandler for
// each department and then Activate to move it into service.
func New(cfg config.DirectorConfig, classify *classifier.Classifier, logger *slog.Logger) *Director {
	if logger == nil {
		logger = slog.Default()
	}
	return &Director{
		cfg:      cfg,
		logger:   logger,
		classify: classify,
		balancer: loadbalancer.New(loadbalancer.LeastBusy),
		state:    StateInitializing,
		active:   make(map[string]struct{}),
		handlers: make(map[types.Intent][]department.Handler),
		metrics: Metrics{
			DepartmentCounts:     make(map[string]int64),
			ErrorKindCounts:      make(map[string]int64),
			RoutingStrategyUsage: make(map[string]int64),
		},
	}
}

// RegisterHandler adds h as a handler for intent. Multiple handlers may be
// registered per intent to enable PARALLEL_AGENTS/LOAD_BALANCED fan-out.
func (d *Director) RegisterHandler(intent types.Intent, h department.Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[intent] = append(d.handlers[intent], h)
}

// Activate moves the Director from initializing to active. Call once all
// handlers are registered.
func (d *Director) Activate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateActive
	d.startedAt = time.Now()
}

// Fail moves the Director into the terminal error state.
func (d *Director) Fail(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateError
	d.logger.Error("director entering error state", "reason", reason)
}

// SetMaintenance toggles maintenance mode. Entering maintenance refuses new
// work; submissions return Overloaded until it is lifted.
func (d *Director) SetMaintenance(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.state = StateMaintenance
		return
	}
	if len(d.active) > 0 {
		d.state = StateBusy
	} else {
		d.state = StateActive
	}
}

// State reports the current lifecycle state.
func (d *Director) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ProcessTask is the full per-task flow from spec.md §4.3: validate, admit,
// classify, route, update metrics, release.
func (d *Director) ProcessTask(ctx context.Context, task *types.Task) Envelope {
	now := time.Now()

	if err := validate(task); err != nil {
		return Envelope{Status: "error", Error: err.Error(), TaskID: taskIDOrEmpty(task), Timestamp: now, Agent: "director"}
	}

	if !d.admit(task.ID) {
		return Envelope{Status: "error", Error: "director overloaded", TaskID: task.ID, Timestamp: now, Agent: "director"}
	}
	defer d.release(task.ID)

	start := time.Now()
	result, strategy, routedIntent := d.routeWithRecovery(ctx, task)
	elapsed := time.Since(start)

	d.recordOutcome(routedIntent, strategy, result, elapsed)
	return result
}

func (d *Director) admit(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateActive && d.state != StateBusy {
		return false
	}
	if len(d.active) >= d.cfg.MaxConcurrentTasks {
		return false
	}
	d.active[taskID] = struct{}{}
	d.state = StateBusy
	return true
}

func (d *Director) release(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, taskID)
	if len(d.active) == 0 && d.state == StateBusy {
		d.state = StateActive
	}
}

// validate enforces spec.md §4.3 step 1.
func validate(task *types.Task) error {
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task is missing an id")
	}
	if task.Title == "" {
		return fmt.Errorf("task is missing a title")
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("task %s is already in terminal status %s", task.ID, task.Status)
	}
	return nil
}

func taskIDOrEmpty(task *types.Task) string {
	if task == nil {
		return ""
	}
	return task.ID
}

// routeWithRecovery wraps routing with the §4.3 step 6 exception guard: a
// panic in a handler or routing code is converted into a structured error
// and the task is marked failed, rather than crashing the Director.
func (d *Director) routeWithRecovery(ctx context.Context, task *types.Task) (env Envelope, strategy RoutingStrategy, intent types.Intent) {
	defer func() {
		if r := recover(); r != nil {
			now := time.Now()
			task.Fail(now, fmt.Sprintf("panic: %v", r))
			env = Envelope{Status: "error", Error: fmt.Sprintf("internal error: %v", r), TaskID: task.ID, Timestamp: now, Agent: "director"}
		}
	}()
	return d.route(ctx, task)
}

func (d *Director) route(ctx context.Context, task *types.Task) (Envelope, RoutingStrategy, types.Intent) {
	now := time.Now()
	task.Start(now)

	text := strings.TrimSpace(task.Title + " " + task.Description)
	result, err := d.classify.Classify(ctx, text)
	if err != nil {
		d.logger.Warn("classification failed, defaulting to fallback department", "task_id", task.ID, "error", err)
		result.Intent = d.fallbackIntent()
		result.Confidence = 0
	}

	task.ComplexityScore = complexityScore(task)
	intent := result.Intent
	handlers := d.availableHandlers(intent)
	strategy := d.decideStrategy(task.ComplexityScore, result.Confidence, handlers)

	// PARALLEL_AGENTS is itself the low-confidence remedy (fan out within the
	// originally classified intent); the fallback-department substitution
	// only applies when that remedy isn't in play.
	if strategy != StrategyParallelAgents && result.Confidence < d.cfg.RoutingThreshold {
		fallback := d.fallbackIntent()
		if fallback != intent {
			intent = fallback
			handlers = d.availableHandlers(intent)
		}
	}

	if len(handlers) == 0 {
		if fallback := d.fallbackIntent(); fallback != intent {
			intent = fallback
			handlers = d.availableHandlers(intent)
		}
	}

	if len(handlers) == 0 {
		return d.handleDirectly(task, intent), strategy, intent
	}

	switch strategy {
	case StrategyScatterGather:
		return d.executeScatterGather(ctx, task, intent, handlers), strategy, intent
	case StrategyParallelAgents:
		return d.executeParallel(ctx, task, intent, handlers), strategy, intent
	case StrategyLoadBalanced:
		return d.executeSingle(ctx, task, intent, d.selectLoadBalanced(handlers)), strategy, intent
	default:
		return d.executeSingle(ctx, task, intent, handlers[0]), strategy, intent
	}
}

func (d *Director) fallbackIntent() types.Intent {
	intent := types.Intent(d.cfg.FallbackDepartment)
	if intent.IsValid() {
		return intent
	}
	return types.IntentCoordination
}

func (d *Director) availableHandlers(intent types.Intent) []department.Handler {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	all := d.handlers[intent]
	out := make([]department.Handler, 0, len(all))
	for _, h := range all {
		if h.IsAvailable() {
			out = append(out, h)
		}
	}
	return out
}

// complexityScore is the weighted score from spec.md §4.3: description
// length, input payload size, priority, and presence of "complex"
// keywords, clamped to [1,10].
func complexityScore(task *types.Task) int {
	score := 1
	score += len(task.Description) / 80
	score += len(task.InputData) / 2
	switch task.Priority {
	case types.PriorityCritical:
		score += 3
	case types.PriorityHigh:
		score += 2
	case types.PriorityMedium:
		score += 1
	}
	if strings.Contains(strings.ToLower(task.Description), "complex") {
		score += 2
	}
	if score > 10 {
		score = 10
	}
	if score < 1 {
		score = 1
	}
	return score
}

func (d *Director) decideStrategy(complexity int, confidence float64, handlers []department.Handler) RoutingStrategy {
	if complexity >= d.cfg.ScatterGatherMinComplexity {
		return StrategyScatterGather
	}
	if confidence < d.cfg.RoutingThreshold && len(handlers) >= 2 {
		return StrategyParallelAgents
	}
	if len(handlers) >= 2 {
		return StrategyLoadBalanced
	}
	return StrategySingleAgent
}

func (d *Director) selectLoadBalanced(handlers []department.Handler) department.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	agents := make([]*types.Agent, len(handlers))
	for i, h := range handlers {
		m := h.PerformanceMetrics()
		agents[i] = &types.Agent{ID: fmt.Sprintf("%d", i), Status: types.AgentStatusIdle, TasksCompleted: m.TotalTasks}
	}
	picked, ok := d.balancer.Select(agents)
	if !ok {
		return handlers[0]
	}
	var idx int
	fmt.Sscanf(picked.ID, "%d", &idx)
	if idx < 0 || idx >= len(handlers) {
		return handlers[0]
	}
	return handlers[idx]
}

// executeSingle runs h with retry-on-error per §4.3 ("retries on
// execution"), then falls back to an alternative handler of the same
// intent, then the fallback department, then direct handling — the full
// §4.3 routing fallback cascade.
func (d *Director) executeSingle(ctx context.Context, task *types.Task, intent types.Intent, h department.Handler) Envelope {
	if h == nil {
		return d.tryAlternative(ctx, task, intent, nil)
	}

	result := d.executeWithRetry(ctx, h, task)
	if result.Status == "success" {
		now := time.Now()
		task.Complete(now, result.Result)
		return Envelope{
			Status:        "success",
			RoutedTo:      intent2str(intent),
			AgentName:     h.Name(),
			TaskID:        task.ID,
			Result:        result.Result,
			Timestamp:     now,
			DirectorAgent: "director",
		}
	}

	return d.tryAlternative(ctx, task, intent, h)
}

func (d *Director) tryAlternative(ctx context.Context, task *types.Task, intent types.Intent, exclude department.Handler) Envelope {
	for _, alt := range d.availableHandlers(intent) {
		if alt == exclude {
			continue
		}
		result := d.executeWithRetry(ctx, alt, task)
		if result.Status == "success" {
			now := time.Now()
			task.Complete(now, result.Result)
			return Envelope{
				Status:        "success",
				RoutedTo:      intent2str(intent),
				AgentName:     alt.Name(),
				TaskID:        task.ID,
				Result:        result.Result,
				Timestamp:     now,
				DirectorAgent: "director",
			}
		}
	}

	fallback := d.fallbackIntent()
	if fallback != intent {
		for _, h := range d.availableHandlers(fallback) {
			result := d.executeWithRetry(ctx, h, task)
			if result.Status == "success" {
				now := time.Now()
				task.Complete(now, result.Result)
				return Envelope{
					Status:        "success",
					RoutedTo:      intent2str(fallback),
					AgentName:     h.Name(),
					TaskID:        task.ID,
					Result:        result.Result,
					Timestamp:     now,
					DirectorAgent: "director",
				}
			}
		}
	}

	return d.handleDirectly(task, intent)
}

func (d *Director) handleDirectly(task *types.Task, intent types.Intent) Envelope {
	now := time.Now()
	result := map[string]interface{}{
		"action":            "handled_directly",
		"intended_department": intent2str(intent),
	}
	task.Complete(now, result)
	d.metricsMu.Lock()
	d.metrics.DirectHandled++
	d.metricsMu.Unlock()
	return Envelope{
		Status:     "handled_directly",
		Department: intent2str(intent),
		TaskID:     task.ID,
		Result:     result,
		Timestamp:  now,
		Handler:    "director",
	}
}

// executeWithRetry calls h.Execute, retrying on an error envelope up to
// cfg.MaxRetries times when auto-retry is enabled.
func (d *Director) executeWithRetry(ctx context.Context, h department.Handler, task *types.Task) department.ExecutionResult {
	attempts := 1
	if d.cfg.EnableAutoRetry {
		attempts += d.cfg.MaxRetries
	}
	var last department.ExecutionResult
	for i := 0; i < attempts; i++ {
		last = d.safeExecute(ctx, h, task)
		if last.Status == "success" {
			return last
		}
	}
	return last
}

// safeExecute recovers a handler panic into an error envelope; department
// handlers are contractually forbidden from raising but the Director does
// not trust that contract blindly (§4.3 step 6, §7 HandlerError kind).
func (d *Director) safeExecute(ctx context.Context, h department.Handler, task *types.Task) (result department.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = department.ExecutionResult{Status: "error", Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h.Execute(ctx, task)
}

// executeParallel fans out to up to MaxParallelAgents handlers of intent;
// the first success wins and the rest are cancelled.
func (d *Director) executeParallel(ctx context.Context, task *types.Task, intent types.Intent, handlers []department.Handler) Envelope {
	if len(handlers) < 2 {
		return d.executeSingle(ctx, task, intent, handlers[0])
	}
	n := len(handlers)
	if n > d.cfg.MaxParallelAgents {
		n = d.cfg.MaxParallelAgents
	}
	if n < 2 {
		return d.executeSingle(ctx, task, intent, handlers[0])
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		h   department.Handler
		res department.ExecutionResult
	}
	results := make(chan outcome, n)
	for _, h := range handlers[:n] {
		h := h
		go func() {
			results <- outcome{h: h, res: d.safeExecute(fanCtx, h, task)}
		}()
	}

	for i := 0; i < n; i++ {
		o := <-results
		if o.res.Status == "success" {
			cancel()
			now := time.Now()
			task.Complete(now, o.res.Result)
			return Envelope{
				Status:        "success",
				RoutedTo:      intent2str(intent),
				AgentName:     o.h.Name(),
				TaskID:        task.ID,
				Result:        o.res.Result,
				Timestamp:     now,
				DirectorAgent: "director",
			}
		}
	}
	return d.tryAlternative(ctx, task, intent, nil)
}

// executeScatterGather sends task to the primary handler plus complementary
// departments and aggregates into one result (spec.md §4.3).
func (d *Director) executeScatterGather(ctx context.Context, task *types.Task, intent types.Intent, primary []department.Handler) Envelope {
	type part struct {
		department string
		result     department.ExecutionResult
	}
	parts := []part{{department: intent2str(intent), result: d.executeWithRetry(ctx, primary[0], task)}}

	for _, complement := range complements[intent] {
		handlers := d.availableHandlers(complement)
		if len(handlers) == 0 {
			continue
		}
		parts = append(parts, part{department: intent2str(complement), result: d.executeWithRetry(ctx, handlers[0], task)})
	}

	aggregated := make(map[string]interface{}, len(parts))
	anySuccess := false
	for _, p := range parts {
		aggregated[p.department] = p.result
		if p.result.Status == "success" {
			anySuccess = true
		}
	}

	now := time.Now()
	if !anySuccess {
		task.Fail(now, "scatter_gather: all departments failed")
		return Envelope{Status: "error", Error: "all scatter_gather departments failed", TaskID: task.ID, Timestamp: now, Agent: "director"}
	}

	task.Complete(now, aggregated)
	return Envelope{
		Status:        "success",
		RoutedTo:      intent2str(intent),
		AgentName:     primary[0].Name(),
		TaskID:        task.ID,
		Result:        aggregated,
		Timestamp:     now,
		DirectorAgent: "director",
	}
}

func intent2str(i types.Intent) string { return string(i) }

func (d *Director) recordOutcome(intent types.Intent, strategy RoutingStrategy, env Envelope, elapsed time.Duration) {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	d.metrics.TasksProcessed++
	d.metrics.DepartmentCounts[intent2str(intent)]++
	d.metrics.RoutingStrategyUsage[string(strategy)]++

	switch env.Status {
	case "success", "handled_directly":
		d.metrics.SuccessfulRoutes++
	default:
		d.metrics.FailedRoutes++
		d.metrics.ErrorKindCounts[string(apierrors.KindHandlerError)]++
	}

	n := float64(d.metrics.TasksProcessed)
	d.totalMS += elapsed.Seconds() * 1000
	d.metrics.AverageResponseTimeMS = d.totalMS / n
}

// MetricsSnapshot returns a copy of the cumulative routing metrics.
func (d *Director) MetricsSnapshot() Metrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	out := Metrics{
		TasksProcessed:        d.metrics.TasksProcessed,
		SuccessfulRoutes:      d.metrics.SuccessfulRoutes,
		FailedRoutes:          d.metrics.FailedRoutes,
		DirectHandled:         d.metrics.DirectHandled,
		AverageResponseTimeMS: d.metrics.AverageResponseTimeMS,
		DepartmentCounts:      make(map[string]int64, len(d.metrics.DepartmentCounts)),
		ErrorKindCounts:       make(map[string]int64, len(d.metrics.ErrorKindCounts)),
		RoutingStrategyUsage:  make(map[string]int64, len(d.metrics.RoutingStrategyUsage)),
	}
	for k, v := range d.metrics.DepartmentCounts {
		out.DepartmentCounts[k] = v
	}
	for k, v := range d.metrics.ErrorKindCounts {
		out.ErrorKindCounts[k] = v
	}
	for k, v := range d.metrics.RoutingStrategyUsage {
		out.RoutingStrategyUsage[k] = v
	}
	return out
}

// Health reports the external-probe snapshot (spec.md §4.3).
func (d *Director) Health() HealthReport {
	d.mu.Lock()
	state := d.state
	started := d.startedAt
	activeCount := len(d.active)
	d.mu.Unlock()

	d.handlersMu.RLock()
	handlerCount := 0
	for _, hs := range d.handlers {
		handlerCount += len(hs)
	}
	d.handlersMu.RUnlock()

	uptime := 0.0
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}

	return HealthReport{
		State:         state,
		UptimeSeconds: uptime,
		ActiveTasks:   activeCount,
		MaxConcurrent: d.cfg.MaxConcurrentTasks,
		HandlerCount:  handlerCount,
		Metrics:       d.MetricsSnapshot(),
	}
}
