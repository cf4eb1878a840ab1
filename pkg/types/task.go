package types

import "time"

// TaskType is the closed set of work categories the classifier can assign.
type TaskType string

const (
	TaskTypeEmail         TaskType = "email"
	TaskTypeCommunication TaskType = "communication"
	TaskTypeAnalysis      TaskType = "analysis"
	TaskTypeReview        TaskType = "review"
	TaskTypeResearch      TaskType = "research"
	TaskTypeDevelopment   TaskType = "development"
	TaskTypeOther         TaskType = "other"
)

// TaskStatus tracks a task through its lifecycle. Status is monotonic within
// a run: it never moves backward out of a terminal state except via an
// explicit retry, which resets StartedAt/CompletedAt.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether a task in this status has finished and can no
// longer be started.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders work both in the request queue and the async task engine.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank gives a lower-is-more-urgent ordering for priority comparisons.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Task is a single unit of orchestrated work.
type Task struct {
	ID          string   `db:"id" json:"id"`
	Title       string   `db:"title" json:"title"`
	Description string   `db:"description" json:"description"`
	Type        TaskType `db:"type" json:"type"`

	Status          TaskStatus `db:"status" json:"status"`
	Priority        Priority   `db:"priority" json:"priority"`
	AssignedAgentID string     `db:"assigned_agent_id" json:"assigned_agent_id,omitempty"`
	ParentTaskID    string     `db:"parent_task_id" json:"parent_task_id,omitempty"`

	InputData    map[string]interface{} `db:"-" json:"input_data,omitempty"`
	OutputData   map[string]interface{} `db:"-" json:"output_data,omitempty"`
	ErrorDetails string                  `db:"error_details" json:"error_details,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	QueueTimeMinutes      float64 `db:"queue_time_minutes" json:"queue_time_minutes,omitempty"`
	ProcessingTimeMinutes float64 `db:"processing_time_minutes" json:"processing_time_minutes,omitempty"`
	RetryCount            int     `db:"retry_count" json:"retry_count"`
	ProgressPercentage    float64 `db:"progress_percentage" json:"progress_percentage"`
	ComplexityScore       int     `db:"complexity_score" json:"complexity_score"`
	QualityScore          float64 `db:"quality_score" json:"quality_score"`

	LastActivity time.Time `db:"last_activity" json:"last_activity"`
}

// Start marks the task in_progress. First write wins on StartedAt; repeated
// calls only bump LastActivity, matching the idempotence property in
// spec.md §8 ("starting an already-started task is a no-op for started_at").
func (t *Task) Start(now time.Time) {
	if t.StartedAt == nil {
		started := now
		t.StartedAt = &started
		t.QueueTimeMinutes = now.Sub(t.CreatedAt).Minutes()
	}
	t.Status = TaskStatusInProgress
	t.LastActivity = now
}

// Complete marks the task completed, forcing progress to 100 as required by
// the invariant "a completed task must have progress_percentage = 100".
func (t *Task) Complete(now time.Time, output map[string]interface{}) {
	t.Status = TaskStatusCompleted
	t.OutputData = output
	t.ProgressPercentage = 100
	completed := now
	t.CompletedAt = &completed
	if t.StartedAt != nil {
		t.ProcessingTimeMinutes = now.Sub(*t.StartedAt).Minutes()
	}
	t.LastActivity = now
}

// Fail marks the task failed with the given error detail.
func (t *Task) Fail(now time.Time, detail string) {
	t.Status = TaskStatusFailed
	t.ErrorDetails = detail
	completed := now
	t.CompletedAt = &completed
	if t.StartedAt != nil {
		t.ProcessingTimeMinutes = now.Sub(*t.StartedAt).Minutes()
	}
	t.LastActivity = now
}

// Retry resets timing fields and increments RetryCount so the task can be
// re-queued. RetryCount only ever increases.
func (t *Task) Retry(now time.Time) {
	t.RetryCount++
	t.Status = TaskStatusPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.ErrorDetails = ""
	t.LastActivity = now
}

// DefaultTitle mirrors the HTTP layer's fallback of `"Task: {type}"` when a
// submission omits a title.
func DefaultTitle(taskType string) string {
	return "Task: " + taskType
}
