package types

import "time"

// AgentType is the closed role set for a registered executor.
type AgentType string

const (
	AgentTypeSupervisor AgentType = "supervisor"
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeWorker      AgentType = "worker"
	AgentTypeSpecialist  AgentType = "specialist"
)

// AgentStatus tracks an agent's availability.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// CanTransitionTo enforces that leaving error/offline requires an explicit
// recovery call (Recover), not a free transition.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if s == AgentStatusError || s == AgentStatusOffline {
		return false
	}
	switch next {
	case AgentStatusIdle, AgentStatusActive, AgentStatusBusy, AgentStatusError, AgentStatusOffline:
		return true
	default:
		return false
	}
}

// Agent is a registered executor, optionally nested under a supervisor.
type Agent struct {
	ID       string      `db:"id" json:"id"`
	Name     string      `db:"name" json:"name"`
	Type     AgentType   `db:"type" json:"agent_type"`
	Status   AgentStatus `db:"status" json:"status"`
	ParentID string      `db:"parent_id" json:"parent_id,omitempty"`

	Capabilities []string `db:"-" json:"capabilities"`

	TasksCompleted      int64         `db:"tasks_completed" json:"tasks_completed"`
	SuccessRate         float64       `db:"success_rate" json:"success_rate"`
	AverageResponseTime time.Duration `db:"average_response_time_ms" json:"average_response_time"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Recover clears an error/offline status back to idle. This is the only
// sanctioned way out of those two states.
func (a *Agent) Recover(now time.Time) {
	a.Status = AgentStatusIdle
	a.UpdatedAt = now
}

// CanHaveChildren mirrors the invariant that only supervisors may register
// child agents.
func (a *Agent) CanHaveChildren() bool {
	return a.Type == AgentTypeSupervisor
}

// RecordCompletion folds a finished task's outcome into the running
// performance counters.
func (a *Agent) RecordCompletion(success bool, duration time.Duration, now time.Time) {
	prev := a.TasksCompleted
	a.TasksCompleted++
	successVal := 0.0
	if success {
		successVal = 1.0
	}
	a.SuccessRate = (a.SuccessRate*float64(prev) + successVal) / float64(a.TasksCompleted)
	if prev == 0 {
		a.AverageResponseTime = duration
	} else {
		a.AverageResponseTime = (a.AverageResponseTime*time.Duration(prev) + duration) / time.Duration(a.TasksCompleted)
	}
	a.UpdatedAt = now
}
