package types

import "time"

// RequestType pins a QueuedRequest to exactly one process group.
type RequestType string

const (
	RequestTypeTaskSubmission RequestType = "task_submission"
	RequestTypeAgentOperation RequestType = "agent_operation"
	RequestTypeAnalyticsQuery RequestType = "analytics_query"
	RequestTypeStreaming      RequestType = "streaming_request"
	RequestTypeHealthCheck    RequestType = "health_check"
	RequestTypeAPICall        RequestType = "api_call"
)

// ProcessGroup returns the worker partition a request type is pinned to.
func (t RequestType) ProcessGroup() string {
	switch t {
	case RequestTypeTaskSubmission:
		return "task_processing"
	case RequestTypeAgentOperation:
		return "agent_operations"
	case RequestTypeAnalyticsQuery:
		return "analytics"
	case RequestTypeStreaming:
		return "streaming"
	default:
		return "general"
	}
}

// QueuePriority orders admission in the RequestQueue. Note this is a
// distinct closed set from types.Priority (the Task priority): the request
// queue's vocabulary is critical/high/normal/low, matching spec.md §3.
type QueuePriority string

const (
	QueuePriorityCritical QueuePriority = "critical"
	QueuePriorityHigh     QueuePriority = "high"
	QueuePriorityNormal   QueuePriority = "normal"
	QueuePriorityLow      QueuePriority = "low"
)

// Rank gives a lower-is-more-urgent ordering, consistent across the four
// priority lanes used by both the RequestQueue and the AsyncTaskEngine.
func (p QueuePriority) Rank() int {
	switch p {
	case QueuePriorityCritical:
		return 0
	case QueuePriorityHigh:
		return 1
	case QueuePriorityNormal:
		return 2
	case QueuePriorityLow:
		return 3
	default:
		return 2
	}
}

// AtMostNormal reports whether this priority is throttled by backpressure
// (NORMAL and LOW are; HIGH and CRITICAL are not).
func (p QueuePriority) AtMostNormal() bool {
	return p == QueuePriorityNormal || p == QueuePriorityLow
}

// RequestStatus tracks a QueuedRequest through admission and processing.
type RequestStatus string

const (
	RequestStatusQueued     RequestStatus = "queued"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusTimeout    RequestStatus = "timeout"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// IsTerminal reports whether the request has reached a status from which it
// never resurrects.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusTimeout, RequestStatusCancelled:
		return true
	default:
		return false
	}
}

// QueuedRequest is the in-memory wrapper around an admitted HTTP request
// while it awaits processing.
type QueuedRequest struct {
	RequestID    string
	RequestType  RequestType
	Priority     QueuePriority
	ClientID     string
	Payload      interface{}
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Status       RequestStatus
	Timeout      time.Duration
	ProcessGroup string

	Result interface{}
	Err    error
}
