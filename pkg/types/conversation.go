package types

import "time"

// Conversation groups a thread of messages a task may be attached to.
type Conversation struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Message is a single turn within a Conversation.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Role           string    `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// DraftStatus tracks a Draft through review before it is sent.
type DraftStatus string

const (
	DraftStatusPending  DraftStatus = "pending"
	DraftStatusApproved DraftStatus = "approved"
	DraftStatusSent     DraftStatus = "sent"
	DraftStatusRejected DraftStatus = "rejected"
)

// Draft is an intermediate artifact produced by a department handler (most
// often communications) before it is delivered externally.
type Draft struct {
	ID        string      `db:"id" json:"id"`
	TaskID    string      `db:"task_id" json:"task_id"`
	Content   string      `db:"content" json:"content"`
	Status    DraftStatus `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// AgentLog is an append-only execution-trace row for a single agent action.
type AgentLog struct {
	ID        string    `db:"id" json:"id"`
	AgentID   string    `db:"agent_id" json:"agent_id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	Action    string    `db:"action" json:"action"`
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
