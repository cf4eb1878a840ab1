// Package repository implements the task lifecycle persistence layer from
// spec.md §4.5: durable storage for Task and Agent state across process
// restarts (in-process state, e.g. the request queue and task engine, is
// explicitly not durable per the Non-goals).
//
// Grounded on the teacher's pkg/database (DatabaseManager's connection-pool
// setup, repository-per-aggregate layout, sqlx query idiom). The teacher
// pairs every repository with a Redis cache; this domain has nothing that
// benefits from a shared cache tier (task/agent reads are infrequent
// relative to the in-memory queue/engine hot path), so Redis is dropped and
// the manager is Postgres-only.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

// Manager owns the Postgres connection pool and every repository.
type Manager struct {
	DB     *sqlx.DB
	logger *slog.Logger

	Tasks         *TaskRepository
	Agents        *AgentRepository
	Conversations *ConversationRepository
}

// New opens a connection pool per cfg and wires up all repositories.
func New(cfg config.DatabaseConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	m := &Manager{DB: db, logger: logger}
	m.Tasks = &TaskRepository{db: db, logger: logger}
	m.Agents = &AgentRepository{db: db, logger: logger}
	m.Conversations = &ConversationRepository{db: db, logger: logger}
	return m, nil
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	if m.DB == nil {
		return nil
	}
	return m.DB.Close()
}

// Health pings the database and reports round-trip latency.
func (m *Manager) Health(ctx context.Context) (status string, latency time.Duration, err error) {
	start := time.Now()
	err = m.DB.PingContext(ctx)
	latency = time.Since(start)
	if err != nil {
		return "unhealthy", latency, err
	}
	return "healthy", latency, nil
}

// WithTransaction runs fn inside a transaction, rolling back on error or
// panic and committing otherwise.
func (m *Manager) WithTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := m.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	err = fn(tx)
	return err
}

// TaskRepository persists types.Task across the task lifecycle.
type TaskRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Create inserts a new task row.
func (r *TaskRepository) Create(ctx context.Context, t *types.Task) error {
	query := `
		INSERT INTO tasks (id, title, description, type, status, priority, assigned_agent_id,
			parent_task_id, created_at, complexity_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Title, t.Description, t.Type, t.Status, t.Priority, nullable(t.AssignedAgentID),
		nullable(t.ParentTaskID), t.CreatedAt, t.ComplexityScore)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Update persists the full current state of t, including lifecycle timing.
func (r *TaskRepository) Update(ctx context.Context, t *types.Task) error {
	query := `
		UPDATE tasks SET status = $2, assigned_agent_id = $3, started_at = $4, completed_at = $5,
			queue_time_minutes = $6, processing_time_minutes = $7, retry_count = $8,
			progress_percentage = $9, quality_score = $10, error_details = $11, last_activity = $12
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Status, nullable(t.AssignedAgentID), t.StartedAt, t.CompletedAt,
		t.QueueTimeMinutes, t.ProcessingTimeMinutes, t.RetryCount,
		t.ProgressPercentage, t.QualityScore, t.ErrorDetails, t.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// GetByID retrieves a task by its primary key.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*types.Task, error) {
	var t types.Task
	err := r.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

// ListByStatus retrieves tasks in a given status, most recently created
// first, bounded by limit.
func (r *TaskRepository) ListByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	query := `SELECT * FROM tasks WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
	if err := r.db.SelectContext(ctx, &tasks, query, status, limit); err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return tasks, nil
}

// ListRecent retrieves the most recently created tasks across all statuses,
// backing the dashboard-facing GET /api/tasks CRUD surface from spec.md §6
// (distinct from the classify-and-route POST /task entrypoint).
func (r *TaskRepository) ListRecent(ctx context.Context, limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	query := `SELECT * FROM tasks ORDER BY created_at DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &tasks, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent tasks: %w", err)
	}
	return tasks, nil
}

// Delete removes a task row by id.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// AgentRepository persists types.Agent registrations and health.
type AgentRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Upsert creates or updates an agent registration by ID.
func (r *AgentRepository) Upsert(ctx context.Context, a *types.Agent) error {
	query := `
		INSERT INTO agents (id, name, type, status, parent_id, success_rate, average_response_time_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, success_rate = EXCLUDED.success_rate,
			average_response_time_ms = EXCLUDED.average_response_time_ms, updated_at = EXCLUDED.updated_at`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Type, a.Status, nullable(a.ParentID), a.SuccessRate, a.AverageResponseTime.Milliseconds(), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its primary key.
func (r *AgentRepository) GetByID(ctx context.Context, id string) (*types.Agent, error) {
	var a types.Agent
	err := r.db.GetContext(ctx, &a, `SELECT * FROM agents WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("agent not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

// ListAvailable returns non-offline, non-error agents of the given type.
func (r *AgentRepository) ListAvailable(ctx context.Context, agentType types.AgentType) ([]*types.Agent, error) {
	var agents []*types.Agent
	query := `SELECT * FROM agents WHERE type = $1 AND status NOT IN ('offline', 'error') ORDER BY success_rate DESC`
	if err := r.db.SelectContext(ctx, &agents, query, agentType); err != nil {
		return nil, fmt.Errorf("failed to list available agents: %w", err)
	}
	return agents, nil
}

// List retrieves every registered agent, backing GET /api/agents.
func (r *AgentRepository) List(ctx context.Context) ([]*types.Agent, error) {
	var agents []*types.Agent
	query := `SELECT * FROM agents ORDER BY name ASC`
	if err := r.db.SelectContext(ctx, &agents, query); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// Delete removes an agent registration by id.
func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}

// ConversationRepository persists Conversation/Message/Draft/AgentLog rows,
// the recovered audit-trail features from spec.md's supplemented scope.
type ConversationRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// CreateConversation inserts a new conversation thread.
func (r *ConversationRepository) CreateConversation(ctx context.Context, c *types.Conversation) error {
	query := `INSERT INTO conversations (id, title, created_at) VALUES ($1, $2, $3)`
	_, err := r.db.ExecContext(ctx, query, c.ID, c.Title, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// AppendMessage records a message in an existing conversation.
func (r *ConversationRepository) AppendMessage(ctx context.Context, m *types.Message) error {
	query := `INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query, m.ID, m.ConversationID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// CreateDraft persists a department-produced draft awaiting review.
func (r *ConversationRepository) CreateDraft(ctx context.Context, d *types.Draft) error {
	query := `INSERT INTO drafts (id, task_id, content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, d.ID, d.TaskID, d.Content, d.Status, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create draft: %w", err)
	}
	return nil
}

// AppendAgentLog records a structured agent execution log entry.
func (r *ConversationRepository) AppendAgentLog(ctx context.Context, l *types.AgentLog) error {
	query := `INSERT INTO agent_logs (id, task_id, agent_id, action, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, query, l.ID, l.TaskID, l.AgentID, l.Action, l.Detail, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append agent log: %w", err)
	}
	return nil
}

// List retrieves every conversation thread, most recent first.
func (r *ConversationRepository) List(ctx context.Context) ([]*types.Conversation, error) {
	var conversations []*types.Conversation
	query := `SELECT * FROM conversations ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &conversations, query); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// GetConversation retrieves a single conversation by id.
func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var c types.Conversation
	err := r.db.GetContext(ctx, &c, `SELECT * FROM conversations WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("conversation not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

// ListMessages retrieves every message in a conversation, oldest first.
func (r *ConversationRepository) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	var messages []*types.Message
	query := `SELECT * FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`
	if err := r.db.SelectContext(ctx, &messages, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
