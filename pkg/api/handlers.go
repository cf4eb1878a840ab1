package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/khryptorgraphics/ollamamax/pkg/apierrors"
	"github.com/khryptorgraphics/ollamamax/pkg/director"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

// rootHandler answers the bare liveness probe from spec.md §6.
func (s *Server) rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "task orchestration service",
		"status":  "healthy",
	})
}

// healthHandler reports database connectivity, matching the
// {status, database, version} shape spec.md §6 names.
func (s *Server) healthHandler(c *gin.Context) {
	status, _, err := s.repo.Health(c.Request.Context())
	database := "connected"
	httpStatus := http.StatusOK
	if err != nil {
		database = "error: " + err.Error()
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":   status,
		"database": database,
		"version":  "1.0.0",
	})
}

// submitTaskRequest is the POST /task body from spec.md §6.
type submitTaskRequest struct {
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Priority    string                 `json:"priority"`
	Args        map[string]interface{} `json:"args"`
}

// submitTaskHandler implements the classify-and-route entrypoint: validate,
// persist, admit through the RequestQueue, route via the Director, then
// report the discriminated envelope plus task_details.
func (s *Server) submitTaskHandler(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"error":  "invalid request body: " + err.Error(),
		})
		return
	}
	if req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"error":  "type is required",
		})
		return
	}

	priority := types.Priority(req.Priority)
	switch priority {
	case types.PriorityLow, types.PriorityMedium, types.PriorityHigh, types.PriorityCritical:
	case "":
		priority = types.PriorityMedium
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"error":  fmt.Sprintf("unknown priority %q", req.Priority),
		})
		return
	}

	title := req.Title
	if title == "" {
		title = types.DefaultTitle(req.Type)
	}
	now := time.Now()
	task := &types.Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: req.Description,
		Type:        types.TaskType(req.Type),
		Status:      types.TaskStatusPending,
		Priority:    priority,
		InputData:   req.Args,
		CreatedAt:   now,
	}

	if err := s.repo.Tasks.Create(c.Request.Context(), task); err != nil {
		s.logger.Error("failed to persist task", "error", err, "task_id", task.ID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"error":   "failed to persist task",
			"task_id": task.ID,
		})
		return
	}

	var env director.Envelope
	handle := func(ctx context.Context, qr *types.QueuedRequest) (interface{}, error) {
		env = s.director.ProcessTask(ctx, task)
		task.LastActivity = time.Now()
		if env.Status == "error" || env.Status == "execution_error" {
			task.Fail(time.Now(), env.Error)
		} else {
			task.Complete(time.Now(), env.Result)
		}
		if err := s.repo.Tasks.Update(ctx, task); err != nil {
			s.logger.Error("failed to update task after routing", "error", err, "task_id", task.ID)
		}
		return env, nil
	}

	queuePriority := mapQueuePriority(priority)
	if err := s.queue.Submit(task.ID, types.RequestTypeTaskSubmission, queuePriority, req.Args, c.ClientIP(), 60*time.Second, handle); err != nil {
		status := http.StatusInternalServerError
		if apierrors.Is(err, apierrors.KindOverloaded) || apierrors.Is(err, apierrors.KindResourceExhausted) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":  "error",
			"error":   err.Error(),
			"task_id": task.ID,
		})
		return
	}

	if _, err := s.queue.AwaitResult(c.Request.Context(), task.ID, 60*time.Second); err != nil {
		status := http.StatusInternalServerError
		if apierrors.Is(err, apierrors.KindTimeout) {
			status = http.StatusRequestTimeout
		}
		c.JSON(status, gin.H{
			"status":  "error",
			"error":   err.Error(),
			"task_id": task.ID,
		})
		return
	}

	taskID := fmt.Sprintf("task_%s_%s", task.ID, now.Format("20060102_150405"))
	c.JSON(http.StatusCreated, gin.H{
		"status":         "success",
		"task_id":        taskID,
		"message":        "task routed",
		"routing_result": env,
		"task_details": gin.H{
			"id":         task.ID,
			"title":      task.Title,
			"type":       task.Type,
			"status":     task.Status,
			"created_at": task.CreatedAt,
		},
	})
}

func mapQueuePriority(p types.Priority) types.QueuePriority {
	switch p {
	case types.PriorityCritical:
		return types.QueuePriorityCritical
	case types.PriorityHigh:
		return types.QueuePriorityHigh
	case types.PriorityLow:
		return types.QueuePriorityLow
	default:
		return types.QueuePriorityNormal
	}
}

// --- Agent CRUD ---

func (s *Server) listAgentsHandler(c *gin.Context) {
	agents, err := s.repo.Agents.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgentHandler(c *gin.Context) {
	agent, err := s.repo.Agents.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) createAgentHandler(c *gin.Context) {
	var agent types.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now()
	agent.CreatedAt, agent.UpdatedAt = now, now
	if agent.Status == "" {
		agent.Status = types.AgentStatusIdle
	}
	if err := s.repo.Agents.Upsert(c.Request.Context(), &agent); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) updateAgentHandler(c *gin.Context) {
	id := c.Param("id")
	existing, err := s.repo.Agents.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var patch types.Agent
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	patch.ID = existing.ID
	patch.CreatedAt = existing.CreatedAt
	patch.UpdatedAt = time.Now()
	if err := s.repo.Agents.Upsert(c.Request.Context(), &patch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, patch)
}

func (s *Server) deleteAgentHandler(c *gin.Context) {
	if err := s.repo.Agents.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Task CRUD ---

func (s *Server) listTasksHandler(c *gin.Context) {
	tasks, err := s.repo.Tasks.ListRecent(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTaskHandler(c *gin.Context) {
	task, err := s.repo.Tasks.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// createTaskHandler inserts a task row directly without routing it through
// the Director, distinct from POST /task which submits and routes in one
// step (spec.md §6).
func (s *Server) createTaskHandler(c *gin.Context) {
	var task types.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Title == "" {
		task.Title = types.DefaultTitle(string(task.Type))
	}
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	if task.Priority == "" {
		task.Priority = types.PriorityMedium
	}
	task.CreatedAt = time.Now()
	if err := s.repo.Tasks.Create(c.Request.Context(), &task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) updateTaskHandler(c *gin.Context) {
	id := c.Param("id")
	existing, err := s.repo.Tasks.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var patch types.Task
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	patch.ID = existing.ID
	patch.CreatedAt = existing.CreatedAt
	patch.LastActivity = time.Now()
	if err := s.repo.Tasks.Update(c.Request.Context(), &patch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, patch)
}

func (s *Server) deleteTaskHandler(c *gin.Context) {
	if err := s.repo.Tasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Conversation CRUD (recovered from original_source/routes.py) ---

func (s *Server) listConversationsHandler(c *gin.Context) {
	conversations, err := s.repo.Conversations.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (s *Server) createConversationHandler(c *gin.Context) {
	var conv types.Conversation
	if err := c.ShouldBindJSON(&conv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	conv.CreatedAt = time.Now()
	if err := s.repo.Conversations.CreateConversation(c.Request.Context(), &conv); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) listMessagesHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.repo.Conversations.GetConversation(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	messages, err := s.repo.Conversations.ListMessages(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// classifierFeedbackRequest is the body for POST /api/classifier/feedback.
type classifierFeedbackRequest struct {
	TaskID              string  `json:"task_id"`
	PredictedIntent     string  `json:"predicted_intent"`
	PredictedConfidence float64 `json:"predicted_confidence"`
	ActualIntent        string  `json:"actual_intent"`
	Source              string  `json:"source"`
}

// classifierFeedbackHandler records a classification correction, closing
// the feedback loop from spec.md §4.4: a predicted/actual mismatch seeds a
// new training example and invalidates the cached entry for that text. The
// task text is looked up from the persisted task (the same title+description
// composition director.go uses to classify), matching how the original's
// add_classification_feedback resolves task_id to text before learning it.
func (s *Server) classifierFeedbackHandler(c *gin.Context) {
	var req classifierFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actual := types.Intent(req.ActualIntent)
	if !actual.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown intent %q", req.ActualIntent)})
		return
	}

	task, err := s.repo.Tasks.GetByID(c.Request.Context(), req.TaskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("task %q not found", req.TaskID)})
		return
	}
	text := strings.TrimSpace(task.Title + " " + task.Description)

	s.classifier.RecordFeedback(text, types.ClassificationFeedback{
		TaskID:              req.TaskID,
		PredictedIntent:     types.Intent(req.PredictedIntent),
		PredictedConfidence: req.PredictedConfidence,
		ActualIntent:        actual,
		Source:              req.Source,
		Method:              s.classifier.DefaultMethod(),
	})
	c.Status(http.StatusNoContent)
}

// analyticsSummaryHandler reports the in-memory routing/load snapshot,
// recovered from original_source's analytics summary endpoint but sourced
// from the live Director/RequestQueue/Monitor/Throttling state rather than
// a persisted analytics table (spec.md §9 treats analytics tables as
// optional persisted state).
func (s *Server) analyticsSummaryHandler(c *gin.Context) {
	summary := gin.H{
		"routing":     s.director.MetricsSnapshot(),
		"director":    s.director.Health(),
		"queue":       s.queue.Status(),
		"load":        s.queue.LoadStatus(),
		"concurrency": s.throttling.CurrentConcurrency(),
		"classifier":  s.classifier.Analytics(5),
	}
	if snap, ok := s.monitor.Latest(); ok {
		summary["resources"] = snap
	}
	c.JSON(http.StatusOK, summary)
}
