package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket message types
const (
	MessageTypeHeartbeat    = "heartbeat"
	MessageTypeTaskUpdate   = "task_update"
	MessageTypeAgentUpdate  = "agent_update"
	MessageTypeMetrics      = "metrics"
	MessageTypeError        = "error"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
)

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// WebSocketClient represents a connected WebSocket client
type WebSocketClient struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan WebSocketMessage
	Hub          *WebSocketHub
	Subscriptions map[string]bool
	UserID       *uuid.UUID
	mu           sync.RWMutex
}

// WebSocketHub maintains WebSocket connections and handles broadcasting
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	logger     *slog.Logger
	mu         sync.RWMutex
}

// WebSocket upgrader with proper configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow connections from any origin (configure for production)
		return true
	},
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		logger:     logger,
	}
}

// Run starts the WebSocket hub
func (h *WebSocketHub) Run() {
	h.logger.Info("WebSocket hub started")

	// Start heartbeat ticker
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected", "client_id", client.ID)

			// Send welcome message
			client.Send <- WebSocketMessage{
				Type:      "welcome",
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"client_id": client.ID,
					"message":   "connected to task orchestration websocket",
				},
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket client disconnected", "client_id", client.ID)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// Client's send channel is full, disconnect
					delete(h.clients, client)
					close(client.Send)
				}
			}
			h.mu.RUnlock()

		case <-heartbeat.C:
			// Send heartbeat to clients subscribed to heartbeat messages
			heartbeatMsg := WebSocketMessage{
				Type:      MessageTypeHeartbeat,
				Timestamp: time.Now(),
				Data: map[string]interface{}{
					"status": "alive",
				},
			}
			h.BroadcastToSubscribers(heartbeatMsg, MessageTypeHeartbeat)
		}
	}
}

// Stop gracefully stops the WebSocket hub
func (h *WebSocketHub) Stop() {
	h.logger.Info("Stopping WebSocket hub")
	h.mu.Lock()
	for client := range h.clients {
		client.Conn.Close()
		close(client.Send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHub) Broadcast(message WebSocketMessage) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
	}
}

// BroadcastToSubscribers sends a message to clients subscribed to a specific type
func (h *WebSocketHub) BroadcastToSubscribers(message WebSocketMessage, messageType string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.mu.RLock()
		if client.Subscriptions[messageType] {
			select {
			case client.Send <- message:
			default:
				// Client's send channel is full, skip
			}
		}
		client.mu.RUnlock()
	}
}

// GetConnectedClients returns the number of connected clients
func (h *WebSocketHub) GetConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WebSocket handler for general connections
func (s *Server) websocketHandler(c *gin.Context) {
	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	// Create new client
	client := &WebSocketClient{
		ID:            uuid.New().String(),
		Conn:          conn,
		Send:          make(chan WebSocketMessage, 256),
		Hub:           s.websocket,
		Subscriptions: make(map[string]bool),
	}

	// Get user ID if authenticated
	if userID, exists := c.Get("user_id"); exists {
		if uid, err := uuid.Parse(userID.(string)); err == nil {
			client.UserID = &uid
		}
	}

	// Register client
	s.websocket.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump(s)
}

// taskProgressWebsocketHandler implements GET /ws/tasks/:id: a client
// subscribes to progress events for a single task, published on the
// blackboard under the "request_{id}" key (spec.md §4.8) as the
// RequestQueue moves it from processing to its terminal status.
func (s *Server) taskProgressWebsocketHandler(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "missing_task_id",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade task progress websocket", "error", err)
		return
	}

	client := &WebSocketClient{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan WebSocketMessage, 256),
		Hub:  s.websocket,
		Subscriptions: map[string]bool{
			MessageTypeTaskUpdate: true,
			"task_" + taskID:      true,
		},
	}

	s.websocket.register <- client
	go client.writePump()
	go client.readPump(s)

	if s.blackboard != nil {
		go s.streamTaskProgress(client, taskID)
	}
}

// streamTaskProgress subscribes to the blackboard's request_{id} key and
// relays writes to the client until the connection is unregistered.
func (s *Server) streamTaskProgress(client *WebSocketClient, taskID string) {
	events := s.blackboard.Subscribe("request_"+taskID, 16)
	defer s.blackboard.Unsubscribe("request_"+taskID, events)

	for event := range events {
		select {
		case client.Send <- WebSocketMessage{
			Type:      MessageTypeTaskUpdate,
			ID:        taskID,
			Timestamp: time.Now(),
			Data:      event.Value,
		}:
		default:
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *WebSocketClient) readPump(s *Server) {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	// Set read limits and timeouts
	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var message WebSocketMessage
		err := c.Conn.ReadJSON(&message)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", "error", err, "client_id", c.ID)
			}
			break
		}

		// Handle different message types
		switch message.Type {
		case MessageTypeSubscribe:
			c.handleSubscribe(message, s)
		case MessageTypeUnsubscribe:
			c.handleUnsubscribe(message, s)
		case MessageTypeHeartbeat:
			// Echo back heartbeat
			c.Send <- WebSocketMessage{
				Type:      MessageTypeHeartbeat,
				Timestamp: time.Now(),
				Data:      map[string]interface{}{"status": "pong"},
			}
		default:
			s.logger.Warn("Unknown WebSocket message type", "type", message.Type, "client_id", c.ID)
		}
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleSubscribe processes subscription requests
func (c *WebSocketClient) handleSubscribe(message WebSocketMessage, s *Server) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		c.Send <- WebSocketMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now(),
			Error:     "Invalid subscription data format",
		}
		return
	}

	topics, ok := data["topics"].([]interface{})
	if !ok {
		c.Send <- WebSocketMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now(),
			Error:     "Invalid topics format",
		}
		return
	}

	c.mu.Lock()
	for _, topic := range topics {
		if topicStr, ok := topic.(string); ok {
			c.Subscriptions[topicStr] = true
			s.logger.Info("Client subscribed to topic", "client_id", c.ID, "topic", topicStr)
		}
	}
	c.mu.Unlock()

	c.Send <- WebSocketMessage{
		Type:      "subscription_confirmed",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"subscribed_topics": topics,
		},
	}
}

// handleUnsubscribe processes unsubscription requests
func (c *WebSocketClient) handleUnsubscribe(message WebSocketMessage, s *Server) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		c.Send <- WebSocketMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now(),
			Error:     "Invalid unsubscription data format",
		}
		return
	}

	topics, ok := data["topics"].([]interface{})
	if !ok {
		c.Send <- WebSocketMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now(),
			Error:     "Invalid topics format",
		}
		return
	}

	c.mu.Lock()
	for _, topic := range topics {
		if topicStr, ok := topic.(string); ok {
			delete(c.Subscriptions, topicStr)
			s.logger.Info("Client unsubscribed from topic", "client_id", c.ID, "topic", topicStr)
		}
	}
	c.mu.Unlock()

	c.Send <- WebSocketMessage{
		Type:      "unsubscription_confirmed",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"unsubscribed_topics": topics,
		},
	}
}

// Helper methods for broadcasting specific types of messages

// BroadcastTaskUpdate notifies subscribers of a task's lifecycle change.
func (h *WebSocketHub) BroadcastTaskUpdate(taskID, status string, data interface{}) {
	message := WebSocketMessage{
		Type:      MessageTypeTaskUpdate,
		ID:        taskID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"task_id": taskID,
			"status":  status,
			"details": data,
		},
	}
	h.BroadcastToSubscribers(message, MessageTypeTaskUpdate)
	h.BroadcastToSubscribers(message, "task_"+taskID)
}

// BroadcastAgentUpdate notifies subscribers of an agent status change.
func (h *WebSocketHub) BroadcastAgentUpdate(agentID, status string, data interface{}) {
	message := WebSocketMessage{
		Type:      MessageTypeAgentUpdate,
		ID:        agentID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"agent_id": agentID,
			"status":   status,
			"details":  data,
		},
	}
	h.BroadcastToSubscribers(message, MessageTypeAgentUpdate)
}

// BroadcastMetrics notifies subscribers of a system resource/load snapshot.
func (h *WebSocketHub) BroadcastMetrics(metrics interface{}) {
	message := WebSocketMessage{
		Type:      MessageTypeMetrics,
		Timestamp: time.Now(),
		Data:      metrics,
	}
	h.BroadcastToSubscribers(message, MessageTypeMetrics)
}
