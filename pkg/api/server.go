// Package api implements the HTTP/WebSocket interface from spec.md §6:
// task submission, health, and the CRUD surface over agents, tasks, and
// conversations. Grounded on the teacher's pkg/api (gin router setup, JWT
// auth wiring, CORS/rate-limit/security middleware chain, WebSocketHub),
// re-pointed from OllamaMax's node/model/inference endpoints at the
// classify-and-route task entrypoint and the orchestration CRUD surface.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/auth"
	"github.com/khryptorgraphics/ollamamax/pkg/blackboard"
	"github.com/khryptorgraphics/ollamamax/pkg/classifier"
	"github.com/khryptorgraphics/ollamamax/pkg/director"
	"github.com/khryptorgraphics/ollamamax/pkg/monitor"
	"github.com/khryptorgraphics/ollamamax/pkg/queue"
	"github.com/khryptorgraphics/ollamamax/pkg/repository"
	"github.com/khryptorgraphics/ollamamax/pkg/throttling"
)

// Server is the HTTP front door onto the orchestration pipeline: it admits
// requests through the RequestQueue, routes them through the Director, and
// exposes read/write access to the persisted Task/Agent/Conversation state.
type Server struct {
	config     *config.Config
	repo       *repository.Manager
	director   *director.Director
	queue      *queue.RequestQueue
	classifier *classifier.Classifier
	monitor    *monitor.Monitor
	throttling *throttling.Controller
	blackboard *blackboard.Blackboard

	jwtSvc *auth.JWTService
	rbac   *auth.RBAC
	authMW *auth.AuthMiddleware

	logger    *slog.Logger
	server    *http.Server
	websocket *WebSocketHub
}

// Deps bundles the components NewServer wires together. Every field is
// required except RBAC when cfg.Auth.Enabled is false.
type Deps struct {
	Config     *config.Config
	Repo       *repository.Manager
	Director   *director.Director
	Queue      *queue.RequestQueue
	Classifier *classifier.Classifier
	Monitor    *monitor.Monitor
	Throttling *throttling.Controller
	Blackboard *blackboard.Blackboard
	RBAC       *auth.RBAC
	Logger     *slog.Logger
}

// NewServer builds a Server and its gin router from deps.
func NewServer(deps Deps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var jwtSvc *auth.JWTService
	var authMW *auth.AuthMiddleware
	if deps.Config.Auth.Enabled {
		svc, err := auth.NewJWTService(&deps.Config.Auth)
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT service: %w", err)
		}
		jwtSvc = svc
		authMW = auth.NewAuthMiddleware(jwtSvc, deps.RBAC)
	}

	s := &Server{
		config:     deps.Config,
		repo:       deps.Repo,
		director:   deps.Director,
		queue:      deps.Queue,
		classifier: deps.Classifier,
		monitor:    deps.Monitor,
		throttling: deps.Throttling,
		blackboard: deps.Blackboard,
		jwtSvc:     jwtSvc,
		rbac:       deps.RBAC,
		authMW:     authMW,
		logger:     logger,
		websocket:  NewWebSocketHub(logger),
	}
	return s, nil
}

// Start runs the WebSocket hub and blocks serving HTTP until the listener
// stops (via Stop or an unrecoverable accept error).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRouter()

	s.server = &http.Server{
		Addr:         s.config.API.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.websocket.Run()

	s.logger.Info("starting API server",
		"address", s.config.API.Listen,
		"tls_enabled", s.config.API.TLSEnabled)

	if s.config.API.TLSEnabled {
		err := s.server.ListenAndServeTLS(s.config.API.CertFile, s.config.API.KeyFile)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully drains the HTTP server and WebSocket hub.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")
	s.websocket.Stop()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// setupRouter configures the gin router with the teacher's middleware chain
// and spec.md §6's route surface.
func (s *Server) setupRouter() *gin.Engine {
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(s.loggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())
	router.Use(s.securityMiddleware())
	router.Use(s.versionMiddleware())
	router.Use(s.compressionMiddleware())
	router.Use(s.requestSizeMiddleware())
	router.Use(s.contentTypeMiddleware())
	router.Use(s.auditMiddleware())

	if s.config.API.RateLimit.Enabled {
		router.Use(s.rateLimitMiddleware())
	}

	router.GET("/", s.rootHandler)
	router.GET("/health", s.healthHandler)

	router.POST("/task", s.submitTaskHandler)

	api := router.Group("/api")
	{
		agents := api.Group("/agents")
		{
			agents.GET("", s.listAgentsHandler)
			agents.POST("", s.protect(auth.PermissionAgentManage, s.createAgentHandler))
			agents.GET("/:id", s.getAgentHandler)
			agents.PUT("/:id", s.protect(auth.PermissionAgentManage, s.updateAgentHandler))
			agents.DELETE("/:id", s.protect(auth.PermissionAgentManage, s.deleteAgentHandler))
		}

		tasks := api.Group("/tasks")
		{
			tasks.GET("", s.listTasksHandler)
			tasks.POST("", s.createTaskHandler)
			tasks.GET("/:id", s.getTaskHandler)
			tasks.PUT("/:id", s.updateTaskHandler)
			tasks.DELETE("/:id", s.protect(auth.PermissionTaskCancel, s.deleteTaskHandler))
		}

		conversations := api.Group("/conversations")
		{
			conversations.GET("", s.listConversationsHandler)
			conversations.POST("", s.createConversationHandler)
			conversations.GET("/:id/messages", s.listMessagesHandler)
		}

		api.GET("/analytics/summary", s.protect(auth.PermissionMetricsRead, s.analyticsSummaryHandler))
		api.POST("/classifier/feedback", s.protect(auth.PermissionClassifierManage, s.classifierFeedbackHandler))
	}

	router.GET("/ws", s.websocketHandler)
	router.GET("/ws/tasks/:id", s.taskProgressWebsocketHandler)

	return router
}

// protect wraps h with JWT authentication and a permission check when
// auth is enabled; when disabled (e.g. local/dev) it runs h unguarded, since
// spec.md does not require auth for the CRUD surface to function.
func (s *Server) protect(permission string, h gin.HandlerFunc) gin.HandlerFunc {
	if !s.config.Auth.Enabled || s.authMW == nil {
		return h
	}
	return func(c *gin.Context) {
		s.authMW.RequirePermission(permission)(c)
		if c.IsAborted() {
			return
		}
		h(c)
	}
}
