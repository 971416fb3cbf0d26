// Package api provides the HTTP and websocket surface over the task
// runtime.
package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jexlab/jexagent/pkg/config"
	"github.com/jexlab/jexagent/pkg/llm"
	"github.com/jexlab/jexagent/pkg/progress"
	"github.com/jexlab/jexagent/pkg/runtime"
)

// appName prefixes the version string reported by /health.
const appName = "jexagent"

// HealthFunc checks a dependency; nil means healthy.
type HealthFunc func(ctx context.Context) error

// Server wires the gin router over the task runtime.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	tasks      *runtime.Service
	broker     progress.Broker
	manager    *llm.Manager
	dbHealth   HealthFunc
}

// NewServer builds the router. dbHealth may be nil (no database check).
func NewServer(cfg *config.Config, tasks *runtime.Service, broker progress.Broker, manager *llm.Manager, dbHealth HealthFunc) *Server {
	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		tasks:    tasks,
		broker:   broker,
		manager:  manager,
		dbHealth: dbHealth,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(corsMiddleware(s.cfg.CORSOrigins))

	s.engine.GET("/health", s.healthHandler)

	v1 := s.engine.Group("/api/v1")
	v1.Use(requireUser())

	v1.POST("/tasks", s.createTaskHandler)
	v1.GET("/tasks", s.listTasksHandler)
	v1.GET("/tasks/:id", s.getTaskHandler)
	v1.POST("/tasks/:id/answers", s.submitAnswersHandler)
	v1.POST("/tasks/:id/start-processing", s.startProcessingHandler)
	v1.POST("/tasks/:id/cancel", s.cancelTaskHandler)
	v1.GET("/tasks/:id/progress", s.getProgressHandler)

	v1.GET("/system/ai-stats", s.aiStatsHandler)

	// Websocket endpoint for real-time event streaming.
	v1.GET("/ws", s.wsHandler)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start runs the HTTP server (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports database and worker status.
func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	dbStatus := "ok"
	code := http.StatusOK

	if s.dbHealth != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.dbHealth(ctx); err != nil {
			status = "unhealthy"
			dbStatus = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":       status,
		"version":      s.appVersion(),
		"database":     dbStatus,
		"active_tasks": s.tasks.ActiveCount(),
	})
}

// aiStatsHandler exposes the upstream manager's aggregate counters.
func (s *Server) aiStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Stats())
}

// buildVersion resolves "jexagent/<short-commit>" once from the VCS info
// the Go toolchain embeds; non-VCS builds (go test, go run) report
// "jexagent/dev".
var buildVersion = sync.OnceValue(func() string {
	revision := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				revision = setting.Value
				if len(revision) > 8 {
					revision = revision[:8]
				}
				break
			}
		}
	}
	return appName + "/" + revision
})

func (s *Server) appVersion() string { return buildVersion() }
