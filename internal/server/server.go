package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quickwind/workflow/internal/config"
	"github.com/quickwind/workflow/internal/engine"
	"github.com/quickwind/workflow/internal/handlers"
	"github.com/quickwind/workflow/internal/logger"
	"github.com/quickwind/workflow/internal/storage"
)

// Server wires the gin router over the storage and engine.
type Server struct {
	cfg    *config.Config
	store  *storage.Storage
	engine *engine.Engine
	router *gin.Engine
	http   *http.Server
}

// New builds the router. The callback route stays outside the tenant auth
// group: callbacks authenticate through their HMAC signature instead of an
// API key.
func New(cfg *config.Config, store *storage.Storage, eng *engine.Engine) *Server {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/v1/service-tasks/:task_id/callback", handlers.ServiceTaskCallbackHandler(eng))

	api := router.Group("/api/v1")
	api.Use(handlers.TenantAuth(store))
	{
		api.POST("/definitions", handlers.UploadDefinitionHandler(eng))
		api.GET("/definitions", handlers.ListDefinitionsHandler(store))
		api.GET("/definitions/:process_key", handlers.GetDefinitionHandler(store))
		api.GET("/definitions/:process_key/versions/:version", handlers.GetDefinitionVersionHandler(store))
		api.POST("/definitions/:process_key/versions/:version/instances", handlers.StartInstanceHandler(eng))

		api.GET("/instances", handlers.ListInstancesHandler(store))
		api.GET("/instances/:instance_id", handlers.GetInstanceHandler(eng))
		api.POST("/instances/:instance_id/terminate", handlers.TerminateInstanceHandler(eng))

		api.GET("/user-tasks", handlers.ListUserTasksHandler(store))
		api.POST("/user-tasks/:task_id/complete", handlers.CompleteUserTaskHandler(eng))

		api.GET("/service-tasks", handlers.ListServiceTasksHandler(store))
		api.POST("/service-tasks/:task_id/start", handlers.StartServiceTaskHandler(eng))

		api.PUT("/catalog", handlers.RegisterCatalogHandler(store))
		api.GET("/catalog", handlers.ListCatalogHandler(store))

		api.GET("/audit", handlers.ListAuditEventsHandler(store))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &Server{
		cfg:    cfg,
		store:  store,
		engine: eng,
		router: router,
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	logger.Logger.Info().Str("addr", s.http.Addr).Msg("Workflow server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	}
}
