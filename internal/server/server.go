package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"relaybox/config"
	"relaybox/internal/handler"
	"relaybox/internal/middleware"
	"relaybox/internal/transport/httpdto"
	"relaybox/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Outbox      *handler.OutboxHandler
	Maintenance *handler.MaintenanceHandler
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: logger.OrNop(l),
	}
}

func (s *Server) SetupRoutes(handlers *Handlers, checks map[string]HealthCheck) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		status := gin.H{}
		healthy := true
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, httpdto.Response[gin.H]{Success: false, Data: status, Code: "UNHEALTHY"})
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(status))
	})

	if !s.config.AdminEnabled || handlers == nil {
		return
	}

	admin := s.engine.Group("/v1/admin", middleware.AdminAuthMiddleware([]byte(s.config.AdminJWTSecret)))
	{
		admin.GET("/messages/:id", handlers.Outbox.GetMessage)

		admin.GET("/dlq", handlers.Outbox.ListDlq)
		admin.GET("/dlq/stats", handlers.Outbox.DlqStatistics)
		admin.POST("/dlq/process", handlers.Outbox.ProcessDlq)
		admin.POST("/dlq/:id/retry", handlers.Outbox.RetryDlqMessage)
		admin.POST("/dlq/:id/fail", handlers.Outbox.FailDlqMessage)
		admin.DELETE("/dlq", handlers.Outbox.PurgeDlq)

		admin.POST("/cleanup", handlers.Maintenance.Cleanup)
		admin.POST("/reconcile", handlers.Maintenance.Reconcile)
		admin.GET("/jobs", handlers.Maintenance.ListJobs)
		admin.POST("/jobs/:name/trigger", handlers.Maintenance.TriggerJob)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down with a 5 second grace period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the admin server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.logger.Errorf("Error in starting the server: %s", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Infof("Shutdown requested, draining admin server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		return err
	}

	s.logger.Infof("Server stopped gracefully")
	return nil
}
