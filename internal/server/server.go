// Package server assembles the orchestrator's gin HTTP server: middleware,
// route groups, and graceful lifecycle management.
//
// Three route groups are registered, each with its own auth requirement
// (§6): /api/v1 for project-scoped callers (API key or session cookie),
// /internal for worker callbacks (API key only), and /api/v1/approvals for
// unauthenticated approval resolution, keyed by execution id and step key.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ginzap "github.com/gin-contrib/zap"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/polos-dev/orchestrator/internal/config"
	"github.com/polos-dev/orchestrator/internal/handlers"
)

// Server wraps a configured http.Server around the gin engine.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// New builds the gin engine, applies the logging/recovery middleware, and
// registers every route group behind the appropriate auth middleware.
func New(cfg *config.Configuration, h *handlers.Handler, jwtSecret []byte, apiKeys map[string]uuid.UUID, log *zap.Logger) *Server {
	if cfg.Server.ServerMode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(ginzap.Ginzap(log.Named("http"), time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(log.Named("http"), true))
	engine.NoRoute(handlers.NotFoundHandler)

	auth := handlers.APIKeyAuth(jwtSecret, apiKeys)

	api := engine.Group("/api/v1")
	api.Use(auth)

	internalAPI := engine.Group("/internal")
	internalAPI.Use(func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer sk_") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "internal routes require an API key"})
			return
		}
		c.Next()
	}, auth)

	approvals := engine.Group("/api/v1")

	h.RegisterRoutes(api, internalAPI, approvals)

	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
			Handler: engine,
		},
		log: log.Named("server"),
	}
}

// Start blocks serving HTTP until the server is stopped or fails.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting http server", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping http server")
	return s.httpServer.Shutdown(ctx)
}
