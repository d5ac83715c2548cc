package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peerbanhelper/backend/internal/api/middleware"
	"github.com/peerbanhelper/backend/internal/api/routes"
	"github.com/peerbanhelper/backend/internal/engine"
	"github.com/peerbanhelper/backend/internal/logger"
)

// Server wraps the HTTP engine and shared dependencies for easier testing.
type Server struct {
	Engine *gin.Engine
	addr   string
}

// New wires up the HTTP router and registers versioned routes.
func New(e *engine.Engine) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	if e.Config.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.RequestLogger(), middleware.Recovery(e.Config.Debug))

	if err := routes.Register(router, e); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	return &Server{Engine: router, addr: fmt.Sprintf(":%s", e.Config.HTTPPort)}, nil
}

// Run starts the HTTP server with proper shutdown semantics.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Component("http").WithField("addr", s.addr).Info("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) String() string { return "http-api" }
