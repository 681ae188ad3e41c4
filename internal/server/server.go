// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects handlers, middleware and
// routes, and owns every long-lived resource: the database, the engine
// launchers and the live kernel sessions.
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → Server.New() creates:
//	  sqlite.DB ─┐
//	  Engines ───┼→ SessionService → SessionHandler, ChannelHandler
//	  TokenService → auth middleware
//
// This is the "composition root" pattern: all dependencies are wired in one
// place (New/setupRoutes), rather than scattered across the codebase.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/mojo-kernel/internal/auth"
	"github.com/sakif/mojo-kernel/internal/config"
	"github.com/sakif/mojo-kernel/internal/handler"
	"github.com/sakif/mojo-kernel/internal/middleware"
	"github.com/sakif/mojo-kernel/internal/model"
	sqliteRepo "github.com/sakif/mojo-kernel/internal/repository/sqlite"
	"github.com/sakif/mojo-kernel/internal/service"
)

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// Shutdown order matters: sessions first (their kernels may still be
// writing history), then the launchers, then the database.
type Server struct {
	router   *chi.Mux
	config   *config.Config
	version  string
	logger   *slog.Logger
	db       *sqliteRepo.DB
	engines  *Engines
	sessions *service.SessionService
}

// New creates a Server from cfg. version is reported by /api/kernelspec.
func New(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*Server, error) {
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqliteRepo.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	engines, err := NewEngines(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		version: version,
		logger:  logger,
		db:      db,
		engines: engines,
		sessions: service.NewSessionService(db, db, engines.New, service.Options{
			DefaultEngine:        cfg.Engine.Kind,
			MaxSessionsPerClient: cfg.Engine.MaxSessionsPerClient,
		}, logger),
	}

	if err := s.setupRoutes(); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler returns the root handler; tests serve it with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /healthz                          → liveness probe
// GET    /api/kernelspec                   → language info
// POST   /api/sessions                     → start a kernel
// GET    /api/sessions                     → caller's sessions (?all=true: stored records)
// GET    /api/sessions/{id}                → one session
// DELETE /api/sessions/{id}                → kill the kernel, end the session
// POST   /api/sessions/{id}/execute        → run a cell
// POST   /api/sessions/{id}/interrupt      → interrupt the running cell
// POST   /api/sessions/{id}/shutdown       → restart or end
// POST   /api/sessions/{id}/is_complete    → completeness check
// GET    /api/sessions/{id}/history        → stored executions
// GET    /api/sessions/{id}/channel        → websocket stream
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns unique ID to each request (for tracing)
// 2. RealIP: extracts real client IP from proxy headers
// 3. Recoverer: catches panics and returns 500 instead of crashing
// 4. Logger: logs each request with timing info
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	requireClient, err := s.authMiddleware()
	if err != nil {
		return err
	}

	spec := handler.NewKernelSpec(s.version, []string{model.EngineServer, model.EnginePTY}, s.config.Engine.Kind)
	sessionHandler := handler.NewSessionHandler(s.sessions, s.logger)
	channelHandler := handler.NewChannelHandler(s.sessions, s.logger)

	s.router.Get("/healthz", handler.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/kernelspec", handler.HandleKernelSpec(spec))

		r.Group(func(r chi.Router) {
			r.Use(requireClient)

			r.Post("/sessions", sessionHandler.HandleCreate)
			r.Get("/sessions", sessionHandler.HandleList)
			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.HandleGet)
				r.Delete("/", sessionHandler.HandleDelete)
				r.Post("/execute", sessionHandler.HandleExecute)
				r.Post("/interrupt", sessionHandler.HandleInterrupt)
				r.Post("/shutdown", sessionHandler.HandleShutdown)
				r.Post("/is_complete", sessionHandler.HandleIsComplete)
				r.Get("/history", sessionHandler.HandleHistory)
				r.Get("/channel", channelHandler.HandleChannel)
			})
		})
	})

	return nil
}

// authMiddleware checks bearer tokens, or attributes everything to the
// anonymous client when auth is disabled.
func (s *Server) authMiddleware() (func(http.Handler) http.Handler, error) {
	if !s.config.Auth.Enabled {
		s.logger.Warn("authentication disabled", slog.String("client", s.config.Auth.AnonymousClient))
		return auth.Anonymous(s.config.Auth.AnonymousClient), nil
	}
	tokens, err := auth.NewTokenService(s.config.Auth.JWTSecret, s.config.Auth.TokenDuration)
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}
	return auth.RequireAuth(tokens), nil
}

// Start serves HTTP until SIGINT or SIGTERM, then shuts down gracefully:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (server.shutdownTimeout)
// 3. Kill every kernel and release the launchers and the database
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Channel to receive OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	// Channel to receive server errors
	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.String("addr", srv.Addr),
			slog.String("url", fmt.Sprintf("http://%s", srv.Addr)),
			slog.String("database", s.config.Database.Path),
			slog.String("engine", s.config.Engine.Kind),
			slog.String("launcher", s.config.Engine.Launcher),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		// Websocket connections are hijacked and not waited for; killing
		// the kernels in Close ends their executions.
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// Close ends all sessions and releases the server's resources.
func (s *Server) Close() {
	s.sessions.Close(context.Background())
	if err := s.engines.Close(); err != nil {
		s.logger.Error("failed to close launchers", slog.String("error", err.Error()))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close database", slog.String("error", err.Error()))
	}
}
