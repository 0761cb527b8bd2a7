// Package server is the composition root: it wires storage, sessions,
// handlers and middleware into one router and runs the HTTP server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/script-playground/internal/auth"
	"github.com/sakif/script-playground/internal/config"
	"github.com/sakif/script-playground/internal/executor"
	"github.com/sakif/script-playground/internal/handler"
	"github.com/sakif/script-playground/internal/metrics"
	"github.com/sakif/script-playground/internal/middleware"
	sqliteRepo "github.com/sakif/script-playground/internal/repository/sqlite"
	"github.com/sakif/script-playground/internal/service"
	"github.com/sakif/script-playground/internal/session"
)

// Server owns the router and every long-lived dependency behind it. The
// database and the session manager are closed on shutdown; the executor
// belongs to the caller.
type Server struct {
	router   *chi.Mux
	config   *config.Config
	logger   *slog.Logger
	db       *sqliteRepo.DB
	sessions *session.Manager
	metrics  *metrics.Metrics
}

// New opens the script store and builds the router. Sessions boot their
// contexts through exec.
func New(cfg *config.Config, exec executor.Executor, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	m := metrics.New()

	sessCfg := session.DefaultConfig()
	sessions := session.NewManager(exec, session.ManagerConfig{
		MaxSessions: cfg.Session.MaxSessions,
		IdleTTL:     cfg.Session.IdleTTL,
		Session:     sessCfg,
	}, logger, m)

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		db:       db,
		sessions: sessions,
		metrics:  m,
	}

	if err := s.setupRoutes(); err != nil {
		sessions.Close()
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes:
//
//	GET    /                              editor page
//	GET    /healthz                       liveness and database check
//	GET    /metrics                       Prometheus exposition
//	POST   /api/sessions                  create a session (returns its token)
//	DELETE /api/sessions/{id}             end a session          [token]
//	POST   /api/sessions/{id}/run         start a run            [token]
//	GET    /api/sessions/{id}/lines       current display        [token]
//	GET    /api/sessions/{id}/stream      websocket of updates   [token]
//	GET    /api/scripts                   list saved scripts
//	GET    /api/scripts/{key}             load a script
//	PUT    /api/scripts/{key}             save a script
//	DELETE /api/scripts/{key}             delete a script
//	GET    /api/scripts/{key}/export      download a script
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(s.metrics.Middleware)

	playgroundHandler, err := handler.NewPlaygroundHandler(s.logger)
	if err != nil {
		return fmt.Errorf("creating playground handler: %w", err)
	}
	s.router.Get("/", playgroundHandler.HandlePlayground)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	var tokens *auth.TokenService
	if s.config.Auth.JWTSecret != "" {
		tokens, err = auth.NewTokenService(s.config.Auth.JWTSecret, s.config.Auth.TokenTTL)
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
	} else {
		s.logger.Warn("JWT_SECRET not set, session tokens are disabled")
	}

	scriptService := service.NewScriptService(s.db, s.logger, s.config.Session.MaxCodeLength)
	scriptHandler := handler.NewScriptHandler(scriptService, s.logger)
	sessionHandler := handler.NewSessionHandler(s.sessions, tokens, scriptService.MaxCodeLength(), s.metrics.WSConnections, s.logger)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/sessions", sessionHandler.HandleCreate)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(auth.RequireSession(tokens, "id"))
			r.Delete("/", sessionHandler.HandleDelete)
			r.Post("/run", sessionHandler.HandleRun)
			r.Get("/lines", sessionHandler.HandleLines)
			r.Get("/stream", sessionHandler.HandleStream)
		})

		r.Get("/scripts", scriptHandler.HandleList)
		r.Get("/scripts/{key}", scriptHandler.HandleGet)
		r.Put("/scripts/{key}", scriptHandler.HandlePut)
		r.Delete("/scripts/{key}", scriptHandler.HandleDelete)
		r.Get("/scripts/{key}/export", scriptHandler.HandleExport)
	})

	return nil
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Database string `json:"database"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Sessions: s.sessions.Len(), Database: "ok"}
	status := http.StatusOK
	if err := s.db.Ping(); err != nil {
		s.logger.Error("health check failed", slog.String("error", err.Error()))
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Close ends every session and closes the database.
func (s *Server) Close() error {
	s.sessions.Close()
	return s.db.Close()
}

// Start serves until SIGINT or SIGTERM, then drains in-flight requests for
// up to SHUTDOWN_TIMEOUT and closes everything the server owns.
func (s *Server) Start() error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error("failed to close server resources", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Server.Port)),
			slog.String("executor", s.config.Executor.Backend),
			slog.String("database", s.config.Storage.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		// Streams are hijacked and not tracked by Shutdown; ending the
		// sessions closes them.
		s.sessions.Close()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
