package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/store"
	"github.com/me/xvsched/pkg/model"
)

// Kernel is the part of a running kernel the API inspects and controls.
type Kernel interface {
	Procdump() []model.ProcInfo
	Process(pid int) (model.ProcInfo, error)
	Snapshot() model.SchedSnapshot
	Uptime() uint64
	Halted() bool
	Kill(pid int) error
	RequestCPUShare(pid, percent int) error
}

// Server is the introspection API of a scheduler instance.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	kernel    Kernel      // nil when no kernel is running
	store     store.Store // nil when runs are not persisted
	version   string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithKernel exposes a live kernel under /procs and /sched.
func WithKernel(k Kernel) Option {
	return func(s *Server) {
		s.kernel = k
	}
}

// WithStore exposes recorded runs under /runs.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.config.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", s.config.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		// Live kernel
		r.Group(func(r chi.Router) {
			r.Use(s.requireKernel)
			r.Get("/sched", s.handleSched)
			r.Route("/procs", func(r chi.Router) {
				r.Get("/", s.handleListProcs)
				r.Route("/{pid}", func(r chi.Router) {
					r.Get("/", s.handleGetProc)
					r.Post("/kill", s.handleKillProc)
					r.Put("/share", s.handleSetShare)
				})
			})
		})

		// Recorded runs
		r.Group(func(r chi.Router) {
			r.Use(s.requireStore)
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.handleListRuns)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRun)
					r.Delete("/", s.handleDeleteRun)
					r.Get("/dispatches", s.handleListDispatches)
					r.Get("/levels", s.handleRunLevels)
				})
			})
		})
	})
}
