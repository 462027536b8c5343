package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/yinghuzhu/mediacraft-api/internal/scheduler"
	"github.com/yinghuzhu/mediacraft-api/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// Result downloads stream whole video artifacts, so the write window
	// is far wider than a JSON API would need.
	writeTimeout = 5 * time.Minute
)

// Server exposes the task API over HTTP.
type Server struct {
	router *chi.Mux
	store  store.Store
	sched  *scheduler.Scheduler
	logger *slog.Logger
	addr   string
}

// NewServer builds the router with its middleware chain and routes.
// corsOrigins lists the origins allowed to call the API; empty allows all.
func NewServer(addr string, s store.Store, sched *scheduler.Scheduler, logger *slog.Logger, corsOrigins []string) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		store:  s,
		sched:  sched,
		logger: logger,
		addr:   addr,
	}

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleSubmitTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/events", s.handleGetTaskEvents)
		r.Get("/{id}/download", s.handleDownloadResult)
		r.Post("/{id}/cancel", s.handleCancelTask)
	})
}

// Router exposes the underlying chi mux, mainly for httptest servers.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until SIGINT/SIGTERM or a listener failure, then drains
// in-flight requests within shutdownTimeout.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware emits one structured line per request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(begin).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
