package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/chaintrader/internal/server/handler"
	"github.com/alanyoungcy/chaintrader/internal/server/middleware"
	"github.com/alanyoungcy/chaintrader/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RatePerMin  int    // per-client request budget; 0 disables limiting

	// ObserveRequest receives the method and status of every request.
	ObserveRequest func(method string, status int)
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil members leave their routes unregistered.
type Handlers struct {
	Health  *handler.HealthHandler
	Tasks   *handler.TaskHandler
	Books   *handler.BookHandler
	Rules   *handler.RuleHandler
	Events  *handler.EventHandler
	Metrics http.Handler
	WS      *ws.Hub
}

// Server is the operator HTTP and websocket API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// publicPaths skip authentication.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer creates a Server with all routes registered. limiter backs the
// per-client rate limit and may be nil.
func NewServer(cfg Config, handlers Handlers, limiter middleware.Limiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	if h := handlers.Health; h != nil {
		mux.HandleFunc("GET /api/health", h.HealthCheck)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	if h := handlers.Tasks; h != nil {
		mux.HandleFunc("GET /api/tasks", h.ListTasks)
		mux.HandleFunc("POST /api/tasks", h.CreateTask)
		mux.HandleFunc("GET /api/tasks/{id}", h.GetTask)
		mux.HandleFunc("DELETE /api/tasks/{id}", h.DeleteTask)
		mux.HandleFunc("POST /api/tasks/{id}/panic-sell", h.PanicSell)
		mux.HandleFunc("POST /api/tasks/{id}/stop", h.StopTask)
		mux.HandleFunc("GET /api/tasks/{id}/audit", h.TaskAudit)
		mux.HandleFunc("GET /api/tasks/{id}/archive", h.TaskArchive)
		mux.HandleFunc("GET /api/tasks/{id}/archive/latest", h.TaskArchiveLatest)
	}

	if h := handlers.Books; h != nil {
		mux.HandleFunc("GET /api/books", h.ListBooks)
		mux.HandleFunc("GET /api/books/{symbol}", h.GetBook)
		mux.HandleFunc("PUT /api/books/{symbol}/merge", h.SetMerge)
	}

	if h := handlers.Rules; h != nil {
		mux.HandleFunc("GET /api/rules", h.ListRules)
		mux.HandleFunc("POST /api/rules", h.AddRule)
		mux.HandleFunc("GET /api/rules/{id}", h.GetRule)
		mux.HandleFunc("DELETE /api/rules/{id}", h.RemoveRule)
	}

	if h := handlers.Events; h != nil {
		mux.HandleFunc("GET /api/events", h.ListEvents)
	}

	if handlers.WS != nil {
		mux.HandleFunc("GET /api/ws", handlers.WS.HandleWS)
	}

	// Outermost first: CORS, instrumentation, logging, rate limit, auth.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	h = middleware.RateLimit(limiter, cfg.RatePerMin, time.Minute)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.Instrument(cfg.ObserveRequest)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
