// Package api exposes the ledger's operational HTTP surface: event intake
// for route handlers, the read-only reporting query, and the privileged
// verification and archival endpoints used by compliance tooling.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/workledger/go-core/internal/archive"
	"github.com/workledger/go-core/internal/ledger"
	"github.com/workledger/go-core/internal/metrics"
	"github.com/workledger/go-core/internal/store"
)

// Config configures the HTTP server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// AuthSecret enables bearer-token auth on the privileged endpoints when
	// non-empty.
	AuthSecret string
}

// Server is the ledger's HTTP server.
type Server struct {
	store      store.Store
	appender   *ledger.Appender
	archiver   *archive.Manager
	metrics    *metrics.Metrics
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	config     Config
}

// New creates the server and registers its routes.
func New(cfg Config, st store.Store, appender *ledger.Appender, archiver *archive.Manager, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if st == nil || appender == nil {
		return nil, fmt.Errorf("store and appender are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		store:    st,
		appender: appender,
		archiver: archiver,
		metrics:  m,
		router:   mux.NewRouter(),
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1/audit").Subrouter()
	if s.config.AuthSecret != "" {
		v1.Use(s.authMiddleware)
	}
	v1.HandleFunc("/events", s.handleEmitEvent).Methods(http.MethodPost)
	v1.HandleFunc("/records", s.handleQueryRecords).Methods(http.MethodGet)
	v1.HandleFunc("/verify", s.handleVerify).Methods(http.MethodGet)
	v1.HandleFunc("/archive", s.handleArchive).Methods(http.MethodPost)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("ledger HTTP server listening", zap.Int("port", s.config.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
