// Package api provides the local debug/control HTTP server for the job
// engine: queue status and commands, stalled/mismatch metrics and profile
// management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/broker-protection/internal/calculator"
	"github.com/broker-protection/internal/logging"
	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/queue"
	"github.com/gorilla/mux"
)

// QueueController is the queue surface the server drives.
type QueueController interface {
	Status() queue.Status
	Execute(ctx context.Context, cmd queue.Command, errorHandler func(*queue.ErrorCollection), completion func()) error
	StartImmediateScans(ctx context.Context, errorHandler func(*queue.ErrorCollection), completion func())
	Stop()
}

// Repository is the persistence surface the handlers consume.
type Repository interface {
	FetchAllBrokerProfileQueryData(ctx context.Context) ([]models.BrokerProfileQueryData, error)
	FetchFirstEligibleJobDate(ctx context.Context) (*time.Time, error)
	MatchRemovedByUser(ctx context.Context, optOutJobID int64) error
	SaveProfile(ctx context.Context, profile models.Profile) error
	FetchProfile(ctx context.Context) (*models.Profile, error)
	DeleteProfileData(ctx context.Context) error
}

// BrokerSyncer forces a broker-definition refresh.
type BrokerSyncer interface {
	CheckForUpdatesSkippingLimiter(ctx context.Context) error
}

// Server represents the HTTP control server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	queue      QueueController
	repo       Repository
	mismatch   *calculator.MismatchCalculator
	brokerSync BrokerSyncer
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new control server instance.
func NewServer(
	config *ServerConfig,
	queueController QueueController,
	repo Repository,
	mismatch *calculator.MismatchCalculator,
	brokerSync BrokerSyncer,
) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		queue:      queueController,
		repo:       repo,
		mismatch:   mismatch,
		brokerSync: brokerSync,
		config:     config,
		logger:     logging.GetGlobalLogger(),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Queue endpoints
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/commands", s.handleCommand).Methods("POST")

	// Metrics endpoints
	api.HandleFunc("/metrics/stalled", s.handleStalledMetrics).Methods("GET")
	api.HandleFunc("/metrics/mismatches", s.handleMismatches).Methods("GET")
	api.HandleFunc("/schedule/next", s.handleNextEligibleDate).Methods("GET")

	// Profile endpoints
	api.HandleFunc("/profile", s.handleSaveProfile).Methods("PUT")
	api.HandleFunc("/profile", s.handleGetProfile).Methods("GET")
	api.HandleFunc("/profile", s.handleDeleteProfile).Methods("DELETE")

	// Opt-out endpoints
	api.HandleFunc("/optouts/{id}/removed", s.handleMatchRemoved).Methods("POST")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "broker-protection",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting control server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down control server")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
