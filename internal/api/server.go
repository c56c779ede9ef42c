// Package api provides the REST and WebSocket server for agentgate.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentgate/agentgate/internal/audit"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/engine"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/monitor"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/state"
	"github.com/agentgate/agentgate/internal/storage"
)

// listCacheTTL bounds how stale the work-order list may get between
// writes. Mutating handlers invalidate eagerly; the TTL covers changes
// made by the scheduler and engine.
const listCacheTTL = 2 * time.Second

// Runner is the engine surface the handlers consume.
type Runner interface {
	Status(runID string) (*order.Run, error)
	ActiveRuns() []*order.Run
	ActiveRunID(workOrderID string) (string, bool)
	CancelWorkOrder(workOrderID, reason string) bool
	RunConfig(runID string) (*engine.RunConfig, error)
	StrategyState(runID string) (*engine.StrategyState, error)
}

// Admitter is the scheduler surface the handlers consume: nudging
// admission after a create and disarming retry timers on cancel.
type Admitter interface {
	Kick()
	Draining() bool
	CancelRetry(workOrderID string) bool
}

// Deps carries the server's collaborators.
type Deps struct {
	Config    *config.Config
	Store     *storage.Store
	Machine   *state.Machine
	Engine    Runner
	Scheduler Admitter
	Audit     *audit.Log
	Hub       *events.Hub
	Monitor   *monitor.Monitor
	Logger    *slog.Logger
}

// Server is the agentgate API server.
type Server struct {
	cfg    *config.Config
	mux    *http.ServeMux
	logger *slog.Logger

	store     *storage.Store
	machine   *state.Machine
	engine    Runner
	scheduler Admitter
	auditLog  *audit.Log
	hub       *events.Hub
	monitor   *monitor.Monitor

	wsHandler *WSHandler
	listCache *listCache
}

// New creates the API server and registers its routes.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       d.Config,
		mux:       http.NewServeMux(),
		logger:    logger,
		store:     d.Store,
		machine:   d.Machine,
		engine:    d.Engine,
		scheduler: d.Scheduler,
		auditLog:  d.Audit,
		hub:       d.Hub,
		monitor:   d.Monitor,
	}
	s.wsHandler = NewWSHandler(d.Hub, d.Store, d.Config.Events.WSCatchUp, logger)
	s.listCache = newListCache(d.Store, listCacheTTL)
	s.registerRoutes()
	return s
}

// Handler returns the server's routing handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	cors := s.corsMiddleware()
	auth := s.authMiddleware()

	// Work orders
	s.mux.HandleFunc("GET /api/v1/work-orders", cors(auth(s.handleListWorkOrders)))
	s.mux.HandleFunc("POST /api/v1/work-orders", cors(auth(s.handleCreateWorkOrder)))
	s.mux.HandleFunc("GET /api/v1/work-orders/{id}", cors(auth(s.handleGetWorkOrder)))
	s.mux.HandleFunc("DELETE /api/v1/work-orders/{id}", cors(auth(s.handleCancelWorkOrder)))

	// Runs
	s.mux.HandleFunc("GET /api/v1/runs", cors(auth(s.handleListRuns)))
	s.mux.HandleFunc("GET /api/v1/runs/{id}", cors(auth(s.handleGetRun)))
	s.mux.HandleFunc("GET /api/v1/runs/{id}/config", cors(auth(s.handleGetRunConfig)))
	s.mux.HandleFunc("GET /api/v1/runs/{id}/strategy-state", cors(auth(s.handleGetStrategyState)))

	// Audit trail
	s.mux.HandleFunc("GET /api/v1/audit/runs/{runId}", cors(auth(s.handleAuditTimeline)))
	s.mux.HandleFunc("GET /api/v1/audit/runs/{runId}/snapshots", cors(auth(s.handleAuditSnapshots)))
	s.mux.HandleFunc("GET /api/v1/audit/runs/{runId}/changes", cors(auth(s.handleAuditChanges)))

	// Health endpoints stay unauthenticated so probes work without keys.
	s.mux.HandleFunc("GET /api/v1/health", cors(s.handleHealth))
	s.mux.HandleFunc("GET /api/v1/health/ready", cors(s.handleReady))
	s.mux.HandleFunc("GET /api/v1/health/live", cors(s.handleLive))

	// API documentation
	s.mux.HandleFunc("GET /docs/json", cors(s.handleDocsJSON))
	s.mux.HandleFunc("GET /docs/yaml", cors(s.handleDocsYAML))
	s.mux.HandleFunc("GET /docs/", cors(s.handleDocsUI))

	// WebSocket stream
	s.mux.HandleFunc("GET /api/v1/ws", s.wsHandler.ServeHTTP)
}

// Start runs the HTTP server until the context is cancelled, then
// shuts it down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.wsHandler.Close()
	}()

	s.logger.Info("starting API server", "addr", s.cfg.Server.Addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
