// Package server exposes the knowledge graph over HTTP.
//
// Authentication happens upstream (reverse proxy or sidecar); the server
// reads the verified principal from trusted request headers, applies the
// rate guards, and dispatches to the domain services. Every error leaves
// as a {code, message} envelope with the HTTP status derived from the
// error taxonomy.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gnosisgraph/gnosis/agents"
	"github.com/gnosisgraph/gnosis/approval"
	"github.com/gnosisgraph/gnosis/audit"
	"github.com/gnosisgraph/gnosis/config"
	"github.com/gnosisgraph/gnosis/graph"
	"github.com/gnosisgraph/gnosis/protocols"
	"github.com/gnosisgraph/gnosis/ratelimit"
	"github.com/gnosisgraph/gnosis/scopes"
)

// ShutdownTimeout bounds graceful drain on Stop.
const ShutdownTimeout = 10 * time.Second

// Server wires the domain services behind the HTTP surface.
type Server struct {
	cfg      *config.Config
	registry *scopes.Registry
	logger   *zap.SugaredLogger

	graph     *graph.Service
	protocols *protocols.Service
	agents    *agents.Service
	workflow  *approval.Workflow
	recorder  *audit.Recorder

	guard   *ratelimit.Guard
	flood   *rate.Limiter
	httpSrv *http.Server
}

// New assembles the full service stack on top of an open, migrated
// database handle.
func New(cfg *config.Config, db *sql.DB, registry *scopes.Registry, logger *zap.SugaredLogger) *Server {
	recorder := audit.NewRecorder(db, registry, logger)
	workflow := approval.NewWorkflow(db, recorder, logger)
	agentSvc := agents.NewService(db, registry, recorder, logger)
	graphSvc := graph.NewService(db, registry, agentSvc, workflow, recorder, logger)
	protocolSvc := protocols.NewService(db, registry, agentSvc, workflow, recorder, logger)

	s := &Server{
		cfg:       cfg,
		registry:  registry,
		logger:    logger,
		graph:     graphSvc,
		protocols: protocolSvc,
		agents:    agentSvc,
		workflow:  workflow,
		recorder:  recorder,
		guard:     ratelimit.NewGuard(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window()),
		flood:     rate.NewLimiter(rate.Limit(cfg.RateLimit.GlobalRPS), int(cfg.RateLimit.GlobalRPS)),
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: s.routes(),
	}
	return s
}

// routes builds the request mux. Each API route runs behind the flood
// limiter, principal extraction, and the per-principal guard, in that
// order.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	api := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.withFloodLimit(s.withPrincipal(s.withRateGuard(h))))
	}

	api("POST /api/entities", s.handleCreateEntity)
	api("GET /api/entities", s.handleListEntities)
	api("GET /api/entities/{id}", s.handleGetEntity)
	api("PATCH /api/entities/{id}", s.handleUpdateEntity)

	api("POST /api/relationships", s.handleCreateRelationship)
	api("GET /api/relationships", s.handleListRelationships)
	api("GET /api/relationships/{id}", s.handleGetRelationship)

	api("POST /api/protocols", s.handleCreateProtocol)
	api("GET /api/protocols", s.handleListProtocols)
	api("GET /api/protocols/{id}", s.handleGetProtocol)
	api("PATCH /api/protocols/{id}", s.handleUpdateProtocol)
	api("GET /api/protocols/{id}/content", s.handleGetProtocolContent)

	api("POST /api/agents", s.handleCreateAgent)
	api("GET /api/agents", s.handleListAgents)
	api("GET /api/agents/{id}", s.handleGetAgent)
	api("PATCH /api/agents/{id}", s.handleUpdateAgent)

	api("GET /api/approvals", s.handleListApprovals)
	api("GET /api/approvals/{id}", s.handleGetApproval)
	api("POST /api/approvals/{id}/approve", s.handleApprove)
	api("POST /api/approvals/{id}/reject", s.handleReject)

	api("GET /api/audit", s.handleQueryAudit)

	return mux
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.cfg.Server.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests, then closes the listener.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	s.logger.Infow("HTTP server draining", "timeout", ShutdownTimeout)
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
