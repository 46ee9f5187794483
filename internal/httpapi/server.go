// Package httpapi exposes the engine over HTTP. Everything under /v1 runs
// behind the JWT middleware and is tenant-scoped by the token's claims.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/actions"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/auth"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/db"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/orchestrator"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/personas"
)

// APIStore is the persistence the handlers read and mutate directly;
// action transitions go through the engine, never through here.
type APIStore interface {
	ListActions(ctx context.Context, tenantID uuid.UUID, status string, limit int) ([]db.ProposedAction, error)
	ListInstances(ctx context.Context, tenantID uuid.UUID) ([]db.PersonaInstance, error)
	UpdateInstanceAutonomy(ctx context.Context, tenantID, instanceID uuid.UUID, mode string) (bool, error)
	SetInstanceStatus(ctx context.Context, tenantID, instanceID uuid.UUID, status string) (bool, error)
}

// ActionEngine is the lifecycle surface the approval endpoints call.
type ActionEngine interface {
	Approve(ctx context.Context, tenantID, actionID uuid.UUID, approvedBy, channel string) (actions.View, error)
	Reject(ctx context.Context, tenantID, actionID uuid.UUID, rejectedBy, reason string) (actions.View, error)
	ViewsOf(ctx context.Context, list []db.ProposedAction) []actions.View
}

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP surface.
type Server struct {
	store       APIStore
	engine      ActionEngine
	turns       *orchestrator.TurnService
	catalog     *personas.Catalog
	provisioner *personas.Provisioner
	dbPing      Pinger
	redisPing   Pinger
	middleware  *auth.Middleware
	logger      *zap.Logger
}

// NewServer creates the API server.
func NewServer(store APIStore, engine ActionEngine, turns *orchestrator.TurnService,
	catalog *personas.Catalog, provisioner *personas.Provisioner,
	dbPing, redisPing Pinger, middleware *auth.Middleware, logger *zap.Logger) *Server {
	return &Server{
		store:       store,
		engine:      engine,
		turns:       turns,
		catalog:     catalog,
		provisioner: provisioner,
		dbPing:      dbPing,
		redisPing:   redisPing,
		middleware:  middleware,
		logger:      logger,
	}
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/ai/messages", s.handleSendMessage)
	api.HandleFunc("GET /v1/ai/actions", s.handleListActions)
	api.HandleFunc("POST /v1/ai/actions/{id}/approve", s.handleApprove)
	api.HandleFunc("POST /v1/ai/actions/{id}/reject", s.handleReject)
	api.HandleFunc("GET /v1/ai/employees", s.handleListEmployees)
	api.HandleFunc("PATCH /v1/ai/employees/{id}", s.handleUpdateEmployee)
	api.HandleFunc("POST /v1/ai/employees/provision", s.handleProvision)
	mux.Handle("/v1/", s.middleware.Wrap(api))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := s.dbPing.Ping(r.Context()); err != nil {
		status["postgres"] = err.Error()
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	if err := s.redisPing.Ping(r.Context()); err != nil {
		status["redis"] = err.Error()
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
