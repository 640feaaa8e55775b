// Package httpapi is the C6-facing REST/WebSocket façade (spec.md §6): thin
// handlers translating HTTP requests directly into calls against the core
// components (store, event bus, orchestrator), with no domain logic of its
// own. The core itself stays transport-agnostic; this package is the one
// place that speaks HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexus-agents/orchestrator-core/internal/orchestrator"
	"github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/eventbus"
	"github.com/nexus-agents/orchestrator-core/pkg/logging"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// Handler bundles the core components the façade dispatches onto. It carries
// no business logic: every method either reads/writes through store directly
// or hands off to internal/orchestrator or internal/entity.
type Handler struct {
	store store.Store
	bus   *eventbus.Bus
	orch  *orchestrator.Orchestrator
	log   *logging.Logger
}

// HandlerOption customizes a Handler at construction, mirroring the
// functional-options idiom applications/httpapi uses for its handler.
type HandlerOption func(*Handler)

// WithEventBus wires the /ws/monitor endpoint. Omitting it leaves /ws/monitor
// returning 503, matching ProviderDegraded-style graceful absence rather than
// a panic.
func WithEventBus(bus *eventbus.Bus) HandlerOption {
	return func(h *Handler) { h.bus = bus }
}

// NewHandler constructs a Handler. orch drives the two research pipelines
// asynchronously from POST /tasks; s is the shared knowledge store.
func NewHandler(s store.Store, orch *orchestrator.Orchestrator, log *logging.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{store: s, orch: orch, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter mounts every endpoint from spec.md §6 onto a chi.Mux.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(recovery(h.log))
	r.Use(requestLogger(h.log))
	r.Use(cors)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.createTask)
		r.Get("/{taskID}", h.getTask)
		r.Delete("/{taskID}", h.deleteTask)
		r.Get("/{taskID}/operations", h.listOperations)
		r.Get("/{taskID}/evidence", h.listEvidence)
		r.Get("/{taskID}/report", h.getReport)
		r.Get("/{taskID}/export/csv", h.exportCSV)
	})

	r.Route("/api/dok/{taskID}", func(r chi.Router) {
		r.Get("/stats", h.dokStats)
		r.Get("/knowledge-tree", h.dokKnowledgeTree)
		r.Get("/insights", h.dokInsights)
		r.Get("/spiky-povs", h.dokSpikyPOVs)
		r.Get("/bibliography", h.dokBibliography)
		r.Get("/source-summaries", h.dokSourceSummaries)
		r.Get("/complete", h.dokComplete)
	})

	r.Route("/api/projects", func(r chi.Router) {
		r.Post("/", h.createProject)
		r.Get("/{projectID}", h.getProject)
		r.Get("/{projectID}/tasks", h.listProjectTasks)
		r.Post("/{projectID}/consolidate", h.consolidateProject)
	})

	r.Get("/ws/monitor", h.monitorWS)

	return r
}

// logCtx builds the detached context a background pipeline run uses: no
// request deadline, but still tagged for structured logging.
func logCtx(taskID string) context.Context {
	return logging.WithTaskID(context.Background(), taskID)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err onto the façade's wire error shape, using
// pkg/errors.ServiceError's HTTPStatus/Code when err carries one and falling
// back to 500 for anything unclassified.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	msg := err.Error()
	if se, ok := errors.As(err); ok {
		status = se.HTTPStatus
		code = se.Code
		msg = se.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": msg, "code": code})
}

// entityRows renders entities for the JSON shape GET /tasks/{id}/report uses
// for data_aggregation tasks and /api/projects/{id}/consolidate's response.
func entityRows(entities []store.AggregatedEntity) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, map[string]interface{}{
			"id":                      e.ID,
			"entity_type":             e.EntityType,
			"consolidated_attributes": e.ConsolidatedAttributes,
			"unique_identifier":       e.UniqueIdentifier,
			"source_tasks":            e.SourceTasks,
			"confidence_score":        e.ConfidenceScore,
			"updated_at":              e.UpdatedAt,
		})
	}
	return rows
}
