package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nexus-agents/orchestrator-core/internal/entity"
	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// createTaskRequest is the POST /tasks body, spec.md §6.
type createTaskRequest struct {
	Title                  string                    `json:"title"`
	ResearchQuery          string                    `json:"research_query"`
	ResearchType           store.ResearchType        `json:"research_type"`
	DataAggregationConfig  *store.AggregationConfig  `json:"data_aggregation_config,omitempty"`
	ProjectID              *string                   `json:"project_id,omitempty"`
	UserID                 string                    `json:"user_id,omitempty"`
}

// createTask validates the request, persists a pending Task, and kicks off
// the matching pipeline in the background. The HTTP response returns as soon
// as the task row exists; callers poll GET /tasks/{id} or watch /ws/monitor
// for progress.
func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, nerrors.InvalidInput("body", err.Error()))
		return
	}
	if strings.TrimSpace(req.ResearchQuery) == "" {
		writeError(w, nerrors.InvalidInput("research_query", "required"))
		return
	}
	if req.ResearchType != store.ResearchAnalyticalReport && req.ResearchType != store.ResearchDataAggregation {
		writeError(w, nerrors.InvalidInput("research_type", "must be analytical_report or data_aggregation"))
		return
	}
	if req.ResearchType == store.ResearchDataAggregation && req.DataAggregationConfig == nil {
		writeError(w, nerrors.InvalidInput("data_aggregation_config", "required when research_type=data_aggregation"))
		return
	}

	task, err := h.store.UpsertTask(r.Context(), store.Task{
		Title:             req.Title,
		ResearchQuery:     req.ResearchQuery,
		ResearchType:      req.ResearchType,
		ProjectID:         req.ProjectID,
		AggregationConfig: req.DataAggregationConfig,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	go h.runPipeline(task)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"task_id":       task.ID,
		"status":        task.Status,
		"research_type": task.ResearchType,
		"created_at":    task.CreatedAt,
	})
}

// runPipeline dispatches task onto the pipeline its research_type names.
// Runs detached from the originating request; the task's status and events
// are how a caller observes its outcome.
func (h *Handler) runPipeline(task store.Task) {
	ctx := logCtx(task.ID)
	var err error
	switch task.ResearchType {
	case store.ResearchDataAggregation:
		err = h.orch.RunAggregation(ctx, task)
	default:
		err = h.orch.RunAnalytical(ctx, task)
	}
	if err != nil && h.log != nil {
		h.log.WithError(err).WithFields(map[string]interface{}{"task_id": task.ID}).Warn("httpapi: pipeline ended with error")
	}
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	ops, err := h.store.ListOperations(r.Context(), store.OperationFilter{TaskID: taskID})
	if err != nil {
		writeError(w, err)
		return
	}
	counts := map[string]int{}
	for _, op := range ops {
		counts[string(op.Status)]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":              task,
		"operation_counts":  counts,
		"operations_total":  len(ops),
	})
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := h.store.DeleteTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listOperations(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ops, err := h.store.ListOperations(r.Context(), store.OperationFilter{TaskID: taskID})
	if err != nil {
		writeError(w, err)
		return
	}
	rows := make([]map[string]interface{}, 0, len(ops))
	for _, op := range ops {
		evidence, err := h.store.ListEvidence(r.Context(), op.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		rows = append(rows, map[string]interface{}{
			"operation":      op,
			"evidence_count": len(evidence),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) listEvidence(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	evidence, err := h.store.ListEvidenceByTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	ops, err := h.store.ListOperations(r.Context(), store.OperationFilter{TaskID: taskID})
	if err != nil {
		writeError(w, err)
		return
	}
	providers := make(map[string]bool)
	for _, ev := range evidence {
		if ev.Provider != "" {
			providers[ev.Provider] = true
		}
	}
	providerList := make([]string, 0, len(providers))
	for p := range providers {
		providerList = append(providerList, p)
	}
	sort.Strings(providerList)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evidence":               evidence,
		"total_evidence_items":   len(evidence),
		"search_providers_used":  providerList,
		"operations_count":       len(ops),
	})
}

// getReport returns the Markdown analytical report or, for data_aggregation
// tasks, the JSON entity list, per spec.md §6.
func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	if task.ResearchType == store.ResearchDataAggregation {
		entities, err := h.store.ListEntities(r.Context(), store.EntityFilter{TaskID: taskID})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entityRows(entities))
		return
	}

	md, err := h.renderAnalyticalReport(r.Context(), task)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(md))
}

// exportCSV renders GET /tasks/{id}/export/csv using the same entity.RenderCSV
// the export_csv pipeline op uses, so the on-demand download and the
// pipeline's recorded op.output_data never diverge.
func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	entities, err := h.store.ListEntities(r.Context(), store.EntityFilter{TaskID: taskID})
	if err != nil {
		writeError(w, err)
		return
	}
	content, err := entity.RenderCSV(entities)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", taskID+".csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(content))
}
