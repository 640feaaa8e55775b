package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nexus-agents/orchestrator-core/internal/entity"
	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

type createProjectRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, nerrors.InvalidInput("body", err.Error()))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, nerrors.InvalidInput("name", "required"))
		return
	}
	project, err := h.store.UpsertProject(r.Context(), store.Project{Name: req.Name})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) listProjectTasks(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	tasks, err := h.store.ListTasks(r.Context(), store.TaskFilter{ProjectID: &projectID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// consolidateProject triggers C8 across every data_aggregation task in the
// project, per spec.md §6.
func (h *Handler) consolidateProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	entities, err := entity.Consolidate(r.Context(), h.store, projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entityRows(entities))
}
