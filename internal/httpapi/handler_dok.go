package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// dokStats returns the C7 summary counters spec.md §3 implies a DOK overview
// needs: how many of each artifact kind the task has accumulated so far.
func (h *Handler) dokStats(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ctx := r.Context()

	sources, err := h.store.ListSources(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	summaries, err := h.store.ListSourceSummaries(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	nodes, err := h.store.ListKnowledgeNodes(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	insights, err := h.store.ListInsights(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	povs, err := h.store.ListSpikyPOVs(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source_count":         len(sources),
		"summary_count":        len(summaries),
		"knowledge_node_count": len(nodes),
		"insight_count":        len(insights),
		"spiky_pov_count":      len(povs),
	})
}

func (h *Handler) dokKnowledgeTree(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	nodes, err := h.store.ListKnowledgeNodes(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *Handler) dokInsights(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	insights, err := h.store.ListInsights(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (h *Handler) dokSpikyPOVs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	povs, err := h.store.ListSpikyPOVs(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, povs)
}

func (h *Handler) dokBibliography(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	sources, err := h.store.ListSources(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (h *Handler) dokSourceSummaries(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	summaries, err := h.store.ListSourceSummaries(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

// dokComplete bundles every DOK artifact kind into one payload, for
// collaborators that want the full picture in a single round trip.
func (h *Handler) dokComplete(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	ctx := r.Context()

	sources, err := h.store.ListSources(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	summaries, err := h.store.ListSourceSummaries(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	nodes, err := h.store.ListKnowledgeNodes(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	insights, err := h.store.ListInsights(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	povs, err := h.store.ListSpikyPOVs(ctx, taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bibliography":     sources,
		"source_summaries": summaries,
		"knowledge_tree":   nodes,
		"insights":         insights,
		"spiky_povs":       povs,
	})
}
