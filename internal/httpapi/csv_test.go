package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/internal/entity"
	"github.com/nexus-agents/orchestrator-core/internal/ledger"
	"github.com/nexus-agents/orchestrator-core/internal/orchestrator"
	"github.com/nexus-agents/orchestrator-core/pkg/coordinator"
	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()
	s := store.NewMemory(store.DefaultConfig())
	l := ledger.New(s)
	c := coordinator.New(coordinator.DefaultConfig(), nil, nil, nil)
	c.Start()
	t.Cleanup(c.Stop)
	gw := gateway.New()
	orch := orchestrator.New(orchestrator.DefaultConfig(), s, l, c, gw, nil, nil)
	return NewHandler(s, orch, nil), s
}

// TestExportCSV_MatchesRenderCSV seeds entities directly into the store
// (bypassing the pipeline, which internal/orchestrator/aggregation_test.go
// already covers end-to-end) and asserts the HTTP endpoint's body is
// byte-identical to calling entity.RenderCSV on the same rows, guarding
// against the façade growing a second, divergent CSV renderer.
func TestExportCSV_MatchesRenderCSV(t *testing.T) {
	h, s := newTestHandler(t)
	ctx := context.Background()

	task, err := s.UpsertTask(ctx, store.Task{
		Title:        "widget makers",
		ResearchQuery: "enumerate widget makers",
		ResearchType: store.ResearchDataAggregation,
		AggregationConfig: &store.AggregationConfig{
			Entities:    []string{"company"},
			SearchSpace: "widget county",
		},
	})
	require.NoError(t, err)

	_, err = s.UpsertEntity(ctx, store.EntityScope{TaskID: task.ID}, "company", "acme-widgets",
		map[string]interface{}{"name": "Acme Widgets", "headcount": 120},
		map[string]store.LineageEntry{"headcount": {TaskID: task.ID, Confidence: 0.9}},
		task.ID)
	require.NoError(t, err)

	entities, err := s.ListEntities(ctx, store.EntityFilter{TaskID: task.ID})
	require.NoError(t, err)
	want, err := entity.RenderCSV(entities)
	require.NoError(t, err)

	router := NewRouter(h)
	req := httptest.NewRequest(http.MethodGet, "/tasks/"+task.ID+"/export/csv", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, want, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv"))
}

func TestExportCSV_EmptyTaskReturnsHeaderOnly(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(h)
	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist/export/csv", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "name,unique_identifier,source_tasks,confidence_score,updated_at\n", rec.Body.String())
}
