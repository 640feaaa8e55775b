package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

func TestCreateTask_ValidatesAggregationConfig(t *testing.T) {
	h, _ := newTestHandler(t)
	router := NewRouter(h)

	body, _ := json.Marshal(map[string]interface{}{
		"title":          "widget makers",
		"research_query": "enumerate widget makers",
		"research_type":  store.ResearchDataAggregation,
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTask_HappyPathStartsPipeline(t *testing.T) {
	h, s := newTestHandler(t)
	router := NewRouter(h)

	body, _ := json.Marshal(map[string]interface{}{
		"title":          "widget market",
		"research_query": "how big is the widget market",
		"research_type":  store.ResearchAnalyticalReport,
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	taskID, ok := resp["task_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, taskID)

	_, err := s.GetTask(req.Context(), taskID)
	require.NoError(t, err)

	getReq := httptest.NewRequest(http.MethodGet, "/tasks/"+taskID, nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)

	// The background pipeline has no real search/llm providers registered in
	// newTestHandler, so it fails fast; give it a moment to land before the
	// delete below, then confirm cascading delete removes the task row.
	time.Sleep(50 * time.Millisecond)

	delReq := httptest.NewRequest(http.MethodDelete, "/tasks/"+taskID, nil)
	delRec := httptest.NewRecorder()
	router.ServeHTTP(delRec, delReq)
	assert.Equal(t, http.StatusNoContent, delRec.Code)

	_, err = s.GetTask(req.Context(), taskID)
	assert.Error(t, err)
}
