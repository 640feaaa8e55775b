package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

func seedAggregationTask(t *testing.T, s store.Store, projectID string) store.Task {
	t.Helper()
	pid := projectID
	task, err := s.UpsertTask(context.Background(), store.Task{
		Title:         "aggregation run",
		ResearchQuery: "private schools in Ohio",
		ResearchType:  store.ResearchDataAggregation,
		ProjectID:     &pid,
	})
	require.NoError(t, err)
	return task
}

func TestConsolidate_MergesOverlappingEntitiesAcrossTasks(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	ctx := context.Background()

	_, err := s.UpsertProject(ctx, store.Project{ID: "proj-1", Name: "Ohio Schools"})
	require.NoError(t, err)

	taskA := seedAggregationTask(t, s, "proj-1")
	taskB := seedAggregationTask(t, s, "proj-1")

	_, err = Resolve(ctx, s, store.EntityScope{TaskID: taskA.ID}, "school", taskA.ID, []Candidate{
		{Name: "Acme School", UniqueIdentifier: "nces-1", Attributes: map[string]interface{}{"enrollment": 300}, Confidence: 0.6},
	})
	require.NoError(t, err)
	_, err = Resolve(ctx, s, store.EntityScope{TaskID: taskB.ID}, "school", taskB.ID, []Candidate{
		{Name: "Acme School", UniqueIdentifier: "nces-1", Attributes: map[string]interface{}{"enrollment": 310}, Confidence: 0.9},
	})
	require.NoError(t, err)

	consolidated, err := Consolidate(ctx, s, "proj-1")
	require.NoError(t, err)
	require.Len(t, consolidated, 1)

	ent := consolidated[0]
	assert.Equal(t, 310, ent.ConsolidatedAttributes["enrollment"])
	lineage := ent.DataLineage["enrollment"]
	assert.Len(t, lineage.Sources, 2)

	taskIDs := map[string]bool{}
	for _, src := range lineage.Sources {
		taskIDs[src.TaskID] = true
	}
	assert.True(t, taskIDs[taskA.ID])
	assert.True(t, taskIDs[taskB.ID])
}

func TestConsolidate_EmptyProjectIDIsInvalid(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	_, err := Consolidate(context.Background(), s, "")
	assert.Error(t, err)
}
