package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

const aggregationFixtureCompletion = `{
	"subspaces":["widget county a","widget county b"],
	"entities":[{"name":"Acme Widgets","unique_identifier":"acme-widgets","confidence":0.9,"attributes":{"headcount":120}}]
}`

func TestRunAggregation_HappyPath(t *testing.T) {
	o, s := newTestOrchestrator(t)
	o.gw.Register(gateway.NewFixtureProvider("test-llm", gateway.ProviderLLM).WithCompleteResponse(aggregationFixtureCompletion), gateway.ProviderOptions{})
	ctx := context.Background()

	task, err := s.UpsertTask(ctx, store.Task{
		Title:        "widget makers",
		ResearchQuery: "enumerate widget makers",
		ResearchType: store.ResearchDataAggregation,
		AggregationConfig: &store.AggregationConfig{
			Entities:    []string{"company"},
			Attributes:  []string{"headcount"},
			SearchSpace: "widget county",
		},
	})
	require.NoError(t, err)

	err = o.RunAggregation(ctx, task)
	require.NoError(t, err)

	final, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, final.Status)

	ops, err := s.ListOperations(ctx, store.OperationFilter{TaskID: task.ID})
	require.NoError(t, err)

	var csvContent string
	for _, op := range ops {
		if op.OperationType == store.OpExportCSV {
			if v, ok := op.OutputData["csv_content"].(string); ok {
				csvContent = v
			}
		}
	}
	require.NotEmpty(t, csvContent)
	assert.True(t, strings.Contains(csvContent, "acme-widgets"))
	assert.True(t, strings.Contains(csvContent, "unique_identifier"))
}

func TestRunAggregation_MissingConfigFails(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	task, err := s.UpsertTask(ctx, store.Task{
		Title:         "no config",
		ResearchQuery: "q",
		ResearchType:  store.ResearchDataAggregation,
	})
	require.NoError(t, err)

	err = o.RunAggregation(ctx, task)
	assert.Error(t, err)

	final, gerr := s.GetTask(ctx, task.ID)
	require.NoError(t, gerr)
	assert.Equal(t, store.TaskFailed, final.Status)
}
