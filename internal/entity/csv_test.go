package entity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

func TestRenderCSV_ColumnOrderAndSemicolonJoin(t *testing.T) {
	entities := []store.AggregatedEntity{
		{
			UniqueIdentifier:       "acme-widgets",
			ConsolidatedAttributes: map[string]interface{}{"name": "Acme Widgets", "headcount": 120, "state": "TX"},
			SourceTasks:            []string{"task-a", "task-b"},
			ConfidenceScore:        0.82,
			UpdatedAt:              time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}

	out, err := RenderCSV(entities)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "name,unique_identifier,headcount,state,source_tasks,confidence_score,updated_at", lines[0])
	assert.Equal(t, "Acme Widgets,acme-widgets,120,TX,task-a;task-b,0.8200,2026-01-02T03:04:05Z", lines[1])
}

func TestRenderCSV_EmptyUniqueIdentifier(t *testing.T) {
	entities := []store.AggregatedEntity{
		{ConsolidatedAttributes: map[string]interface{}{"name": "Nameless"}},
	}
	out, err := RenderCSV(entities)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "Nameless,,"))
}
