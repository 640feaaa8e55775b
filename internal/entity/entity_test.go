package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

func TestFilterEmpty_DropsBlankNames(t *testing.T) {
	in := []Candidate{{Name: "Acme School"}, {Name: "  "}, {Name: ""}}
	out := FilterEmpty(in)
	assert.Len(t, out, 1)
	assert.Equal(t, "Acme School", out[0].Name)
}

func TestResolve_GroupsByNormalizedName(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	ctx := context.Background()

	candidates := []Candidate{
		{Name: "Acme School", Attributes: map[string]interface{}{"city": "Springfield"}, Confidence: 0.6, ObservedAt: time.Now().Add(-time.Hour)},
		{Name: "acme  school.", Attributes: map[string]interface{}{"city": "Shelbyville"}, Confidence: 0.9, ObservedAt: time.Now()},
	}

	ents, err := Resolve(ctx, s, store.EntityScope{TaskID: "task-1"}, "school", "task-1", candidates)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "Shelbyville", ents[0].ConsolidatedAttributes["city"])
	assert.Equal(t, "Acme School", ents[0].ConsolidatedAttributes["name"])
}

func TestResolve_PrefersUniqueIdentifierOverName(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	ctx := context.Background()

	candidates := []Candidate{
		{Name: "Acme School", UniqueIdentifier: "nces-001", Attributes: map[string]interface{}{"enrollment": 400}, Confidence: 0.5},
		{Name: "Acme Academy", UniqueIdentifier: "nces-001", Attributes: map[string]interface{}{"enrollment": 420}, Confidence: 0.8},
	}

	ents, err := Resolve(ctx, s, store.EntityScope{TaskID: "task-1"}, "school", "task-1", candidates)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "nces-001", ents[0].UniqueIdentifier)
	assert.Equal(t, 420, ents[0].ConsolidatedAttributes["enrollment"])
}

func TestResolve_RecencyTiebreaksEqualConfidence(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	ctx := context.Background()
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	candidates := []Candidate{
		{Name: "Acme", UniqueIdentifier: "x1", Attributes: map[string]interface{}{"status": "closed"}, Confidence: 0.5, ObservedAt: older},
		{Name: "Acme", UniqueIdentifier: "x1", Attributes: map[string]interface{}{"status": "open"}, Confidence: 0.5, ObservedAt: newer},
	}

	ents, err := Resolve(ctx, s, store.EntityScope{TaskID: "task-1"}, "school", "task-1", candidates)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "open", ents[0].ConsolidatedAttributes["status"])
}
