package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/internal/ledger"
	"github.com/nexus-agents/orchestrator-core/pkg/coordinator"
	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// fixtureCompletion is one canned completion that carries every field any
// pipeline stage's parser looks for, so a single FixtureProvider can stand in
// for the reasoning and task models across an entire run.
const fixtureCompletion = `{
	"subtopics":[{"focus_area":"market size","query":"market size widgets"}],
	"objectives":["assess market size"],
	"deliverables":["report"],
	"key_questions":["how big is the market"],
	"summary":"widgets are a growing market",
	"dok1_facts":["the market grew 10% last year"],
	"nodes":[{"key":"root","parent_key":"","category":"market","subcategory":"size","summary":"overall market sizing","leaves":[{"source_id":"placeholder-source","relevance_score":0.8}]}],
	"insights":[{"category":"market","text":"the market is consolidating","confidence":0.7,"source_ids":["placeholder-source"]}],
	"povs":[{"kind":"truth","statement":"consolidation benefits incumbents","reasoning":"fewer entrants","insight_ids":["placeholder-insight"]}],
	"sections":{"key_findings":"kf","evidence_analysis":"ea","causal_relationships":"cr","alternative_interpretations":"ai"},
	"section_sources":{"key_findings":["placeholder-source"]}
}`

func newTestOrchestrator(t *testing.T) (*Orchestrator, store.Store) {
	t.Helper()
	s := store.NewMemory(store.DefaultConfig())
	l := ledger.New(s)

	ccfg := coordinator.DefaultConfig()
	c := coordinator.New(ccfg, nil, nil, nil)
	c.Start()
	t.Cleanup(c.Stop)

	gw := gateway.New()
	gw.Register(gateway.NewFixtureProvider("test-search", gateway.ProviderSearch), gateway.ProviderOptions{})
	gw.Register(gateway.NewFixtureProvider("test-llm", gateway.ProviderLLM).WithCompleteResponse(fixtureCompletion), gateway.ProviderOptions{})
	gw.Register(gateway.NewFixtureProvider("test-fetch", gateway.ProviderFetch), gateway.ProviderOptions{})

	cfg := DefaultConfig()
	cfg.ReasoningModel = "test-llm"
	cfg.TaskModel = "test-llm"
	cfg.FetchProvider = "test-fetch"

	return New(cfg, s, l, c, gw, nil, nil), s
}

func TestRunAnalytical_HappyPath(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	task, err := s.UpsertTask(ctx, store.Task{
		Title:         "widget market",
		ResearchQuery: "how big is the widget market",
		ResearchType:  store.ResearchAnalyticalReport,
	})
	require.NoError(t, err)

	err = o.RunAnalytical(ctx, task)
	require.NoError(t, err)

	final, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, final.Status)

	summaries, err := s.ListSourceSummaries(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, summaries)

	nodes, err := s.ListKnowledgeNodes(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, nodes)

	insights, err := s.ListInsights(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, insights)
}

func TestRunAnalytical_BuildKnowledgeTreeFailurePropagates(t *testing.T) {
	o, s := newTestOrchestrator(t)
	ctx := context.Background()

	// A root node with no leaf sources (and an empty summary) makes
	// build_knowledge_tree's single sequential op invariant-fail, which should drop the whole task to
	// failed rather than continue synthesizing.
	broken := `{"subtopics":[{"focus_area":"x","query":"x"}],"summary":"s","dok1_facts":["f"],"nodes":[{"key":"root","parent_key":"","category":"c","subcategory":"s","summary":"","leaves":[]}]}`
	o.gw.Register(gateway.NewFixtureProvider("test-llm", gateway.ProviderLLM).WithCompleteResponse(broken), gateway.ProviderOptions{})

	task, err := s.UpsertTask(ctx, store.Task{
		Title:         "empty tree",
		ResearchQuery: "q",
		ResearchType:  store.ResearchAnalyticalReport,
	})
	require.NoError(t, err)

	err = o.RunAnalytical(ctx, task)
	assert.Error(t, err)

	final, gerr := s.GetTask(ctx, task.ID)
	require.NoError(t, gerr)
	assert.Equal(t, store.TaskFailed, final.Status)
}
