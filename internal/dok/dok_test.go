package dok

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

func TestSummarize_RejectsOverlongFact(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	cfg := Config{MaxFactLength: 10, MaxTreeDepth: 4}

	_, err := Summarize(context.Background(), s, cfg, "task-1", "src-1", "sub", "a summary", []string{"this fact is way too long for the cap"})
	assert.Error(t, err)
}

func TestSummarize_HappyPath(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	sum, err := Summarize(context.Background(), s, DefaultConfig(), "task-1", "src-1", "sub", "a summary", []string{"fact one"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.DOKLevel)
}

func TestBuildKnowledgeTree_RejectsForwardParentReference(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	_, err := BuildKnowledgeTree(context.Background(), s, DefaultConfig(), "task-1", []NodeInput{
		{Key: "child", ParentKey: "root", Category: "c", Summary: "s", Leaves: []LeafSource{{SourceID: "src-1", RelevanceScore: 0.5}}},
		{Key: "root", Category: "c", Summary: "root summary"},
	})
	assert.Error(t, err)
}

func TestBuildKnowledgeTree_RejectsDepthOverflow(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	cfg := Config{MaxFactLength: 280, MaxTreeDepth: 2}
	_, err := BuildKnowledgeTree(context.Background(), s, cfg, "task-1", []NodeInput{
		{Key: "a", Category: "c", Summary: "s1"},
		{Key: "b", ParentKey: "a", Category: "c", Summary: "s2"},
		{Key: "c", ParentKey: "b", Category: "c", Summary: "s3", Leaves: []LeafSource{{SourceID: "src-1", RelevanceScore: 0.5}}},
	})
	assert.Error(t, err)
}

func TestBuildKnowledgeTree_RejectsBadRelevanceScore(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	_, err := BuildKnowledgeTree(context.Background(), s, DefaultConfig(), "task-1", []NodeInput{
		{Key: "leaf", Category: "c", Summary: "s", Leaves: []LeafSource{{SourceID: "src-1", RelevanceScore: 1.5}}},
	})
	assert.Error(t, err)
}

func TestBuildKnowledgeTree_RejectsUnsourcedLeafInMultiNodeForest(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	_, err := BuildKnowledgeTree(context.Background(), s, DefaultConfig(), "task-1", []NodeInput{
		{Key: "root", Category: "demographics", Summary: "root summary"},
		{Key: "branch", ParentKey: "root", Category: "demographics", Summary: "branch summary"},
		{Key: "sourced-leaf", ParentKey: "root", Category: "demographics", Summary: "sourced leaf",
			Leaves: []LeafSource{{SourceID: "src-1", RelevanceScore: 0.8}}},
	})
	assert.Error(t, err)
}

func TestBuildKnowledgeTree_HappyPath(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	nodes, err := BuildKnowledgeTree(context.Background(), s, DefaultConfig(), "task-1", []NodeInput{
		{Key: "root", Category: "demographics", Summary: "root summary"},
		{Key: "leaf", ParentKey: "root", Category: "demographics", Subcategory: "enrollment", Summary: "leaf summary",
			Leaves: []LeafSource{{SourceID: "src-1", RelevanceScore: 0.8}}},
	})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Nil(t, nodes[0].ParentID)
	assert.NotNil(t, nodes[1].ParentID)
	assert.Equal(t, nodes[0].ID, *nodes[1].ParentID)
}

func TestGenerateInsight_RequiresSource(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	_, err := GenerateInsight(context.Background(), s, "task-1", "cat", "an insight", 1.5, nil)
	assert.Error(t, err)
}

func TestGenerateInsight_ClampsConfidence(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	ins, err := GenerateInsight(context.Background(), s, "task-1", "cat", "an insight", 1.5, []string{"src-1"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, ins.Confidence)
}

func TestGenerateSpikyPOV_RequiresInsight(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	_, err := GenerateSpikyPOV(context.Background(), s, "task-1", store.POVTruth, "statement", "reasoning", nil)
	assert.Error(t, err)
}

func TestGenerateSpikyPOV_RejectsInvalidKind(t *testing.T) {
	s := store.NewMemory(store.DefaultConfig())
	_, err := GenerateSpikyPOV(context.Background(), s, "task-1", store.SpikyPOVKind("rumor"), "statement", "reasoning", []string{"insight-1"})
	assert.Error(t, err)
}
