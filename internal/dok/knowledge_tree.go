package dok

import (
	"context"
	"strings"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// LeafSource is one source backing a leaf knowledge node.
type LeafSource struct {
	SourceID       string
	RelevanceScore float64
}

// NodeInput is one LLM-proposed node of the knowledge forest. Key is the
// LLM's own label for the node, used only to resolve ParentKey references
// within this call — it never leaves this package. Nodes must be supplied in
// topological order: a node's ParentKey must reference a Key already seen
// earlier in the slice, which structurally rules out cycles without needing
// a separate graph walk.
type NodeInput struct {
	Key         string
	ParentKey   string
	Category    string
	Subcategory string
	Summary     string
	Leaves      []LeafSource
}

// BuildKnowledgeTree persists a forest of KnowledgeNodes from nodes, in
// order, keeping only string ids between rows (an arena, not in-memory
// pointers) and enforcing spec.md §4.7's invariants: non-empty summary,
// depth bounded by cfg.MaxTreeDepth, every leaf linked to ≥1 source with a
// relevance_score in [0,1], and no cycles.
func BuildKnowledgeTree(ctx context.Context, s store.Store, cfg Config, taskID string, nodes []NodeInput) ([]store.KnowledgeNode, error) {
	maxDepth := cfg.MaxTreeDepth
	if maxDepth <= 0 {
		maxDepth = DefaultConfig().MaxTreeDepth
	}

	// A node's leaf-ness (no children) can only be known once every node has
	// been seen, since a later node may reference an earlier one as its
	// parent. Check the invariant in its own pass, before persisting
	// anything, rather than threading partial child-counts through the main
	// loop below.
	hasChildren := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ParentKey != "" {
			hasChildren[n.ParentKey] = true
		}
	}
	for _, n := range nodes {
		if !hasChildren[n.Key] && len(n.Leaves) == 0 {
			return nil, nerrors.InvariantViolation("leaf knowledge node requires at least one source").WithDetails("key", n.Key)
		}
	}

	idByKey := make(map[string]string, len(nodes))
	depthByKey := make(map[string]int, len(nodes))
	var out []store.KnowledgeNode

	for i, n := range nodes {
		if strings.TrimSpace(n.Summary) == "" {
			return nil, nerrors.InvariantViolation("knowledge node summary must not be empty").WithDetails("index", i)
		}
		if n.Key == "" {
			return nil, nerrors.InvariantViolation("knowledge node requires a key").WithDetails("index", i)
		}
		if _, dup := idByKey[n.Key]; dup {
			return nil, nerrors.InvariantViolation("duplicate knowledge node key").WithDetails("key", n.Key)
		}

		var parentID *string
		depth := 1
		if n.ParentKey != "" {
			if n.ParentKey == n.Key {
				return nil, nerrors.InvariantViolation("knowledge node cannot be its own parent").WithDetails("key", n.Key)
			}
			pid, ok := idByKey[n.ParentKey]
			if !ok {
				return nil, nerrors.InvariantViolation("knowledge node parent_key must precede it").
					WithDetails("key", n.Key).WithDetails("parent_key", n.ParentKey)
			}
			parentID = &pid
			depth = depthByKey[n.ParentKey] + 1
		}
		if depth > maxDepth {
			return nil, nerrors.InvariantViolation("knowledge tree exceeds max depth").
				WithDetails("key", n.Key).WithDetails("depth", depth).WithDetails("max_depth", maxDepth)
		}

		for _, leaf := range n.Leaves {
			if leaf.RelevanceScore < 0 || leaf.RelevanceScore > 1 {
				return nil, nerrors.InvariantViolation("relevance_score must be in [0,1]").
					WithDetails("key", n.Key).WithDetails("source_id", leaf.SourceID)
			}
		}

		dokLevel := 2
		if n.ParentKey == "" {
			dokLevel = 1
		}
		node, err := s.AppendKnowledgeNode(ctx, store.KnowledgeNode{
			TaskID:      taskID,
			ParentID:    parentID,
			Category:    n.Category,
			Subcategory: n.Subcategory,
			Summary:     n.Summary,
			DOKLevel:    dokLevel,
		})
		if err != nil {
			return nil, err
		}
		idByKey[n.Key] = node.ID
		depthByKey[n.Key] = depth
		out = append(out, node)

		for _, leaf := range n.Leaves {
			if err := s.AppendKnowledgeNodeSource(ctx, store.KnowledgeNodeSource{
				KnowledgeNodeID: node.ID,
				SourceID:        leaf.SourceID,
				RelevanceScore:  leaf.RelevanceScore,
			}); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
