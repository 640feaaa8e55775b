package dok

import (
	"context"
	"strings"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// GenerateInsight persists one DOK-3 insight, requiring it cite at least one
// source and clamping its LLM-reported confidence to [0,1], per spec.md §4.7.
func GenerateInsight(ctx context.Context, s store.Store, taskID, category, text string, confidence float64, sourceIDs []string) (store.Insight, error) {
	if strings.TrimSpace(text) == "" {
		return store.Insight{}, nerrors.InvariantViolation("insight text must not be empty")
	}
	if len(sourceIDs) == 0 {
		return store.Insight{}, nerrors.InvariantViolation("insight must cite at least one source")
	}
	return s.AppendInsight(ctx, store.Insight{
		TaskID:      taskID,
		Category:    category,
		InsightText: text,
		Confidence:  clamp01(confidence),
		SourceIDs:   sourceIDs,
	})
}
