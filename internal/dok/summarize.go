package dok

import (
	"context"
	"strings"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// Summarize writes one source summary (DOK-1), enforcing that every fact is
// non-empty and within cfg.MaxFactLength and that the summary itself is
// self-contained (non-empty) text, per spec.md §4.7.
func Summarize(ctx context.Context, s store.Store, cfg Config, taskID, sourceID, subtopic, summary string, facts []string) (store.SourceSummary, error) {
	if strings.TrimSpace(summary) == "" {
		return store.SourceSummary{}, nerrors.InvariantViolation("source summary must not be empty")
	}
	if err := validateFacts(facts, cfg.MaxFactLength); err != nil {
		return store.SourceSummary{}, err
	}
	return s.AppendSourceSummary(ctx, store.SourceSummary{
		SourceID:  sourceID,
		TaskID:    taskID,
		Subtopic:  subtopic,
		Summary:   summary,
		DOK1Facts: facts,
		DOKLevel:  1,
	})
}
