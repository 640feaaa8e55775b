package dok

import (
	"context"
	"strings"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// GenerateSpikyPOV persists one DOK-4 contrarian claim, requiring it cite at
// least one supporting insight and that kind be one of truth/myth, per
// spec.md §4.7.
func GenerateSpikyPOV(ctx context.Context, s store.Store, taskID string, kind store.SpikyPOVKind, statement, reasoning string, insightIDs []string) (store.SpikyPOV, error) {
	if kind != store.POVTruth && kind != store.POVMyth {
		return store.SpikyPOV{}, nerrors.InvariantViolation("spiky_pov kind must be truth or myth").WithDetails("kind", string(kind))
	}
	if strings.TrimSpace(statement) == "" {
		return store.SpikyPOV{}, nerrors.InvariantViolation("spiky_pov statement must not be empty")
	}
	if len(insightIDs) == 0 {
		return store.SpikyPOV{}, nerrors.InvariantViolation("spiky_pov must cite at least one insight")
	}
	return s.AppendSpikyPOV(ctx, store.SpikyPOV{
		TaskID:     taskID,
		Kind:       kind,
		Statement:  statement,
		Reasoning:  reasoning,
		InsightIDs: insightIDs,
	})
}
