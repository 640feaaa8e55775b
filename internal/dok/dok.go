// Package dok implements the C7 DOK Synthesis engine: summarization (DOK-1),
// knowledge-tree construction (DOK-1/2), insight generation (DOK-3), and
// spiky-POV generation (DOK-4), each checking its invariants before writing
// through pkg/store.
package dok

import (
	"strings"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
)

// Config controls the synthesis invariants.
type Config struct {
	MaxFactLength   int
	MaxTreeDepth    int
}

func DefaultConfig() Config {
	return Config{MaxFactLength: 280, MaxTreeDepth: 4}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// validateFacts enforces each dok1_fact is non-empty and within the
// configured length, per spec.md §4.7.
func validateFacts(facts []string, maxLen int) error {
	for i, f := range facts {
		f = strings.TrimSpace(f)
		if f == "" {
			return nerrors.InvariantViolation("dok1_facts entry must not be empty").WithDetails("index", i)
		}
		if maxLen > 0 && len(f) > maxLen {
			return nerrors.InvariantViolation("dok1_facts entry exceeds max length").
				WithDetails("index", i).WithDetails("max_length", maxLen)
		}
	}
	return nil
}
