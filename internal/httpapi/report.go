package httpapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// reportSectionOrder is the canonical section ordering for the assembled
// Markdown report, matching the sequence synthesize_report's prompt asks the
// model to produce (internal/orchestrator/analytical.go).
var reportSectionOrder = []store.ReportSection{
	store.SectionKeyFindings,
	store.SectionEvidenceAnalysis,
	store.SectionCausalRelationships,
	store.SectionAlternativeInterpretations,
}

var sectionTitles = map[store.ReportSection]string{
	store.SectionKeyFindings:               "Key Findings",
	store.SectionEvidenceAnalysis:          "Evidence Analysis",
	store.SectionCausalRelationships:       "Causal Relationships",
	store.SectionAlternativeInterpretations: "Alternative Interpretations",
}

// renderAnalyticalReport assembles the Markdown report from the task's
// synthesize_report operation output_data plus the section->source links
// recorded alongside it. Returns an empty-body report with a note if
// synthesize_report never completed (e.g. the task is still running).
func (h *Handler) renderAnalyticalReport(ctx context.Context, task store.Task) (string, error) {
	return RenderAnalyticalReport(ctx, h.store, task)
}

// RenderAnalyticalReport is the exported form of the same assembly, usable by
// cmd/orchestrator's CLI output without depending on a Handler.
func RenderAnalyticalReport(ctx context.Context, s store.Store, task store.Task) (string, error) {
	ops, err := s.ListOperations(ctx, store.OperationFilter{TaskID: task.ID})
	if err != nil {
		return "", err
	}

	var sections map[string]interface{}
	for _, op := range ops {
		if op.OperationType == store.OpSynthesizeReport && op.Status == store.OpCompleted {
			sections = op.OutputData
		}
	}

	var b strings.Builder
	title := task.Title
	if title == "" {
		title = task.ResearchQuery
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if sections == nil {
		b.WriteString("_Report not yet available; synthesize_report has not completed._\n")
		return b.String(), nil
	}

	sectionSources, err := s.ListReportSectionSources(ctx, task.ID)
	if err != nil {
		return "", err
	}
	sourcesBySection := make(map[store.ReportSection][]string)
	for _, link := range sectionSources {
		sourcesBySection[link.Section] = append(sourcesBySection[link.Section], link.SourceID)
	}

	for _, section := range reportSectionOrder {
		body, ok := sections[string(section)]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", sectionTitles[section])
		fmt.Fprintf(&b, "%v\n\n", body)
		if ids := sourcesBySection[section]; len(ids) > 0 {
			fmt.Fprintf(&b, "Sources: %s\n\n", strings.Join(ids, ", "))
		}
	}
	return b.String(), nil
}
