package entity

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// RenderCSV renders entities per spec.md §6's export format: UTF-8, RFC 4180
// quoting, LF line endings; columns name, unique_identifier, then
// alphabetically-sorted attribute columns (the union across all entities,
// excluding name itself), then source_tasks (semicolon-joined) and
// confidence_score, updated_at.
func RenderCSV(entities []store.AggregatedEntity) (string, error) {
	attrSet := make(map[string]bool)
	for _, ent := range entities {
		for k := range ent.ConsolidatedAttributes {
			if k != "name" {
				attrSet[k] = true
			}
		}
	}
	attrCols := make([]string, 0, len(attrSet))
	for k := range attrSet {
		attrCols = append(attrCols, k)
	}
	sort.Strings(attrCols)

	header := append([]string{"name", "unique_identifier"}, attrCols...)
	header = append(header, "source_tasks", "confidence_score", "updated_at")

	sorted := append([]store.AggregatedEntity(nil), entities...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UniqueIdentifier < sorted[j].UniqueIdentifier })

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, ent := range sorted {
		name := ""
		if v, ok := ent.ConsolidatedAttributes["name"]; ok {
			name = fmt.Sprintf("%v", v)
		}
		row := make([]string, 0, len(header))
		row = append(row, name, ent.UniqueIdentifier)
		for _, col := range attrCols {
			if v, ok := ent.ConsolidatedAttributes[col]; ok {
				row = append(row, fmt.Sprintf("%v", v))
			} else {
				row = append(row, "")
			}
		}
		row = append(row,
			strings.Join(ent.SourceTasks, ";"),
			fmt.Sprintf("%.4f", ent.ConfidenceScore),
			ent.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		)
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
