package orchestrator

import (
	"github.com/tidwall/gjson"

	"github.com/nexus-agents/orchestrator-core/internal/dok"
	"github.com/nexus-agents/orchestrator-core/internal/entity"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// The orchestrator parses every LLM completion as JSON with gjson, the same
// way pkg/gateway's FixtureProvider and a real adapter would parse a raw
// response body, rather than hand-rolling a second parsing convention.

type subtopic struct {
	Index     int
	FocusArea string
	Query     string
}

func parseSubtopics(text string) []subtopic {
	var out []subtopic
	i := 0
	gjson.Get(text, "subtopics").ForEach(func(_, v gjson.Result) bool {
		out = append(out, subtopic{Index: i, FocusArea: v.Get("focus_area").String(), Query: v.Get("query").String()})
		i++
		return true
	})
	return out
}

type researchPlan struct {
	Objectives   []string
	Deliverables []string
	KeyQuestions []string
}

func parseResearchPlan(text string) researchPlan {
	var p researchPlan
	gjson.Get(text, "objectives").ForEach(func(_, v gjson.Result) bool { p.Objectives = append(p.Objectives, v.String()); return true })
	gjson.Get(text, "deliverables").ForEach(func(_, v gjson.Result) bool { p.Deliverables = append(p.Deliverables, v.String()); return true })
	gjson.Get(text, "key_questions").ForEach(func(_, v gjson.Result) bool { p.KeyQuestions = append(p.KeyQuestions, v.String()); return true })
	return p
}

func parseKnowledgeNodes(text string) []dok.NodeInput {
	var out []dok.NodeInput
	gjson.Get(text, "nodes").ForEach(func(_, v gjson.Result) bool {
		n := dok.NodeInput{
			Key:         v.Get("key").String(),
			ParentKey:   v.Get("parent_key").String(),
			Category:    v.Get("category").String(),
			Subcategory: v.Get("subcategory").String(),
			Summary:     v.Get("summary").String(),
		}
		v.Get("leaves").ForEach(func(_, leaf gjson.Result) bool {
			n.Leaves = append(n.Leaves, dok.LeafSource{SourceID: leaf.Get("source_id").String(), RelevanceScore: leaf.Get("relevance_score").Float()})
			return true
		})
		out = append(out, n)
		return true
	})
	return out
}

type insightInput struct {
	Category   string
	Text       string
	Confidence float64
	SourceIDs  []string
}

func parseInsights(text string) []insightInput {
	var out []insightInput
	gjson.Get(text, "insights").ForEach(func(_, v gjson.Result) bool {
		in := insightInput{Category: v.Get("category").String(), Text: v.Get("text").String(), Confidence: v.Get("confidence").Float()}
		v.Get("source_ids").ForEach(func(_, id gjson.Result) bool { in.SourceIDs = append(in.SourceIDs, id.String()); return true })
		out = append(out, in)
		return true
	})
	return out
}

type povInput struct {
	Kind       store.SpikyPOVKind
	Statement  string
	Reasoning  string
	InsightIDs []string
}

func parsePOVs(text string) []povInput {
	var out []povInput
	gjson.Get(text, "povs").ForEach(func(_, v gjson.Result) bool {
		p := povInput{
			Kind:      store.SpikyPOVKind(v.Get("kind").String()),
			Statement: v.Get("statement").String(),
			Reasoning: v.Get("reasoning").String(),
		}
		v.Get("insight_ids").ForEach(func(_, id gjson.Result) bool { p.InsightIDs = append(p.InsightIDs, id.String()); return true })
		out = append(out, p)
		return true
	})
	return out
}

func parseReportSections(text string) map[store.ReportSection]string {
	sections := map[store.ReportSection]string{
		store.SectionKeyFindings:                gjson.Get(text, "sections.key_findings").String(),
		store.SectionEvidenceAnalysis:            gjson.Get(text, "sections.evidence_analysis").String(),
		store.SectionCausalRelationships:         gjson.Get(text, "sections.causal_relationships").String(),
		store.SectionAlternativeInterpretations:  gjson.Get(text, "sections.alternative_interpretations").String(),
	}
	return sections
}

func parseReportSectionSources(text string) map[store.ReportSection][]string {
	out := make(map[store.ReportSection][]string)
	for _, section := range []store.ReportSection{
		store.SectionKeyFindings, store.SectionEvidenceAnalysis,
		store.SectionCausalRelationships, store.SectionAlternativeInterpretations,
	} {
		path := "section_sources." + string(section)
		gjson.Get(text, path).ForEach(func(_, v gjson.Result) bool {
			out[section] = append(out[section], v.String())
			return true
		})
	}
	return out
}

func parseSubspaces(text string) []string {
	var out []string
	gjson.Get(text, "subspaces").ForEach(func(_, v gjson.Result) bool { out = append(out, v.String()); return true })
	return out
}

// gjsonStringOrFallback reads a top-level string field, returning fallback
// when the field is absent or empty.
func gjsonStringOrFallback(text, field, fallback string) string {
	if v := gjson.Get(text, field).String(); v != "" {
		return v
	}
	return fallback
}

func gjsonStringArray(text, field string) []string {
	var out []string
	gjson.Get(text, field).ForEach(func(_, v gjson.Result) bool { out = append(out, v.String()); return true })
	return out
}

func parseExtractedEntities(text string) []entity.Candidate {
	var out []entity.Candidate
	gjson.Get(text, "entities").ForEach(func(_, v gjson.Result) bool {
		c := entity.Candidate{
			Name:             v.Get("name").String(),
			UniqueIdentifier: v.Get("unique_identifier").String(),
			Confidence:       v.Get("confidence").Float(),
			Attributes:       make(map[string]interface{}),
		}
		v.Get("attributes").ForEach(func(k, val gjson.Result) bool {
			c.Attributes[k.String()] = val.Value()
			return true
		})
		out = append(out, c)
		return true
	})
	return out
}
