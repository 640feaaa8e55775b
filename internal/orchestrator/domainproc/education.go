package domainproc

import (
	"context"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nexus-agents/orchestrator-core/internal/entity"
	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
)

// PrivateSchools is the reference domain processor for domain_hint
// "education.private_schools" (spec.md §8 scenario S2). It extracts school
// candidates from fetched pages' structured content, falling back to a
// bare-name candidate from the search hit itself when a page wasn't fetched
// or its content isn't structured.
type PrivateSchools struct{}

func init() {
	Register("education.private_schools", PrivateSchools{})
}

var schoolAttributes = []string{"name", "address", "website", "enrollment", "tuition"}

func (PrivateSchools) Extract(_ context.Context, _ string, attributes []string, results []gateway.SearchResult, docs []gateway.Document) ([]entity.Candidate, error) {
	if len(attributes) == 0 {
		attributes = schoolAttributes
	}
	seenURL := make(map[string]bool, len(docs))
	var out []entity.Candidate

	for _, doc := range docs {
		seenURL[doc.URL] = true
		parsed := gjson.Parse(doc.Content)
		cand := entity.Candidate{
			SourceURL:  doc.URL,
			Confidence: 0.7,
			ObservedAt: time.Now().UTC(),
			Attributes: make(map[string]interface{}),
		}
		if name := parsed.Get("name").String(); name != "" {
			cand.Name = name
		} else {
			cand.Name = doc.Title
		}
		for _, attr := range attributes {
			if v := parsed.Get(attr); v.Exists() {
				cand.Attributes[attr] = coerceSchoolValue(attr, v)
			}
		}
		if id := parsed.Get("nces_id").String(); id != "" {
			cand.UniqueIdentifier = id
		}
		if cand.Name != "" {
			out = append(out, cand)
		}
	}

	for _, r := range results {
		if seenURL[r.URL] {
			continue
		}
		if r.Title == "" {
			continue
		}
		out = append(out, entity.Candidate{
			Name:       r.Title,
			SourceURL:  r.URL,
			Confidence: 0.3,
			ObservedAt: time.Now().UTC(),
			Attributes: map[string]interface{}{"website": r.URL},
		})
	}
	return out, nil
}

// coerceSchoolValue maps a gjson result to a native Go value appropriate for
// the attribute, so enrollment/tuition land as numbers rather than strings.
func coerceSchoolValue(attr string, v gjson.Result) interface{} {
	switch attr {
	case "enrollment":
		if n, err := strconv.Atoi(v.String()); err == nil {
			return n
		}
		return int(v.Int())
	case "tuition":
		return v.Float()
	default:
		return v.String()
	}
}
