// Package entity implements the C8 Entity Resolution engine: filtering raw
// extraction candidates, grouping them into identities, merging attributes by
// confidence with a recency tiebreak, and writing the consolidated rows
// through pkg/store.UpsertEntity, which owns the lineage/average-confidence
// bookkeeping.
package entity

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// Candidate is one raw entity observation emitted by extract_entities (an
// LLM call or a domain processor), per spec.md §4.8.
type Candidate struct {
	Name             string
	Attributes       map[string]interface{}
	UniqueIdentifier string
	Confidence       float64
	SourceURL        string
	ObservedAt       time.Time
}

var punctuation = regexp.MustCompile(`[^a-z0-9\s]`)
var whitespace = regexp.MustCompile(`\s+`)

// normalizeName lowercases, strips punctuation, and collapses whitespace, per
// spec.md §4.8's name-matching rule.
func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = punctuation.ReplaceAllString(n, "")
	n = whitespace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// FilterEmpty drops candidates with an empty name, per spec.md §4.8.
func FilterEmpty(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// identityKey groups a candidate by unique_identifier when present, else by
// normalized name.
func identityKey(c Candidate) string {
	if c.UniqueIdentifier != "" {
		return "uid:" + c.UniqueIdentifier
	}
	return "name:" + normalizeName(c.Name)
}

type group struct {
	identity         string
	uniqueIdentifier string
	candidates       []Candidate
}

func groupCandidates(candidates []Candidate) []*group {
	byKey := make(map[string]*group)
	var order []string
	for _, c := range candidates {
		key := identityKey(c)
		g, ok := byKey[key]
		if !ok {
			g = &group{identity: key, uniqueIdentifier: c.UniqueIdentifier}
			byKey[key] = g
			order = append(order, key)
		}
		g.candidates = append(g.candidates, c)
		if g.uniqueIdentifier == "" {
			g.uniqueIdentifier = c.UniqueIdentifier
		}
	}
	groups := make([]*group, 0, len(order))
	for _, key := range order {
		groups = append(groups, byKey[key])
	}
	return groups
}

// mergeAttribute picks the winning value for one attribute across candidates
// that set it: the value with the highest summed confidence across all
// candidates sharing it, ties broken by the most recent observation.
func mergeAttribute(candidates []Candidate, attr string) (interface{}, float64, time.Time) {
	type tally struct {
		value      interface{}
		confidence float64
		latest     time.Time
	}
	byValue := make(map[interface{}]*tally)
	var order []interface{}
	for _, c := range candidates {
		v, ok := c.Attributes[attr]
		if !ok {
			continue
		}
		t, exists := byValue[v]
		if !exists {
			t = &tally{value: v}
			byValue[v] = t
			order = append(order, v)
		}
		t.confidence += c.Confidence
		if c.ObservedAt.After(t.latest) {
			t.latest = c.ObservedAt
		}
	}
	var best *tally
	for _, v := range order {
		t := byValue[v]
		if best == nil || t.confidence > best.confidence ||
			(t.confidence == best.confidence && t.latest.After(best.latest)) {
			best = t
		}
	}
	if best == nil {
		return nil, 0, time.Time{}
	}
	return best.value, best.confidence, best.latest
}

// attributeNames returns the union of attribute keys set by any candidate in
// the group, plus "name" itself so the canonical name survives the merge.
func attributeNames(candidates []Candidate) []string {
	seen := map[string]bool{"name": true}
	var names []string
	for k := range seen {
		names = append(names, k)
	}
	for _, c := range candidates {
		for k := range c.Attributes {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	return names
}

// Resolve groups candidates into identities and writes one consolidated
// AggregatedEntity per identity, merging attributes by confidence-then-
// recency and recording every observed value in data_lineage via
// pkg/store.UpsertEntity.
func Resolve(ctx context.Context, s store.Store, scope store.EntityScope, entityType, sourceTaskID string, candidates []Candidate) ([]store.AggregatedEntity, error) {
	candidates = FilterEmpty(candidates)
	groups := groupCandidates(candidates)

	var out []store.AggregatedEntity
	for _, g := range groups {
		attrs := make(map[string]interface{})
		lineageDelta := make(map[string]store.LineageEntry)

		for _, attr := range attributeNames(g.candidates) {
			var values []Candidate
			if attr == "name" {
				for _, c := range g.candidates {
					values = append(values, Candidate{Attributes: map[string]interface{}{"name": c.Name}, Confidence: c.Confidence, ObservedAt: c.ObservedAt})
				}
			} else {
				values = g.candidates
			}
			val, confidence, observedAt := mergeAttribute(values, attr)
			if val == nil {
				continue
			}
			attrs[attr] = val
			if observedAt.IsZero() {
				observedAt = time.Now().UTC()
			}
			lineageDelta[attr] = store.LineageEntry{
				TaskID:     sourceTaskID,
				Confidence: confidence,
				Timestamp:  observedAt,
				Value:      val,
			}
		}

		// pkg/store keys a consolidated row by this identity string; fall
		// back to the normalized name when no domain unique_identifier was
		// supplied so distinct name-grouped identities don't collide on "".
		identity := g.uniqueIdentifier
		if identity == "" {
			identity = strings.TrimPrefix(g.identity, "name:")
		}
		ent, err := s.UpsertEntity(ctx, scope, entityType, identity, attrs, lineageDelta, sourceTaskID)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}
