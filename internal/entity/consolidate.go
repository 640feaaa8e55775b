package entity

import (
	"context"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// Consolidate implements the `POST /api/projects/{id}/consolidate` handler's
// domain logic (spec.md §6, scenario S6): it gathers every data_aggregation
// task's task-scoped AggregatedEntity rows in the project, re-groups them by
// identity across tasks, and replays the merge rule at project scope so the
// consolidated row's data_lineage carries every contributing task_id.
func Consolidate(ctx context.Context, s store.Store, projectID string) ([]store.AggregatedEntity, error) {
	if projectID == "" {
		return nil, nerrors.InvalidInput("project_id", "required")
	}
	pid := projectID
	tasks, err := s.ListTasks(ctx, store.TaskFilter{ProjectID: &pid})
	if err != nil {
		return nil, err
	}

	byIdentity := make(map[string][]store.AggregatedEntity)
	var entityTypeOf = make(map[string]string)
	var order []string
	for _, task := range tasks {
		if task.ResearchType != store.ResearchDataAggregation {
			continue
		}
		ents, err := s.ListEntities(ctx, store.EntityFilter{TaskID: task.ID})
		if err != nil {
			return nil, err
		}
		for _, ent := range ents {
			key := ent.EntityType + "|" + consolidationIdentity(ent)
			if _, ok := byIdentity[key]; !ok {
				order = append(order, key)
				entityTypeOf[key] = ent.EntityType
			}
			byIdentity[key] = append(byIdentity[key], ent)
		}
	}

	scope := store.EntityScope{ProjectID: &pid}
	var out []store.AggregatedEntity
	for _, key := range order {
		group := byIdentity[key]
		entityType := entityTypeOf[key]
		identity := consolidationIdentity(group[0])

		// Replay every per-task lineage source first so the project-scoped
		// row's data_lineage lists every contributing task_id, matching
		// scenario S6.
		for _, ent := range group {
			for attr, lineage := range ent.DataLineage {
				for _, src := range lineage.Sources {
					if _, err := s.UpsertEntity(ctx, scope, entityType, identity, nil, map[string]store.LineageEntry{attr: src}, src.TaskID); err != nil {
						return nil, err
					}
				}
			}
		}

		attrs := mergeEntityAttributes(group)
		var sourceTaskID string
		if len(group) > 0 {
			sourceTaskID = group[0].TaskID
		}
		ent, err := s.UpsertEntity(ctx, scope, entityType, identity, attrs, nil, sourceTaskID)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}

// consolidationIdentity mirrors identityKey's unique_identifier-else-name
// rule against an already-consolidated AggregatedEntity: the "name" attribute
// it carries stands in for the original candidate's Name.
func consolidationIdentity(ent store.AggregatedEntity) string {
	if ent.UniqueIdentifier != "" {
		return ent.UniqueIdentifier
	}
	if name, ok := ent.ConsolidatedAttributes["name"].(string); ok {
		return normalizeName(name)
	}
	return ent.ID
}

// mergeEntityAttributes picks, per attribute, the value from whichever
// contributing task entity recorded the highest per-attribute average
// confidence, breaking ties on the most recently consolidated task entity.
func mergeEntityAttributes(group []store.AggregatedEntity) map[string]interface{} {
	attrs := make(map[string]interface{})
	best := make(map[string]float64)
	bestAt := make(map[string]int64)
	for _, ent := range group {
		for attr, val := range ent.ConsolidatedAttributes {
			conf := ent.DataLineage[attr].AverageConfidence
			ts := ent.UpdatedAt.Unix()
			cur, known := best[attr]
			if !known || conf > cur || (conf == cur && ts > bestAt[attr]) {
				attrs[attr] = val
				best[attr] = conf
				bestAt[attr] = ts
			}
		}
	}
	return attrs
}
