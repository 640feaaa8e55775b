package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/nexus-agents/orchestrator-core/internal/entity"
	"github.com/nexus-agents/orchestrator-core/internal/orchestrator/domainproc"
	"github.com/nexus-agents/orchestrator-core/pkg/coordinator"
	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// RunAggregation drives the 5-phase data-aggregation pipeline (spec.md §4.6,
// §4.8): search_space_enumeration, mcp_search, extract_entities,
// resolve_entities, export_csv.
func (o *Orchestrator) RunAggregation(ctx context.Context, task store.Task) error {
	if task.AggregationConfig == nil {
		return o.fail(ctx, task, fmt.Errorf("task %s: data_aggregation requires aggregation_config", task.ID))
	}
	cfg := *task.AggregationConfig

	if err := o.advance(ctx, task.ID, store.TaskRunning, ""); err != nil {
		return err
	}

	if err := o.advance(ctx, task.ID, store.TaskPlanning, ""); err != nil {
		return err
	}
	subspaces, err := o.runSearchSpaceEnumerationPhase(ctx, task, cfg)
	if err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskSearching, ""); err != nil {
		return err
	}
	hits, err := o.runAggregationSearchPhase(ctx, task, subspaces)
	if err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskBuildingKnowledge, ""); err != nil {
		return err
	}
	candidates, err := o.runExtractEntitiesPhase(ctx, task, cfg, hits)
	if err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskGeneratingInsights, ""); err != nil {
		return err
	}
	entities, err := o.runResolveEntitiesPhase(ctx, task, candidates)
	if err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskSynthesizing, ""); err != nil {
		return err
	}
	if err := o.runExportCSVPhase(ctx, task, cfg, entities); err != nil {
		return o.fail(ctx, task, err)
	}

	return o.advance(ctx, task.ID, store.TaskCompleted, "")
}

// runSearchSpaceEnumerationPhase asks the reasoning model to break
// cfg.SearchSpace into concrete search subspaces (e.g. "private schools in
// Texas" -> one subspace per county), a single sequential op.
func (o *Orchestrator) runSearchSpaceEnumerationPhase(ctx context.Context, task store.Task, cfg store.AggregationConfig) ([]string, error) {
	var subspaces []string
	spec, err := o.buildSpec(ctx, task.ID, store.OpSearchSpaceEnumeration, "llm", 10,
		map[string]interface{}{"search_space": cfg.SearchSpace}, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
			prompt := fmt.Sprintf("Enumerate concrete search subspaces covering %q for entity type %v. Respond as JSON {\"subspaces\":[...]}.", cfg.SearchSpace, cfg.Entities)
			res := o.gw.LLMComplete(rctx, o.cfg.ReasoningModel, gateway.ModelReasoning, prompt, nil)
			if err := resultErr(o.cfg.ReasoningModel, res); err != nil {
				return nil, nil, err
			}
			subspaces = parseSubspaces(res.Value.Text)
			if len(subspaces) == 0 {
				subspaces = []string{cfg.SearchSpace}
			}
			return map[string]interface{}{"subspace_count": len(subspaces)}, nil, nil
		})
	if err != nil {
		return nil, err
	}
	ok, failErr := o.runPhase(ctx, task, "search_space_enumeration", o.cfg.MinSuccessRatioSequential, []coordinator.Spec{spec}, nil)
	if !ok {
		return nil, failErr
	}
	return subspaces, nil
}

// aggSearchHit is one subspace's fetched documents, the input to
// extract_entities.
type aggSearchHit struct {
	Subspace string
	Docs     []gateway.Document
	Results  []gateway.SearchResult
}

func (o *Orchestrator) runAggregationSearchPhase(ctx context.Context, task store.Task, subspaces []string) ([]aggSearchHit, error) {
	providers := o.gw.Providers(gateway.ProviderSearch)
	var specs []coordinator.Spec
	hitBySpec := make(map[string]*aggSearchHit)

	for _, subspace := range subspaces {
		subspace := subspace
		hit := &aggSearchHit{Subspace: subspace}
		for _, provider := range providers {
			provider := provider
			spec, err := o.buildSpec(ctx, task.ID, store.OpMCPSearch, "search", 5,
				map[string]interface{}{"subspace": subspace, "provider": provider},
				func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
					res := o.gw.Search(rctx, provider, subspace, nil)
					if err := resultErr(provider, res); err != nil {
						return nil, nil, err
					}
					var evidence []store.Evidence
					for _, sr := range res.Value {
						hit.Results = append(hit.Results, sr)
						evidence = append(evidence, store.Evidence{
							EvidenceType: "search_hit",
							SourceURL:    sr.URL,
							Provider:     provider,
							EvidenceData: map[string]interface{}{"title": sr.Title},
						})
						fr := o.gw.Fetch(rctx, o.cfg.FetchProvider, sr.URL)
						if fr.OK {
							hit.Docs = append(hit.Docs, fr.Value)
						}
					}
					return map[string]interface{}{"hit_count": len(res.Value)}, evidence, nil
				})
			if err != nil {
				return nil, err
			}
			hitBySpec[spec.ID] = hit
			specs = append(specs, spec)
		}
	}

	ok, failErr := o.runPhase(ctx, task, "mcp_search", o.cfg.MinSuccessRatioFanOut, specs, nil)
	if !ok {
		return nil, failErr
	}

	seen := make(map[string]bool)
	var out []aggSearchHit
	for _, spec := range specs {
		hit := hitBySpec[spec.ID]
		if seen[hit.Subspace] {
			continue
		}
		seen[hit.Subspace] = true
		out = append(out, *hit)
	}
	return out, nil
}

func (o *Orchestrator) runExtractEntitiesPhase(ctx context.Context, task store.Task, cfg store.AggregationConfig, hits []aggSearchHit) ([]entity.Candidate, error) {
	var specs []coordinator.Spec
	collected := make(map[string][]entity.Candidate)

	for _, hit := range hits {
		hit := hit
		spec, err := o.buildSpec(ctx, task.ID, store.OpExtractEntities, "llm", 5,
			map[string]interface{}{"subspace": hit.Subspace}, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
				var candidates []entity.Candidate
				if proc, ok := domainproc.Lookup(cfg.DomainHint); ok {
					extracted, err := proc.Extract(rctx, hit.Subspace, cfg.Attributes, hit.Results, hit.Docs)
					if err != nil {
						return nil, nil, err
					}
					candidates = extracted
				} else {
					prompt := fmt.Sprintf("Extract entities of type %v with attributes %v from the documents found for %q. Respond as JSON {\"entities\":[...]}.", cfg.Entities, cfg.Attributes, hit.Subspace)
					res := o.gw.LLMComplete(rctx, o.cfg.TaskModel, gateway.ModelTask, prompt, nil)
					if err := resultErr(o.cfg.TaskModel, res); err != nil {
						return nil, nil, err
					}
					candidates = parseExtractedEntities(res.Value.Text)
				}
				collected[hit.Subspace] = candidates
				return map[string]interface{}{"entity_count": len(candidates)}, nil, nil
			})
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	ok, failErr := o.runPhase(ctx, task, "extract_entities", o.cfg.MinSuccessRatioFanOut, specs, nil)
	if !ok {
		return nil, failErr
	}

	var all []entity.Candidate
	for _, hit := range hits {
		all = append(all, collected[hit.Subspace]...)
	}
	return all, nil
}

func (o *Orchestrator) runResolveEntitiesPhase(ctx context.Context, task store.Task, candidates []entity.Candidate) ([]store.AggregatedEntity, error) {
	var resolved []store.AggregatedEntity
	entityType := "entity"
	if task.AggregationConfig != nil && len(task.AggregationConfig.Entities) > 0 {
		entityType = task.AggregationConfig.Entities[0]
	}

	spec, err := o.buildSpec(ctx, task.ID, store.OpResolveEntities, "synthesis", 10,
		map[string]interface{}{"candidate_count": len(candidates)}, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
			scope := store.EntityScope{ProjectID: task.ProjectID, TaskID: task.ID}
			ents, err := entity.Resolve(rctx, o.store, scope, entityType, task.ID, candidates)
			if err != nil {
				return nil, nil, err
			}
			resolved = ents
			return map[string]interface{}{"entity_count": len(ents)}, nil, nil
		})
	if err != nil {
		return nil, err
	}
	ok, failErr := o.runPhase(ctx, task, "resolve_entities", o.cfg.MinSuccessRatioSequential, []coordinator.Spec{spec}, nil)
	if !ok {
		return nil, failErr
	}
	return resolved, nil
}

// runExportCSVPhase materializes the resolved entities as RFC 4180 CSV
// directly into the operation's output_data, since object storage is out of
// scope (spec.md Non-goals). internal/httpapi's /export/csv endpoint renders
// the same format on demand for external consumption; this op exists so the
// pipeline itself has a record that the export step ran.
func (o *Orchestrator) runExportCSVPhase(ctx context.Context, task store.Task, cfg store.AggregationConfig, entities []store.AggregatedEntity) error {
	spec, err := o.buildSpec(ctx, task.ID, store.OpExportCSV, "synthesis", 10, nil, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
		content, err := entity.RenderCSV(entities)
		if err != nil {
			return nil, nil, err
		}
		hash := sha256.Sum256([]byte(content))
		return map[string]interface{}{
			"csv_content":  content,
			"row_count":    len(entities),
			"content_hash": hex.EncodeToString(hash[:]),
		}, nil, nil
	})
	if err != nil {
		return err
	}
	ok, failErr := o.runPhase(ctx, task, "export_csv", o.cfg.MinSuccessRatioSequential, []coordinator.Spec{spec}, nil)
	if !ok {
		return failErr
	}
	return nil
}
