package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/nexus-agents/orchestrator-core/internal/dok"
	"github.com/nexus-agents/orchestrator-core/pkg/coordinator"
	"github.com/nexus-agents/orchestrator-core/pkg/gateway"
	"github.com/nexus-agents/orchestrator-core/pkg/store"
)

// RunAnalytical drives the 8-phase analytical-report pipeline (spec.md §4.6)
// for task, advancing task.status through internal/ledger's backing
// pkg/store.UpdateTaskStatus as each phase completes.
func (o *Orchestrator) RunAnalytical(ctx context.Context, task store.Task) error {
	if err := o.advance(ctx, task.ID, store.TaskRunning, ""); err != nil {
		return err
	}

	if err := o.advance(ctx, task.ID, store.TaskPlanning, ""); err != nil {
		return err
	}
	subtopics, err := o.runPlanningPhase(ctx, task)
	if err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskSearching, ""); err != nil {
		return err
	}
	searchOutcome, err := o.runSearchPhase(ctx, task, subtopics)
	if err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskSummarizing, ""); err != nil {
		return err
	}
	if err := o.runSummarizePhase(ctx, task, searchOutcome); err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskBuildingKnowledge, ""); err != nil {
		return err
	}
	if err := o.runKnowledgeTreePhase(ctx, task); err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskGeneratingInsights, ""); err != nil {
		return err
	}
	if err := o.runInsightsPhase(ctx, task); err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskAnalyzingPOVs, ""); err != nil {
		return err
	}
	if err := o.runSpikyPOVPhase(ctx, task); err != nil {
		return o.fail(ctx, task, err)
	}

	if err := o.advance(ctx, task.ID, store.TaskSynthesizing, ""); err != nil {
		return err
	}
	if err := o.runSynthesizeReportPhase(ctx, task); err != nil {
		return o.fail(ctx, task, err)
	}

	return o.advance(ctx, task.ID, store.TaskCompleted, "")
}

// runPlanningPhase submits topic_decomposition then research_plan as two
// sequential ops (min_success_ratio 1.0) and returns the decomposed
// subtopics for the search phase.
func (o *Orchestrator) runPlanningPhase(ctx context.Context, task store.Task) ([]subtopic, error) {
	var subtopics []subtopic

	decompSpec, err := o.buildSpec(ctx, task.ID, store.OpTopicDecomposition, "llm", 10, map[string]interface{}{"query": task.ResearchQuery}, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
		prompt := fmt.Sprintf("Decompose the research query %q into focused subtopics. Respond as JSON {\"subtopics\":[{\"focus_area\":...,\"query\":...}]}.", task.ResearchQuery)
		res := o.gw.LLMComplete(rctx, o.cfg.ReasoningModel, gateway.ModelReasoning, prompt, nil)
		if err := resultErr(o.cfg.ReasoningModel, res); err != nil {
			return nil, nil, err
		}
		subtopics = parseSubtopics(res.Value.Text)
		return map[string]interface{}{"subtopic_count": len(subtopics)}, nil, nil
	})
	if err != nil {
		return nil, err
	}

	var plan researchPlan
	planSpec, err := o.buildSpec(ctx, task.ID, store.OpResearchPlan, "llm", 10, nil, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
		prompt := fmt.Sprintf("Produce a research plan (objectives, deliverables, key_questions) for %q as JSON.", task.ResearchQuery)
		res := o.gw.LLMComplete(rctx, o.cfg.ReasoningModel, gateway.ModelReasoning, prompt, nil)
		if err := resultErr(o.cfg.ReasoningModel, res); err != nil {
			return nil, nil, err
		}
		plan = parseResearchPlan(res.Value.Text)
		return map[string]interface{}{
			"objectives":    plan.Objectives,
			"deliverables":  plan.Deliverables,
			"key_questions": plan.KeyQuestions,
		}, nil, nil
	})
	if err != nil {
		return nil, err
	}
	planSpec.DependsOn = []string{decompSpec.ID}

	ok, failErr := o.runPhase(ctx, task, "planning", o.cfg.MinSuccessRatioSequential, []coordinator.Spec{decompSpec, planSpec}, nil)
	if !ok {
		return nil, failErr
	}
	return subtopics, nil
}

// searchHit records one (subtopic, source) pairing discovered during
// mcp_search, the input the summarize phase fans out over.
type searchHit struct {
	SourceID string
	Subtopic subtopic
}

func (o *Orchestrator) runSearchPhase(ctx context.Context, task store.Task, subtopics []subtopic) ([]searchHit, error) {
	providers := o.gw.Providers(gateway.ProviderSearch)
	var specs []coordinator.Spec
	opSubtopics := make(map[string]subtopic)

	for _, st := range subtopics {
		for _, provider := range providers {
			st := st
			provider := provider
			spec, err := o.buildSpec(ctx, task.ID, store.OpMCPSearch, "search", 5,
				map[string]interface{}{"subtopic_index": st.Index, "provider": provider, "query": st.Query},
				func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
					res := o.gw.Search(rctx, provider, st.Query, nil)
					if err := resultErr(provider, res); err != nil {
						return nil, nil, err
					}
					var sourceIDs []string
					var evidence []store.Evidence
					for _, hit := range res.Value {
						hash := sha256.Sum256([]byte(hit.URL))
						src, err := o.store.UpsertSource(rctx, store.Source{
							URL:         hit.URL,
							Title:       hit.Title,
							Description: hit.Snippet,
							Provider:    provider,
							ContentHash: hex.EncodeToString(hash[:]),
						})
						if err != nil {
							return nil, nil, err
						}
						sourceIDs = append(sourceIDs, src.ID)
						evidence = append(evidence, store.Evidence{
							EvidenceType: "search_hit",
							SourceURL:    hit.URL,
							Provider:     provider,
							EvidenceData: map[string]interface{}{"title": hit.Title, "relevance": hit.Relevance},
						})
					}
					return map[string]interface{}{"source_ids": sourceIDs}, evidence, nil
				})
			if err != nil {
				return nil, err
			}
			opSubtopics[spec.ID] = st
			specs = append(specs, spec)
		}
	}

	ok, failErr := o.runPhase(ctx, task, "mcp_search", o.cfg.MinSuccessRatioFanOut, specs, nil)
	if !ok {
		return nil, failErr
	}

	seen := make(map[string]bool)
	var hits []searchHit
	for _, spec := range specs {
		op, err := o.store.GetOperation(ctx, spec.ID)
		if err != nil || op.Status != store.OpCompleted {
			continue
		}
		st := opSubtopics[spec.ID]
		for _, sourceID := range stringSlice(op.OutputData["source_ids"]) {
			key := fmt.Sprintf("%d|%s", st.Index, sourceID)
			if seen[key] {
				continue
			}
			seen[key] = true
			hits = append(hits, searchHit{SourceID: sourceID, Subtopic: st})
		}
	}
	return hits, nil
}

func (o *Orchestrator) runSummarizePhase(ctx context.Context, task store.Task, hits []searchHit) error {
	var specs []coordinator.Spec
	for _, hit := range hits {
		hit := hit
		spec, err := o.buildSpec(ctx, task.ID, store.OpSummarizeSource, "llm", 3,
			map[string]interface{}{"source_id": hit.SourceID, "subtopic_index": hit.Subtopic.Index},
			func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
				prompt := fmt.Sprintf("Summarize source %s for subtopic %q. Respond as JSON {\"summary\":...,\"dok1_facts\":[...]}.", hit.SourceID, hit.Subtopic.Query)
				res := o.gw.LLMComplete(rctx, o.cfg.TaskModel, gateway.ModelTask, prompt, nil)
				if err := resultErr(o.cfg.TaskModel, res); err != nil {
					return nil, nil, err
				}
				summaryText := gjsonStringOrFallback(res.Value.Text, "summary", "summary unavailable")
				facts := gjsonStringArray(res.Value.Text, "dok1_facts")
				s, err := dok.Summarize(rctx, o.store, o.cfg.DOK, task.ID, hit.SourceID, hit.Subtopic.FocusArea, summaryText, facts)
				if err != nil {
					return nil, nil, err
				}
				return map[string]interface{}{"summary_id": s.ID}, nil, nil
			})
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}
	ok, failErr := o.runPhase(ctx, task, "summarize_source", o.cfg.MinSuccessRatioFanOut, specs, nil)
	if !ok {
		return failErr
	}
	return nil
}

func (o *Orchestrator) runKnowledgeTreePhase(ctx context.Context, task store.Task) error {
	spec, err := o.buildSpec(ctx, task.ID, store.OpBuildKnowledgeTree, "llm", 10, nil, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
		summaries, err := o.store.ListSourceSummaries(rctx, task.ID)
		if err != nil {
			return nil, nil, err
		}
		prompt := fmt.Sprintf("Cluster %d source summaries into a knowledge forest (JSON {\"nodes\":[...]}).", len(summaries))
		res := o.gw.LLMComplete(rctx, o.cfg.ReasoningModel, gateway.ModelReasoning, prompt, nil)
		if err := resultErr(o.cfg.ReasoningModel, res); err != nil {
			return nil, nil, err
		}
		nodes := parseKnowledgeNodes(res.Value.Text)
		persisted, err := dok.BuildKnowledgeTree(rctx, o.store, o.cfg.DOK, task.ID, nodes)
		if err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"node_count": len(persisted)}, nil, nil
	})
	if err != nil {
		return err
	}
	ok, failErr := o.runPhase(ctx, task, "build_knowledge_tree", o.cfg.MinSuccessRatioSequential, []coordinator.Spec{spec}, nil)
	if !ok {
		return failErr
	}
	return nil
}

func (o *Orchestrator) runInsightsPhase(ctx context.Context, task store.Task) error {
	spec, err := o.buildSpec(ctx, task.ID, store.OpGenerateInsights, "llm", 10, nil, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
		nodes, err := o.store.ListKnowledgeNodes(rctx, task.ID)
		if err != nil {
			return nil, nil, err
		}
		prompt := fmt.Sprintf("Generate insights from %d knowledge nodes (JSON {\"insights\":[...]}).", len(nodes))
		res := o.gw.LLMComplete(rctx, o.cfg.ReasoningModel, gateway.ModelReasoning, prompt, nil)
		if err := resultErr(o.cfg.ReasoningModel, res); err != nil {
			return nil, nil, err
		}
		inputs := parseInsights(res.Value.Text)
		count := 0
		for _, in := range inputs {
			if _, err := dok.GenerateInsight(rctx, o.store, task.ID, in.Category, in.Text, in.Confidence, in.SourceIDs); err != nil {
				return nil, nil, err
			}
			count++
		}
		return map[string]interface{}{"insight_count": count}, nil, nil
	})
	if err != nil {
		return err
	}
	ok, failErr := o.runPhase(ctx, task, "generate_insights", o.cfg.MinSuccessRatioSequential, []coordinator.Spec{spec}, nil)
	if !ok {
		return failErr
	}
	return nil
}

func (o *Orchestrator) runSpikyPOVPhase(ctx context.Context, task store.Task) error {
	spec, err := o.buildSpec(ctx, task.ID, store.OpSpikyPOV, "llm", 10, nil, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
		insights, err := o.store.ListInsights(rctx, task.ID)
		if err != nil {
			return nil, nil, err
		}
		prompt := fmt.Sprintf("Generate spiky POVs (truths/myths) from %d insights (JSON {\"povs\":[...]}).", len(insights))
		res := o.gw.LLMComplete(rctx, o.cfg.ReasoningModel, gateway.ModelReasoning, prompt, nil)
		if err := resultErr(o.cfg.ReasoningModel, res); err != nil {
			return nil, nil, err
		}
		inputs := parsePOVs(res.Value.Text)
		count := 0
		for _, in := range inputs {
			if _, err := dok.GenerateSpikyPOV(rctx, o.store, task.ID, in.Kind, in.Statement, in.Reasoning, in.InsightIDs); err != nil {
				return nil, nil, err
			}
			count++
		}
		return map[string]interface{}{"pov_count": count}, nil, nil
	})
	if err != nil {
		return err
	}
	ok, failErr := o.runPhase(ctx, task, "spiky_pov", o.cfg.MinSuccessRatioSequential, []coordinator.Spec{spec}, nil)
	if !ok {
		return failErr
	}
	return nil
}

func (o *Orchestrator) runSynthesizeReportPhase(ctx context.Context, task store.Task) error {
	spec, err := o.buildSpec(ctx, task.ID, store.OpSynthesizeReport, "llm", 10, nil, func(rctx context.Context) (map[string]interface{}, []store.Evidence, error) {
		prompt := fmt.Sprintf("Synthesize the Markdown report for task %s (JSON {\"sections\":{...},\"section_sources\":{...}}).", task.ID)
		res := o.gw.LLMComplete(rctx, o.cfg.ReasoningModel, gateway.ModelReasoning, prompt, nil)
		if err := resultErr(o.cfg.ReasoningModel, res); err != nil {
			return nil, nil, err
		}
		sections := parseReportSections(res.Value.Text)
		sectionSources := parseReportSectionSources(res.Value.Text)
		for section, sourceIDs := range sectionSources {
			for _, sourceID := range sourceIDs {
				if err := o.store.AppendReportSectionSource(rctx, store.ReportSectionSource{TaskID: task.ID, Section: section, SourceID: sourceID}); err != nil {
					return nil, nil, err
				}
			}
		}
		out := map[string]interface{}{}
		for section, body := range sections {
			out[string(section)] = body
		}
		return out, nil, nil
	})
	if err != nil {
		return err
	}
	ok, failErr := o.runPhase(ctx, task, "synthesize_report", o.cfg.MinSuccessRatioSequential, []coordinator.Spec{spec}, nil)
	if !ok {
		return failErr
	}
	return nil
}
