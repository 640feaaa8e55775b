package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
)

// Memory is a mutex-guarded, non-durable Store used by tests and the
// zero-dependency CLI demo mode, mirroring the teacher's InMemoryStore
// dual-implementation pattern.
type Memory struct {
	mu sync.Mutex
	cfg Config

	tasks      map[string]Task
	operations map[string]Operation
	evidence   map[string]Evidence
	sources    map[string]Source // keyed by url|content_hash
	summaries  map[string]SourceSummary
	nodes      map[string]KnowledgeNode
	nodeSrcs   []KnowledgeNodeSource
	insights   map[string]Insight
	povs       map[string]SpikyPOV
	sectionSrcs []ReportSectionSource
	entities   map[string]AggregatedEntity // keyed by scope.Key()+entity_type+identity_key
	projects   map[string]Project

	reliabilityObservations map[string]int // keyed by url|content_hash
}

func NewMemory(cfg Config) *Memory {
	if cfg.ReliabilityRule == nil {
		cfg.ReliabilityRule = DefaultReliabilityRule
	}
	return &Memory{
		cfg:                      cfg,
		tasks:                    make(map[string]Task),
		operations:               make(map[string]Operation),
		evidence:                 make(map[string]Evidence),
		sources:                  make(map[string]Source),
		summaries:                make(map[string]SourceSummary),
		nodes:                    make(map[string]KnowledgeNode),
		insights:                 make(map[string]Insight),
		povs:                     make(map[string]SpikyPOV),
		entities:                 make(map[string]AggregatedEntity),
		projects:                 make(map[string]Project),
		reliabilityObservations:  make(map[string]int),
	}
}

func newID() string { return uuid.New().String() }

func (m *Memory) UpsertTask(_ context.Context, task Task) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := m.tasks[task.ID]
	if !ok {
		if task.ID == "" {
			task.ID = newID()
		}
		if task.Status == "" {
			task.Status = TaskPending
		}
		task.CreatedAt = now
		task.UpdatedAt = now
		m.tasks[task.ID] = task
		return task, nil
	}

	if task.Status != "" && task.Status != existing.Status {
		if !CanTransition(existing.Status, task.Status) {
			return Task{}, nerrors.InvariantViolation("illegal task status transition").
				WithDetails("from", string(existing.Status)).WithDetails("to", string(task.Status))
		}
		existing.Status = task.Status
	}
	existing.Title = task.Title
	existing.ResearchQuery = task.ResearchQuery
	existing.AggregationConfig = task.AggregationConfig
	existing.ErrorMessage = task.ErrorMessage
	existing.UpdatedAt = now
	m.tasks[task.ID] = existing
	return existing, nil
}

func (m *Memory) GetTask(_ context.Context, taskID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return Task{}, nerrors.NotFound("task", taskID)
	}
	return t, nil
}

func (m *Memory) ListTasks(_ context.Context, filter TaskFilter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Task
	for _, t := range m.tasks {
		if filter.ProjectID != nil && (t.ProjectID == nil || *t.ProjectID != *filter.ProjectID) {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, taskID string, newStatus TaskStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nerrors.NotFound("task", taskID)
	}
	if newStatus != TaskFailed && !CanTransition(t.Status, newStatus) {
		return nerrors.InvariantViolation("illegal task status transition").
			WithDetails("from", string(t.Status)).WithDetails("to", string(newStatus))
	}
	t.Status = newStatus
	t.ErrorMessage = errMsg
	t.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = t
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return nerrors.NotFound("task", taskID)
	}
	delete(m.tasks, taskID)

	for id, op := range m.operations {
		if op.TaskID == taskID {
			delete(m.operations, id)
		}
	}
	for id, ev := range m.evidence {
		if _, ok := m.operations[ev.OperationID]; !ok {
			delete(m.evidence, id)
		}
	}
	for id, s := range m.summaries {
		if s.TaskID == taskID {
			delete(m.summaries, id)
		}
	}
	for id, n := range m.nodes {
		if n.TaskID == taskID {
			delete(m.nodes, id)
		}
	}
	for id, i := range m.insights {
		if i.TaskID == taskID {
			delete(m.insights, id)
		}
	}
	for id, p := range m.povs {
		if p.TaskID == taskID {
			delete(m.povs, id)
		}
	}
	for id, e := range m.entities {
		if e.TaskID == taskID {
			delete(m.entities, id)
		}
	}
	return nil
}

func (m *Memory) AppendOperation(_ context.Context, op Operation) (Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op.ID == "" {
		op.ID = newID()
	}
	if op.Status == "" {
		op.Status = OpQueued
	}
	op.CreatedAt = time.Now().UTC()
	m.operations[op.ID] = op
	return op, nil
}

func (m *Memory) UpdateOperationOutcome(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.operations[op.ID]
	if !ok {
		return nerrors.NotFound("operation", op.ID)
	}
	if IsOperationTerminal(existing.Status) {
		return nerrors.InvariantViolation("operation already terminal").WithDetails("operation_id", op.ID)
	}
	if IsOperationTerminal(op.Status) {
		if op.CompletedAt == nil {
			return nerrors.InvariantViolation("terminal operation missing completed_at").WithDetails("operation_id", op.ID)
		}
		if op.Status == OpCompleted && op.OutputData == nil {
			return nerrors.InvariantViolation("completed operation missing output_data").WithDetails("operation_id", op.ID)
		}
	}
	m.operations[op.ID] = op
	return nil
}

func (m *Memory) GetOperation(_ context.Context, operationID string) (Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[operationID]
	if !ok {
		return Operation{}, nerrors.NotFound("operation", operationID)
	}
	return op, nil
}

func (m *Memory) ListOperations(_ context.Context, filter OperationFilter) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Operation
	for _, op := range m.operations {
		if filter.TaskID != "" && op.TaskID != filter.TaskID {
			continue
		}
		if filter.Status != "" && op.Status != filter.Status {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *Memory) AppendEvidence(_ context.Context, ev Evidence) (Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = newID()
	}
	if m.cfg.MaxEvidenceBytes > 0 && ev.SizeBytes > m.cfg.MaxEvidenceBytes {
		return Evidence{}, nerrors.InvalidInput("size_bytes", "evidence exceeds configured size cap")
	}
	ev.CreatedAt = time.Now().UTC()
	m.evidence[ev.ID] = ev
	return ev, nil
}

func (m *Memory) ListEvidence(_ context.Context, operationID string) ([]Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Evidence
	for _, ev := range m.evidence {
		if ev.OperationID == operationID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListEvidenceByTask(_ context.Context, taskID string) ([]Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	opIDs := make(map[string]bool)
	for id, op := range m.operations {
		if op.TaskID == taskID {
			opIDs[id] = true
		}
	}
	var out []Evidence
	for _, ev := range m.evidence {
		if opIDs[ev.OperationID] {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func sourceKey(url, contentHash string) string { return url + "|" + contentHash }

func (m *Memory) UpsertSource(_ context.Context, src Source) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sourceKey(src.URL, src.ContentHash)
	existing, ok := m.sources[key]
	if !ok {
		if src.ID == "" {
			src.ID = newID()
		}
		if src.AccessedAt.IsZero() {
			src.AccessedAt = time.Now().UTC()
		}
		m.sources[key] = src
		m.reliabilityObservations[key] = 1
		return src, nil
	}

	m.reliabilityObservations[key]++
	existing.ReliabilityScore = m.cfg.ReliabilityRule(existing.ReliabilityScore, src.ReliabilityScore, m.reliabilityObservations[key])
	existing.AccessedAt = time.Now().UTC()
	if src.Title != "" {
		existing.Title = src.Title
	}
	if src.Description != "" {
		existing.Description = src.Description
	}
	m.sources[key] = existing
	return existing, nil
}

func (m *Memory) GetSourceByURL(_ context.Context, url, contentHash string) (Source, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[sourceKey(url, contentHash)]
	return s, ok, nil
}

func (m *Memory) ListSources(_ context.Context, taskID string) ([]Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cited := make(map[string]bool)
	for _, s := range m.summaries {
		if s.TaskID == taskID {
			cited[s.SourceID] = true
		}
	}
	var out []Source
	for _, s := range m.sources {
		if cited[s.ID] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccessedAt.Before(out[j].AccessedAt) })
	return out, nil
}

func (m *Memory) AppendSourceSummary(_ context.Context, s SourceSummary) (SourceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = newID()
	}
	s.CreatedAt = time.Now().UTC()
	m.summaries[s.ID] = s
	return s, nil
}

func (m *Memory) ListSourceSummaries(_ context.Context, taskID string) ([]SourceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SourceSummary
	for _, s := range m.summaries {
		if s.TaskID == taskID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendKnowledgeNode(_ context.Context, n KnowledgeNode) (KnowledgeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ParentID != nil {
		parent, ok := m.nodes[*n.ParentID]
		if !ok || parent.TaskID != n.TaskID {
			return KnowledgeNode{}, nerrors.InvariantViolation("knowledge node parent must belong to the same task")
		}
	}
	if n.ID == "" {
		n.ID = newID()
	}
	n.CreatedAt = time.Now().UTC()
	m.nodes[n.ID] = n
	return n, nil
}

func (m *Memory) ListKnowledgeNodes(_ context.Context, taskID string) ([]KnowledgeNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []KnowledgeNode
	for _, n := range m.nodes {
		if n.TaskID == taskID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendKnowledgeNodeSource(_ context.Context, link KnowledgeNodeSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link.RelevanceScore < 0 || link.RelevanceScore > 1 {
		return nerrors.InvariantViolation("relevance_score must be in [0,1]")
	}
	m.nodeSrcs = append(m.nodeSrcs, link)
	return nil
}

func (m *Memory) ListKnowledgeNodeSources(_ context.Context, knowledgeNodeID string) ([]KnowledgeNodeSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []KnowledgeNodeSource
	for _, l := range m.nodeSrcs {
		if l.KnowledgeNodeID == knowledgeNodeID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) AppendInsight(_ context.Context, i Insight) (Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(i.SourceIDs) == 0 {
		return Insight{}, nerrors.InvariantViolation("insight must cite at least one source")
	}
	if i.ID == "" {
		i.ID = newID()
	}
	if i.Confidence < 0 {
		i.Confidence = 0
	}
	if i.Confidence > 1 {
		i.Confidence = 1
	}
	i.CreatedAt = time.Now().UTC()
	m.insights[i.ID] = i
	return i, nil
}

func (m *Memory) ListInsights(_ context.Context, taskID string) ([]Insight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Insight
	for _, i := range m.insights {
		if i.TaskID == taskID {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendSpikyPOV(_ context.Context, p SpikyPOV) (SpikyPOV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(p.InsightIDs) == 0 {
		return SpikyPOV{}, nerrors.InvariantViolation("spiky POV must cite at least one insight")
	}
	if p.Kind != POVTruth && p.Kind != POVMyth {
		return SpikyPOV{}, nerrors.InvariantViolation("spiky POV kind must be truth or myth")
	}
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = time.Now().UTC()
	m.povs[p.ID] = p
	return p, nil
}

func (m *Memory) ListSpikyPOVs(_ context.Context, taskID string) ([]SpikyPOV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SpikyPOV
	for _, p := range m.povs {
		if p.TaskID == taskID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AppendReportSectionSource(_ context.Context, link ReportSectionSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sectionSrcs = append(m.sectionSrcs, link)
	return nil
}

func (m *Memory) ListReportSectionSources(_ context.Context, taskID string) ([]ReportSectionSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ReportSectionSource
	for _, l := range m.sectionSrcs {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	return out, nil
}

func entityKey(scope EntityScope, entityType, identityKey string) string {
	return scope.Key() + "|" + entityType + "|" + identityKey
}

// UpsertEntity merges attrs into the existing consolidated row for
// (scope, entity_type, identity_key), appends lineage, and recomputes
// average_confidence, per spec.md §4.1/§4.8. Idempotent under identical
// repeated inputs.
func (m *Memory) UpsertEntity(_ context.Context, scope EntityScope, entityType, identityKey string, attrs map[string]interface{}, lineageDelta map[string]LineageEntry, sourceTaskID string) (AggregatedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entityKey(scope, entityType, identityKey)
	existing, ok := m.entities[key]
	now := time.Now().UTC()
	if !ok {
		existing = AggregatedEntity{
			ID:                     newID(),
			ProjectID:              scope.ProjectID,
			TaskID:                 scope.TaskID,
			EntityType:             entityType,
			ConsolidatedAttributes: make(map[string]interface{}),
			UniqueIdentifier:       identityKey,
			DataLineage:            make(map[string]AttributeLineage),
			CreatedAt:              now,
		}
	}

	for attr, val := range attrs {
		existing.ConsolidatedAttributes[attr] = val
	}

	if existing.DataLineage == nil {
		existing.DataLineage = make(map[string]AttributeLineage)
	}
	totalConf := 0.0
	totalAttrs := 0
	for attr, entry := range lineageDelta {
		lineage := existing.DataLineage[attr]
		lineage.Sources = appendLineageIfAbsent(lineage.Sources, entry)
		lineage.ConsolidationTimestamp = now
		lineage.AverageConfidence = averageConfidence(lineage.Sources)
		existing.DataLineage[attr] = lineage
	}
	for _, lineage := range existing.DataLineage {
		totalConf += lineage.AverageConfidence
		totalAttrs++
	}
	if totalAttrs > 0 {
		existing.ConfidenceScore = totalConf / float64(totalAttrs)
	}

	if sourceTaskID != "" && !containsStr(existing.SourceTasks, sourceTaskID) {
		existing.SourceTasks = append(existing.SourceTasks, sourceTaskID)
	}
	existing.UpdatedAt = now
	m.entities[key] = existing
	return existing, nil
}

func appendLineageIfAbsent(existing []LineageEntry, entry LineageEntry) []LineageEntry {
	for _, e := range existing {
		if e.TaskID == entry.TaskID && e.Timestamp.Equal(entry.Timestamp) {
			return existing
		}
	}
	return append(existing, entry)
}

func averageConfidence(entries []LineageEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	sum := 0.0
	for _, e := range entries {
		sum += e.Confidence
	}
	return sum / float64(len(entries))
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (m *Memory) ListEntities(_ context.Context, filter EntityFilter) ([]AggregatedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AggregatedEntity
	for _, e := range m.entities {
		if filter.ProjectID != nil {
			if e.ProjectID == nil || *e.ProjectID != *filter.ProjectID {
				continue
			}
		}
		if filter.TaskID != "" && e.TaskID != filter.TaskID && !containsStr(e.SourceTasks, filter.TaskID) {
			continue
		}
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].UniqueIdentifier, out[j].UniqueIdentifier) < 0 })
	return out, nil
}

func (m *Memory) UpsertProject(_ context.Context, p Project) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.projects[p.ID] = p
	return p, nil
}

func (m *Memory) GetProject(_ context.Context, projectID string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return Project{}, nerrors.NotFound("project", projectID)
	}
	return p, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
