package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
)

// Postgres implements Store on top of database/sql + github.com/lib/pq,
// following the teacher's jam.PGStore idiom: explicit BeginTx/Commit/Rollback
// per multi-row write, FOR UPDATE for contended merge paths, no ORM.
//
// Schema (DDL is an external migration concern, out of scope per spec.md §1;
// table/column names below are the contract this type relies on):
//
//	tasks(id, title, research_query, research_type, status, project_id,
//	  aggregation_config jsonb, created_at, updated_at, error_message)
//	operations(id, task_id, parent_id, operation_type, status, agent_type,
//	  started_at, completed_at, duration_ms, input_data jsonb, output_data jsonb,
//	  error_message, retry_count, meta jsonb, created_at)
//	evidence(id, operation_id, evidence_type, evidence_data jsonb, source_url,
//	  provider, size_bytes, created_at)
//	sources(id, url, title, description, provider, accessed_at,
//	  reliability_score, content_hash, observation_count)
//	source_summaries(id, source_id, task_id, subtopic, summary, dok1_facts text[], dok_level, created_at)
//	knowledge_nodes(id, task_id, parent_id, category, subcategory, summary, dok_level, created_at)
//	knowledge_node_sources(knowledge_node_id, source_id, relevance_score)
//	insights(id, task_id, category, insight_text, confidence, source_ids text[], created_at)
//	spiky_povs(id, task_id, kind, statement, reasoning, insight_ids text[], created_at)
//	report_section_sources(task_id, section, source_id)
//	aggregated_entities(id, project_id, task_id, entity_type, consolidated_attributes jsonb,
//	  unique_identifier, source_tasks text[], confidence_score, data_lineage jsonb, created_at, updated_at)
//	projects(id, name, created_at)
type Postgres struct {
	db  *sqlx.DB
	cfg Config
}

func NewPostgres(db *sql.DB, cfg Config) *Postgres {
	if cfg.ReliabilityRule == nil {
		cfg.ReliabilityRule = DefaultReliabilityRule
	}
	return &Postgres{db: sqlx.NewDb(db, "postgres"), cfg: cfg}
}

func (p *Postgres) UpsertTask(ctx context.Context, task Task) (Task, error) {
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = newID()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}

	var aggCfg jsonValue
	if task.AggregationConfig != nil {
		aggCfg.V = task.AggregationConfig
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, research_query, research_type, status, project_id, aggregation_config, created_at, updated_at, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			research_query = EXCLUDED.research_query,
			aggregation_config = EXCLUDED.aggregation_config,
			updated_at = EXCLUDED.updated_at,
			error_message = EXCLUDED.error_message
	`, task.ID, task.Title, task.ResearchQuery, task.ResearchType, task.Status, task.ProjectID, aggCfg, now, task.ErrorMessage)
	if err != nil {
		return Task{}, nerrors.Store("upsert_task", err)
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	return task, nil
}

func (p *Postgres) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	var aggCfg jsonValue
	row := p.db.QueryRowContext(ctx, `
		SELECT id, title, research_query, research_type, status, project_id, aggregation_config, created_at, updated_at, error_message
		FROM tasks WHERE id = $1
	`, taskID)
	if err := row.Scan(&t.ID, &t.Title, &t.ResearchQuery, &t.ResearchType, &t.Status, &t.ProjectID, &aggCfg, &t.CreatedAt, &t.UpdatedAt, &t.ErrorMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, nerrors.NotFound("task", taskID)
		}
		return Task{}, nerrors.Store("get_task", err)
	}
	if aggCfg.V != nil {
		if cfg, ok := decodeAggregationConfig(aggCfg.V); ok {
			t.AggregationConfig = cfg
		}
	}
	return t, nil
}

func decodeAggregationConfig(v interface{}) (*AggregationConfig, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	cfg := &AggregationConfig{}
	if entities, ok := m["entities"].([]interface{}); ok {
		for _, e := range entities {
			if s, ok := e.(string); ok {
				cfg.Entities = append(cfg.Entities, s)
			}
		}
	}
	if attrs, ok := m["attributes"].([]interface{}); ok {
		for _, a := range attrs {
			if s, ok := a.(string); ok {
				cfg.Attributes = append(cfg.Attributes, s)
			}
		}
	}
	if s, ok := m["search_space"].(string); ok {
		cfg.SearchSpace = s
	}
	if s, ok := m["domain_hint"].(string); ok {
		cfg.DomainHint = s
	}
	return cfg, true
}

func (p *Postgres) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	q := `SELECT id, title, research_query, research_type, status, project_id, aggregation_config, created_at, updated_at, error_message FROM tasks WHERE 1=1`
	args := []interface{}{}
	n := 1
	if filter.ProjectID != nil {
		q += sqlPlaceholder(" AND project_id = $", &n)
		args = append(args, *filter.ProjectID)
	}
	if filter.Status != "" {
		q += sqlPlaceholder(" AND status = $", &n)
		args = append(args, filter.Status)
	}
	q += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		q += sqlPlaceholder(" LIMIT $", &n)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		q += sqlPlaceholder(" OFFSET $", &n)
		args = append(args, filter.Offset)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nerrors.Store("list_tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var aggCfg jsonValue
		if err := rows.Scan(&t.ID, &t.Title, &t.ResearchQuery, &t.ResearchType, &t.Status, &t.ProjectID, &aggCfg, &t.CreatedAt, &t.UpdatedAt, &t.ErrorMessage); err != nil {
			return nil, nerrors.Store("list_tasks", err)
		}
		if aggCfg.V != nil {
			if cfg, ok := decodeAggregationConfig(aggCfg.V); ok {
				t.AggregationConfig = cfg
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// sqlPlaceholder appends a $N placeholder and advances n, avoiding repeated
// manual bookkeeping in the dynamic filter builders above.
func sqlPlaceholder(prefix string, n *int) string {
	s := prefix + itoa(*n)
	*n++
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, taskID string, newStatus TaskStatus, errMsg string) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nerrors.Store("update_task_status", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nerrors.NotFound("task", taskID)
		}
		return nerrors.Store("update_task_status", err)
	}
	if newStatus != TaskFailed && !CanTransition(current, newStatus) {
		return nerrors.InvariantViolation("illegal task status transition").
			WithDetails("from", string(current)).WithDetails("to", string(newStatus))
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`,
		newStatus, errMsg, time.Now().UTC(), taskID); err != nil {
		return nerrors.Store("update_task_status", err)
	}
	if err := tx.Commit(); err != nil {
		return nerrors.Store("update_task_status", err)
	}
	return nil
}

// DeleteTask cascades across every task-owned table in one transaction,
// matching spec.md §3's ownership/cascade rule. Sources are shared and not
// deleted.
func (p *Postgres) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nerrors.Store("delete_task", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return nerrors.Store("delete_task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nerrors.NotFound("task", taskID)
	}
	for _, stmt := range []string{
		`DELETE FROM evidence WHERE operation_id IN (SELECT id FROM operations WHERE task_id = $1)`,
		`DELETE FROM operations WHERE task_id = $1`,
		`DELETE FROM source_summaries WHERE task_id = $1`,
		`DELETE FROM knowledge_node_sources WHERE knowledge_node_id IN (SELECT id FROM knowledge_nodes WHERE task_id = $1)`,
		`DELETE FROM knowledge_nodes WHERE task_id = $1`,
		`DELETE FROM insights WHERE task_id = $1`,
		`DELETE FROM spiky_povs WHERE task_id = $1`,
		`DELETE FROM report_section_sources WHERE task_id = $1`,
		`DELETE FROM aggregated_entities WHERE task_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, taskID); err != nil {
			return nerrors.Store("delete_task", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nerrors.Store("delete_task", err)
	}
	return nil
}

func (p *Postgres) AppendOperation(ctx context.Context, op Operation) (Operation, error) {
	if op.ID == "" {
		op.ID = newID()
	}
	if op.Status == "" {
		op.Status = OpQueued
	}
	op.CreatedAt = time.Now().UTC()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO operations (id, task_id, parent_id, operation_type, status, agent_type, input_data, meta, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, op.ID, op.TaskID, op.ParentID, op.OperationType, op.Status, op.AgentType, jsonMap(op.InputData), jsonMap(op.Meta), op.RetryCount, op.CreatedAt)
	if err != nil {
		return Operation{}, nerrors.Store("append_operation", err)
	}
	return op, nil
}

// UpdateOperationOutcome writes the terminal or in-progress transition for an
// operation in its own transaction; evidence rows are written by separate
// AppendEvidence calls and are not part of it.
func (p *Postgres) UpdateOperationOutcome(ctx context.Context, op Operation) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nerrors.Store("update_operation_outcome", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentStatus OperationStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = $1 FOR UPDATE`, op.ID).Scan(&currentStatus); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nerrors.NotFound("operation", op.ID)
		}
		return nerrors.Store("update_operation_outcome", err)
	}
	if IsOperationTerminal(currentStatus) {
		return nerrors.InvariantViolation("operation already terminal").WithDetails("operation_id", op.ID)
	}
	if IsOperationTerminal(op.Status) && op.CompletedAt == nil {
		return nerrors.InvariantViolation("terminal operation missing completed_at").WithDetails("operation_id", op.ID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE operations SET status=$1, started_at=$2, completed_at=$3, duration_ms=$4,
			output_data=$5, error_message=$6, retry_count=$7
		WHERE id=$8
	`, op.Status, op.StartedAt, op.CompletedAt, op.DurationMs, jsonMap(op.OutputData), op.ErrorMessage, op.RetryCount, op.ID)
	if err != nil {
		return nerrors.Store("update_operation_outcome", err)
	}
	if err := tx.Commit(); err != nil {
		return nerrors.Store("update_operation_outcome", err)
	}
	return nil
}

func (p *Postgres) GetOperation(ctx context.Context, operationID string) (Operation, error) {
	var op Operation
	var input, output, meta jsonMap
	row := p.db.QueryRowContext(ctx, `
		SELECT id, task_id, parent_id, operation_type, status, agent_type, started_at, completed_at,
			duration_ms, input_data, output_data, error_message, retry_count, meta, created_at
		FROM operations WHERE id = $1
	`, operationID)
	if err := row.Scan(&op.ID, &op.TaskID, &op.ParentID, &op.OperationType, &op.Status, &op.AgentType,
		&op.StartedAt, &op.CompletedAt, &op.DurationMs, &input, &output, &op.ErrorMessage, &op.RetryCount, &meta, &op.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Operation{}, nerrors.NotFound("operation", operationID)
		}
		return Operation{}, nerrors.Store("get_operation", err)
	}
	op.InputData, op.OutputData, op.Meta = input, output, meta
	return op, nil
}

func (p *Postgres) ListOperations(ctx context.Context, filter OperationFilter) ([]Operation, error) {
	q := `SELECT id, task_id, parent_id, operation_type, status, agent_type, started_at, completed_at,
			duration_ms, input_data, output_data, error_message, retry_count, meta, created_at
		FROM operations WHERE task_id = $1`
	args := []interface{}{filter.TaskID}
	if filter.Status != "" {
		q += " AND status = $2"
		args = append(args, filter.Status)
	}
	q += " ORDER BY created_at ASC"

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nerrors.Store("list_operations", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		var op Operation
		var input, output, meta jsonMap
		if err := rows.Scan(&op.ID, &op.TaskID, &op.ParentID, &op.OperationType, &op.Status, &op.AgentType,
			&op.StartedAt, &op.CompletedAt, &op.DurationMs, &input, &output, &op.ErrorMessage, &op.RetryCount, &meta, &op.CreatedAt); err != nil {
			return nil, nerrors.Store("list_operations", err)
		}
		op.InputData, op.OutputData, op.Meta = input, output, meta
		out = append(out, op)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendEvidence(ctx context.Context, ev Evidence) (Evidence, error) {
	if p.cfg.MaxEvidenceBytes > 0 && ev.SizeBytes > p.cfg.MaxEvidenceBytes {
		return Evidence{}, nerrors.InvalidInput("size_bytes", "evidence exceeds configured size cap")
	}
	if ev.ID == "" {
		ev.ID = newID()
	}
	ev.CreatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO evidence (id, operation_id, evidence_type, evidence_data, source_url, provider, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ev.ID, ev.OperationID, ev.EvidenceType, jsonMap(ev.EvidenceData), ev.SourceURL, ev.Provider, ev.SizeBytes, ev.CreatedAt)
	if err != nil {
		return Evidence{}, nerrors.Store("append_evidence", err)
	}
	return ev, nil
}

func (p *Postgres) ListEvidence(ctx context.Context, operationID string) ([]Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, operation_id, evidence_type, evidence_data, source_url, provider, size_bytes, created_at
		FROM evidence WHERE operation_id = $1 ORDER BY created_at ASC
	`, operationID)
	if err != nil {
		return nil, nerrors.Store("list_evidence", err)
	}
	defer rows.Close()
	return scanEvidenceRows(rows)
}

func (p *Postgres) ListEvidenceByTask(ctx context.Context, taskID string) ([]Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.operation_id, e.evidence_type, e.evidence_data, e.source_url, e.provider, e.size_bytes, e.created_at
		FROM evidence e JOIN operations o ON o.id = e.operation_id
		WHERE o.task_id = $1 ORDER BY e.created_at ASC
	`, taskID)
	if err != nil {
		return nil, nerrors.Store("list_evidence_by_task", err)
	}
	defer rows.Close()
	return scanEvidenceRows(rows)
}

func scanEvidenceRows(rows *sql.Rows) ([]Evidence, error) {
	var out []Evidence
	for rows.Next() {
		var ev Evidence
		var data jsonMap
		if err := rows.Scan(&ev.ID, &ev.OperationID, &ev.EvidenceType, &data, &ev.SourceURL, &ev.Provider, &ev.SizeBytes, &ev.CreatedAt); err != nil {
			return nil, nerrors.Store("scan_evidence", err)
		}
		ev.EvidenceData = data
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertSource merges a newly-observed source into the deduplicated row for
// (url, content_hash), applying the configured ReliabilityRule, matching
// spec.md §3's "reliability_score monotone under repeated observations."
func (p *Postgres) UpsertSource(ctx context.Context, src Source) (Source, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return Source{}, nerrors.Store("upsert_source", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing Source
	var observationCount int
	err = tx.QueryRowContext(ctx, `
		SELECT id, url, title, description, provider, accessed_at, reliability_score, content_hash, observation_count
		FROM sources WHERE url = $1 AND content_hash = $2 FOR UPDATE
	`, src.URL, src.ContentHash).Scan(&existing.ID, &existing.URL, &existing.Title, &existing.Description,
		&existing.Provider, &existing.AccessedAt, &existing.ReliabilityScore, &existing.ContentHash, &observationCount)

	if errors.Is(err, sql.ErrNoRows) {
		if src.ID == "" {
			src.ID = newID()
		}
		if src.AccessedAt.IsZero() {
			src.AccessedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sources (id, url, title, description, provider, accessed_at, reliability_score, content_hash, observation_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)
		`, src.ID, src.URL, src.Title, src.Description, src.Provider, src.AccessedAt, src.ReliabilityScore, src.ContentHash)
		if err != nil {
			return Source{}, nerrors.Store("upsert_source", err)
		}
		if err := tx.Commit(); err != nil {
			return Source{}, nerrors.Store("upsert_source", err)
		}
		return src, nil
	}
	if err != nil {
		return Source{}, nerrors.Store("upsert_source", err)
	}

	observationCount++
	rule := p.cfg.ReliabilityRule
	if rule == nil {
		rule = DefaultReliabilityRule
	}
	existing.ReliabilityScore = rule(existing.ReliabilityScore, src.ReliabilityScore, observationCount)
	existing.AccessedAt = time.Now().UTC()
	if src.Title != "" {
		existing.Title = src.Title
	}
	if src.Description != "" {
		existing.Description = src.Description
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sources SET title=$1, description=$2, accessed_at=$3, reliability_score=$4, observation_count=$5
		WHERE id = $6
	`, existing.Title, existing.Description, existing.AccessedAt, existing.ReliabilityScore, observationCount, existing.ID)
	if err != nil {
		return Source{}, nerrors.Store("upsert_source", err)
	}
	if err := tx.Commit(); err != nil {
		return Source{}, nerrors.Store("upsert_source", err)
	}
	return existing, nil
}

func (p *Postgres) GetSourceByURL(ctx context.Context, url, contentHash string) (Source, bool, error) {
	var s Source
	err := p.db.QueryRowContext(ctx, `
		SELECT id, url, title, description, provider, accessed_at, reliability_score, content_hash
		FROM sources WHERE url = $1 AND content_hash = $2
	`, url, contentHash).Scan(&s.ID, &s.URL, &s.Title, &s.Description, &s.Provider, &s.AccessedAt, &s.ReliabilityScore, &s.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, false, nil
	}
	if err != nil {
		return Source{}, false, nerrors.Store("get_source_by_url", err)
	}
	return s, true, nil
}

func (p *Postgres) ListSources(ctx context.Context, taskID string) ([]Source, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT s.id, s.url, s.title, s.description, s.provider, s.accessed_at, s.reliability_score, s.content_hash
		FROM sources s JOIN source_summaries ss ON ss.source_id = s.id
		WHERE ss.task_id = $1 ORDER BY s.accessed_at ASC
	`, taskID)
	if err != nil {
		return nil, nerrors.Store("list_sources", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var s Source
		if err := rows.Scan(&s.ID, &s.URL, &s.Title, &s.Description, &s.Provider, &s.AccessedAt, &s.ReliabilityScore, &s.ContentHash); err != nil {
			return nil, nerrors.Store("list_sources", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendSourceSummary(ctx context.Context, s SourceSummary) (SourceSummary, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	s.CreatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO source_summaries (id, source_id, task_id, subtopic, summary, dok1_facts, dok_level, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.ID, s.SourceID, s.TaskID, s.Subtopic, s.Summary, pq.Array(s.DOK1Facts), s.DOKLevel, s.CreatedAt)
	if err != nil {
		return SourceSummary{}, nerrors.Store("append_source_summary", err)
	}
	return s, nil
}

func (p *Postgres) ListSourceSummaries(ctx context.Context, taskID string) ([]SourceSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, source_id, task_id, subtopic, summary, dok1_facts, dok_level, created_at
		FROM source_summaries WHERE task_id = $1 ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, nerrors.Store("list_source_summaries", err)
	}
	defer rows.Close()

	var out []SourceSummary
	for rows.Next() {
		var s SourceSummary
		if err := rows.Scan(&s.ID, &s.SourceID, &s.TaskID, &s.Subtopic, &s.Summary, pq.Array(&s.DOK1Facts), &s.DOKLevel, &s.CreatedAt); err != nil {
			return nil, nerrors.Store("list_source_summaries", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendKnowledgeNode(ctx context.Context, n KnowledgeNode) (KnowledgeNode, error) {
	if n.ParentID != nil {
		var parentTaskID string
		if err := p.db.QueryRowContext(ctx, `SELECT task_id FROM knowledge_nodes WHERE id = $1`, *n.ParentID).Scan(&parentTaskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return KnowledgeNode{}, nerrors.InvariantViolation("knowledge node parent not found")
			}
			return KnowledgeNode{}, nerrors.Store("append_knowledge_node", err)
		}
		if parentTaskID != n.TaskID {
			return KnowledgeNode{}, nerrors.InvariantViolation("knowledge node parent must belong to the same task")
		}
	}
	if n.ID == "" {
		n.ID = newID()
	}
	n.CreatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO knowledge_nodes (id, task_id, parent_id, category, subcategory, summary, dok_level, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, n.ID, n.TaskID, n.ParentID, n.Category, n.Subcategory, n.Summary, n.DOKLevel, n.CreatedAt)
	if err != nil {
		return KnowledgeNode{}, nerrors.Store("append_knowledge_node", err)
	}
	return n, nil
}

func (p *Postgres) ListKnowledgeNodes(ctx context.Context, taskID string) ([]KnowledgeNode, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, parent_id, category, subcategory, summary, dok_level, created_at
		FROM knowledge_nodes WHERE task_id = $1 ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, nerrors.Store("list_knowledge_nodes", err)
	}
	defer rows.Close()

	var out []KnowledgeNode
	for rows.Next() {
		var n KnowledgeNode
		if err := rows.Scan(&n.ID, &n.TaskID, &n.ParentID, &n.Category, &n.Subcategory, &n.Summary, &n.DOKLevel, &n.CreatedAt); err != nil {
			return nil, nerrors.Store("list_knowledge_nodes", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendKnowledgeNodeSource(ctx context.Context, link KnowledgeNodeSource) error {
	if link.RelevanceScore < 0 || link.RelevanceScore > 1 {
		return nerrors.InvariantViolation("relevance_score must be in [0,1]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO knowledge_node_sources (knowledge_node_id, source_id, relevance_score)
		VALUES ($1,$2,$3)
		ON CONFLICT (knowledge_node_id, source_id) DO UPDATE SET relevance_score = EXCLUDED.relevance_score
	`, link.KnowledgeNodeID, link.SourceID, link.RelevanceScore)
	if err != nil {
		return nerrors.Store("append_knowledge_node_source", err)
	}
	return nil
}

func (p *Postgres) ListKnowledgeNodeSources(ctx context.Context, knowledgeNodeID string) ([]KnowledgeNodeSource, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT knowledge_node_id, source_id, relevance_score FROM knowledge_node_sources WHERE knowledge_node_id = $1
	`, knowledgeNodeID)
	if err != nil {
		return nil, nerrors.Store("list_knowledge_node_sources", err)
	}
	defer rows.Close()

	var out []KnowledgeNodeSource
	for rows.Next() {
		var l KnowledgeNodeSource
		if err := rows.Scan(&l.KnowledgeNodeID, &l.SourceID, &l.RelevanceScore); err != nil {
			return nil, nerrors.Store("list_knowledge_node_sources", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendInsight(ctx context.Context, i Insight) (Insight, error) {
	if len(i.SourceIDs) == 0 {
		return Insight{}, nerrors.InvariantViolation("insight must cite at least one source")
	}
	if i.ID == "" {
		i.ID = newID()
	}
	if i.Confidence < 0 {
		i.Confidence = 0
	} else if i.Confidence > 1 {
		i.Confidence = 1
	}
	i.CreatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO insights (id, task_id, category, insight_text, confidence, source_ids, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, i.ID, i.TaskID, i.Category, i.InsightText, i.Confidence, pq.Array(i.SourceIDs), i.CreatedAt)
	if err != nil {
		return Insight{}, nerrors.Store("append_insight", err)
	}
	return i, nil
}

func (p *Postgres) ListInsights(ctx context.Context, taskID string) ([]Insight, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, category, insight_text, confidence, source_ids, created_at
		FROM insights WHERE task_id = $1 ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, nerrors.Store("list_insights", err)
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		var i Insight
		if err := rows.Scan(&i.ID, &i.TaskID, &i.Category, &i.InsightText, &i.Confidence, pq.Array(&i.SourceIDs), &i.CreatedAt); err != nil {
			return nil, nerrors.Store("list_insights", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendSpikyPOV(ctx context.Context, pov SpikyPOV) (SpikyPOV, error) {
	if len(pov.InsightIDs) == 0 {
		return SpikyPOV{}, nerrors.InvariantViolation("spiky POV must cite at least one insight")
	}
	if pov.Kind != POVTruth && pov.Kind != POVMyth {
		return SpikyPOV{}, nerrors.InvariantViolation("spiky POV kind must be truth or myth")
	}
	if pov.ID == "" {
		pov.ID = newID()
	}
	pov.CreatedAt = time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO spiky_povs (id, task_id, kind, statement, reasoning, insight_ids, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, pov.ID, pov.TaskID, pov.Kind, pov.Statement, pov.Reasoning, pq.Array(pov.InsightIDs), pov.CreatedAt)
	if err != nil {
		return SpikyPOV{}, nerrors.Store("append_spiky_pov", err)
	}
	return pov, nil
}

func (p *Postgres) ListSpikyPOVs(ctx context.Context, taskID string) ([]SpikyPOV, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, kind, statement, reasoning, insight_ids, created_at
		FROM spiky_povs WHERE task_id = $1 ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, nerrors.Store("list_spiky_povs", err)
	}
	defer rows.Close()

	var out []SpikyPOV
	for rows.Next() {
		var pov SpikyPOV
		if err := rows.Scan(&pov.ID, &pov.TaskID, &pov.Kind, &pov.Statement, &pov.Reasoning, pq.Array(&pov.InsightIDs), &pov.CreatedAt); err != nil {
			return nil, nerrors.Store("list_spiky_povs", err)
		}
		out = append(out, pov)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendReportSectionSource(ctx context.Context, link ReportSectionSource) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO report_section_sources (task_id, section, source_id) VALUES ($1,$2,$3)
		ON CONFLICT DO NOTHING
	`, link.TaskID, link.Section, link.SourceID)
	if err != nil {
		return nerrors.Store("append_report_section_source", err)
	}
	return nil
}

func (p *Postgres) ListReportSectionSources(ctx context.Context, taskID string) ([]ReportSectionSource, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT task_id, section, source_id FROM report_section_sources WHERE task_id = $1
	`, taskID)
	if err != nil {
		return nil, nerrors.Store("list_report_section_sources", err)
	}
	defer rows.Close()

	var out []ReportSectionSource
	for rows.Next() {
		var l ReportSectionSource
		if err := rows.Scan(&l.TaskID, &l.Section, &l.SourceID); err != nil {
			return nil, nerrors.Store("list_report_section_sources", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertEntity locks the current consolidated row FOR UPDATE (or creates it),
// merges attrs and lineage, and recomputes average_confidence inside one
// transaction — the Postgres equivalent of the teacher's NextPending
// SKIP LOCKED pattern, here used for safe concurrent merges instead of safe
// concurrent dequeue.
func (p *Postgres) UpsertEntity(ctx context.Context, scope EntityScope, entityType, identityKey string, attrs map[string]interface{}, lineageDelta map[string]LineageEntry, sourceTaskID string) (AggregatedEntity, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return AggregatedEntity{}, nerrors.Store("upsert_entity", err)
	}
	defer func() { _ = tx.Rollback() }()

	var e AggregatedEntity
	var attrsJSON, lineageJSON jsonValue
	var sourceTasks []string
	row := tx.QueryRowContext(ctx, `
		SELECT id, project_id, task_id, entity_type, consolidated_attributes, unique_identifier, source_tasks, confidence_score, data_lineage, created_at, updated_at
		FROM aggregated_entities
		WHERE entity_type = $1 AND unique_identifier = $2
		  AND ((project_id IS NOT NULL AND project_id = $3) OR (project_id IS NULL AND task_id = $4))
		FOR UPDATE
	`, entityType, identityKey, scope.ProjectID, scope.TaskID)
	err = row.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.EntityType, &attrsJSON, &e.UniqueIdentifier, pq.Array(&sourceTasks), &e.ConfidenceScore, &lineageJSON, &e.CreatedAt, &e.UpdatedAt)

	now := time.Now().UTC()
	if errors.Is(err, sql.ErrNoRows) {
		e = AggregatedEntity{
			ID:                     newID(),
			ProjectID:              scope.ProjectID,
			TaskID:                 scope.TaskID,
			EntityType:             entityType,
			UniqueIdentifier:       identityKey,
			ConsolidatedAttributes: make(map[string]interface{}),
			DataLineage:            make(map[string]AttributeLineage),
			CreatedAt:              now,
		}
	} else if err != nil {
		return AggregatedEntity{}, nerrors.Store("upsert_entity", err)
	} else {
		e.ConsolidatedAttributes = decodeAttributeMap(attrsJSON.V)
		e.DataLineage = decodeLineageMap(lineageJSON.V)
		e.SourceTasks = sourceTasks
	}

	for attr, val := range attrs {
		if e.ConsolidatedAttributes == nil {
			e.ConsolidatedAttributes = make(map[string]interface{})
		}
		e.ConsolidatedAttributes[attr] = val
	}
	if e.DataLineage == nil {
		e.DataLineage = make(map[string]AttributeLineage)
	}
	for attr, entry := range lineageDelta {
		lineage := e.DataLineage[attr]
		lineage.Sources = appendLineageIfAbsent(lineage.Sources, entry)
		lineage.ConsolidationTimestamp = now
		lineage.AverageConfidence = averageConfidence(lineage.Sources)
		e.DataLineage[attr] = lineage
	}
	totalConf, totalAttrs := 0.0, 0
	for _, lineage := range e.DataLineage {
		totalConf += lineage.AverageConfidence
		totalAttrs++
	}
	if totalAttrs > 0 {
		e.ConfidenceScore = totalConf / float64(totalAttrs)
	}
	if sourceTaskID != "" && !containsStr(e.SourceTasks, sourceTaskID) {
		e.SourceTasks = append(e.SourceTasks, sourceTaskID)
	}
	e.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO aggregated_entities (id, project_id, task_id, entity_type, consolidated_attributes, unique_identifier, source_tasks, confidence_score, data_lineage, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			consolidated_attributes = EXCLUDED.consolidated_attributes,
			source_tasks = EXCLUDED.source_tasks,
			confidence_score = EXCLUDED.confidence_score,
			data_lineage = EXCLUDED.data_lineage,
			updated_at = EXCLUDED.updated_at
	`, e.ID, e.ProjectID, e.TaskID, e.EntityType, jsonValue{V: e.ConsolidatedAttributes}, e.UniqueIdentifier,
		pq.Array(e.SourceTasks), e.ConfidenceScore, jsonValue{V: e.DataLineage}, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return AggregatedEntity{}, nerrors.Store("upsert_entity", err)
	}
	if err := tx.Commit(); err != nil {
		return AggregatedEntity{}, nerrors.Store("upsert_entity", err)
	}
	return e, nil
}

func decodeAttributeMap(v interface{}) map[string]interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return make(map[string]interface{})
	}
	return m
}

func decodeLineageMap(v interface{}) map[string]AttributeLineage {
	out := make(map[string]AttributeLineage)
	m, ok := v.(map[string]interface{})
	if !ok {
		return out
	}
	for attr, raw := range m {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		var lineage AttributeLineage
		if avg, ok := entry["average_confidence"].(float64); ok {
			lineage.AverageConfidence = avg
		}
		out[attr] = lineage
	}
	return out
}

func (p *Postgres) ListEntities(ctx context.Context, filter EntityFilter) ([]AggregatedEntity, error) {
	q := `SELECT id, project_id, task_id, entity_type, consolidated_attributes, unique_identifier, source_tasks, confidence_score, data_lineage, created_at, updated_at FROM aggregated_entities WHERE 1=1`
	args := []interface{}{}
	n := 1
	if filter.ProjectID != nil {
		q += sqlPlaceholder(" AND project_id = $", &n)
		args = append(args, *filter.ProjectID)
	}
	if filter.TaskID != "" {
		p1, p2 := n, n+1
		q += " AND (task_id = $" + itoa(p1) + " OR $" + itoa(p2) + " = ANY(source_tasks))"
		args = append(args, filter.TaskID, filter.TaskID)
		n += 2
	}
	if filter.EntityType != "" {
		q += sqlPlaceholder(" AND entity_type = $", &n)
		args = append(args, filter.EntityType)
	}
	q += " ORDER BY unique_identifier ASC"

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nerrors.Store("list_entities", err)
	}
	defer rows.Close()

	var out []AggregatedEntity
	for rows.Next() {
		var e AggregatedEntity
		var attrsJSON, lineageJSON jsonValue
		var sourceTasks []string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.EntityType, &attrsJSON, &e.UniqueIdentifier,
			pq.Array(&sourceTasks), &e.ConfidenceScore, &lineageJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, nerrors.Store("list_entities", err)
		}
		e.ConsolidatedAttributes = decodeAttributeMap(attrsJSON.V)
		e.DataLineage = decodeLineageMap(lineageJSON.V)
		e.SourceTasks = sourceTasks
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertProject(ctx context.Context, proj Project) (Project, error) {
	if proj.ID == "" {
		proj.ID = newID()
	}
	if proj.CreatedAt.IsZero() {
		proj.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, proj.ID, proj.Name, proj.CreatedAt)
	if err != nil {
		return Project{}, nerrors.Store("upsert_project", err)
	}
	return proj, nil
}

func (p *Postgres) GetProject(ctx context.Context, projectID string) (Project, error) {
	var proj Project
	err := p.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM projects WHERE id = $1`, projectID).
		Scan(&proj.ID, &proj.Name, &proj.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, nerrors.NotFound("project", projectID)
	}
	if err != nil {
		return Project{}, nerrors.Store("get_project", err)
	}
	return proj, nil
}
