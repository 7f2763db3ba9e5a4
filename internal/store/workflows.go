package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/stepline/internal/workflow"
)

// taskSpec is the template-derived part of a task instance, stored as
// one jsonb column; runtime state gets first-class columns.
type taskSpec struct {
	RawPerformers []workflow.RawPerformer `json:"raw_performers"`
	RawDueDate    *workflow.RawDueDate    `json:"raw_due_date,omitempty"`
	Conditions    []workflow.Condition    `json:"conditions,omitempty"`
	Fields        []workflow.FieldDef     `json:"fields,omitempty"`
	Checklists    []workflow.Checklist    `json:"checklists,omitempty"`
	CompleteByAll bool                    `json:"complete_by_all"`
}

// CreateWorkflow inserts a fresh workflow row. Tasks are persisted by
// the first SaveWorkflow inside the same transaction.
func (s *Store) CreateWorkflow(ctx context.Context, q Querier, w *workflow.Workflow) error {
	_, err := q.Exec(ctx, `
		INSERT INTO workflows (id, template_id, version, name, status, starter_id, current_task, tasks_count, date_created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.TemplateID, w.Version, w.Name, string(w.Status),
		nullable(w.StarterID), w.Current, w.TasksCount, w.DateCreated,
	)
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", w.ID, err)
	}
	return nil
}

// LoadWorkflow reads the full aggregate: the workflow row, its task
// instances ordered by step number, and their performer assignments.
func (s *Store) LoadWorkflow(ctx context.Context, q Querier, id string) (*workflow.Workflow, error) {
	var w workflow.Workflow
	var starter *string
	err := q.QueryRow(ctx, `
		SELECT id, template_id, version, name, status, starter_id, current_task, tasks_count, date_created
		FROM workflows WHERE id = $1`, id,
	).Scan(&w.ID, &w.TemplateID, &w.Version, &w.Name, &w.Status, &starter, &w.Current, &w.TasksCount, &w.DateCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	if starter != nil {
		w.StarterID = *starter
	}

	if err := s.loadTasks(ctx, q, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) loadTasks(ctx context.Context, q Querier, w *workflow.Workflow) error {
	rows, err := q.Query(ctx, `
		SELECT id, api_name, number, name, description, status,
		       date_first_started, date_started, date_completed,
		       is_completed, is_skipped, due_date, due_date_directly,
		       delay_ms, delay_ends_at, spec, checklist_total, checklist_marked
		FROM task_instances
		WHERE workflow_id = $1
		ORDER BY number`, w.ID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*workflow.TaskInstance)
	for rows.Next() {
		ti := &workflow.TaskInstance{WorkflowID: w.ID}
		var specJSON []byte
		var delayMs int64
		err := rows.Scan(
			&ti.ID, &ti.APIName, &ti.Number, &ti.Name, &ti.Description, &ti.Status,
			&ti.DateFirstStarted, &ti.DateStarted, &ti.DateCompleted,
			&ti.IsCompleted, &ti.IsSkipped, &ti.DueDate, &ti.DueDateDirectly,
			&delayMs, &ti.DelayEndsAt, &specJSON, &ti.ChecklistTotal, &ti.ChecklistMarked,
		)
		if err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		ti.Delay = time.Duration(delayMs) * time.Millisecond

		var spec taskSpec
		if err := json.Unmarshal(specJSON, &spec); err != nil {
			return fmt.Errorf("unmarshal task spec %s: %w", ti.APIName, err)
		}
		ti.RawPerformers = spec.RawPerformers
		ti.RawDueDate = spec.RawDueDate
		ti.Conditions = spec.Conditions
		ti.Fields = spec.Fields
		ti.Checklists = spec.Checklists
		ti.CompleteByAll = spec.CompleteByAll

		w.Tasks = append(w.Tasks, ti)
		byID[ti.ID] = ti
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tasks: %w", err)
	}
	if len(byID) == 0 {
		return nil
	}

	prows, err := q.Query(ctx, `
		SELECT p.id, p.task_id, p.user_id, p.source_group_id, p.directly_status, p.is_completed, p.date_completed
		FROM performer_assignments p
		JOIN task_instances t ON t.id = p.task_id
		WHERE t.workflow_id = $1
		ORDER BY p.user_id`, w.ID)
	if err != nil {
		return fmt.Errorf("load performers: %w", err)
	}
	defer prows.Close()

	for prows.Next() {
		var p workflow.PerformerAssignment
		if err := prows.Scan(&p.ID, &p.TaskID, &p.UserID, &p.SourceGroupID, &p.Directly, &p.IsCompleted, &p.DateCompleted); err != nil {
			return fmt.Errorf("scan performer: %w", err)
		}
		if ti := byID[p.TaskID]; ti != nil {
			cp := p
			ti.Performers = append(ti.Performers, &cp)
		}
	}
	return prows.Err()
}

// SaveWorkflow writes the whole aggregate back: the workflow row is
// updated, tasks and performers are upserted, and rows no longer in
// the aggregate (pruned by migration, removed assignments) are
// deleted. Must run inside the workflow's transaction.
func (s *Store) SaveWorkflow(ctx context.Context, q Querier, w *workflow.Workflow) error {
	sort.SliceStable(w.Tasks, func(i, j int) bool { return w.Tasks[i].Number < w.Tasks[j].Number })

	tag, err := q.Exec(ctx, `
		UPDATE workflows
		SET version = $2, status = $3, current_task = $4, tasks_count = $5, name = $6
		WHERE id = $1`,
		w.ID, w.Version, string(w.Status), w.Current, w.TasksCount, w.Name,
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save workflow %s: %w", w.ID, ErrNotFound)
	}

	taskIDs := make([]string, 0, len(w.Tasks))
	performerIDs := make([]string, 0)
	for _, ti := range w.Tasks {
		taskIDs = append(taskIDs, ti.ID)
		if err := s.saveTask(ctx, q, ti); err != nil {
			return err
		}
		for _, p := range ti.Performers {
			performerIDs = append(performerIDs, p.ID)
			if err := s.savePerformer(ctx, q, p); err != nil {
				return err
			}
		}
	}

	// Prune rows dropped from the aggregate.
	if _, err := q.Exec(ctx, `
		DELETE FROM task_instances
		WHERE workflow_id = $1 AND NOT (id = ANY($2))`, w.ID, taskIDs); err != nil {
		return fmt.Errorf("prune tasks: %w", err)
	}
	if _, err := q.Exec(ctx, `
		DELETE FROM performer_assignments p
		USING task_instances t
		WHERE t.id = p.task_id AND t.workflow_id = $1 AND NOT (p.id = ANY($2))`, w.ID, performerIDs); err != nil {
		return fmt.Errorf("prune performers: %w", err)
	}
	return nil
}

func (s *Store) saveTask(ctx context.Context, q Querier, ti *workflow.TaskInstance) error {
	spec, err := json.Marshal(taskSpec{
		RawPerformers: ti.RawPerformers,
		RawDueDate:    ti.RawDueDate,
		Conditions:    ti.Conditions,
		Fields:        ti.Fields,
		Checklists:    ti.Checklists,
		CompleteByAll: ti.CompleteByAll,
	})
	if err != nil {
		return fmt.Errorf("marshal task spec %s: %w", ti.APIName, err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO task_instances (
			id, workflow_id, api_name, number, name, description, status,
			date_first_started, date_started, date_completed,
			is_completed, is_skipped, due_date, due_date_directly,
			delay_ms, delay_ends_at, spec, checklist_total, checklist_marked
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET
			number = EXCLUDED.number,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			date_first_started = EXCLUDED.date_first_started,
			date_started = EXCLUDED.date_started,
			date_completed = EXCLUDED.date_completed,
			is_completed = EXCLUDED.is_completed,
			is_skipped = EXCLUDED.is_skipped,
			due_date = EXCLUDED.due_date,
			due_date_directly = EXCLUDED.due_date_directly,
			delay_ms = EXCLUDED.delay_ms,
			delay_ends_at = EXCLUDED.delay_ends_at,
			spec = EXCLUDED.spec,
			checklist_total = EXCLUDED.checklist_total,
			checklist_marked = EXCLUDED.checklist_marked`,
		ti.ID, ti.WorkflowID, ti.APIName, ti.Number, ti.Name, ti.Description, string(ti.Status),
		ti.DateFirstStarted, ti.DateStarted, ti.DateCompleted,
		ti.IsCompleted, ti.IsSkipped, ti.DueDate, ti.DueDateDirectly,
		ti.Delay.Milliseconds(), ti.DelayEndsAt, spec, ti.ChecklistTotal, ti.ChecklistMarked,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", ti.APIName, err)
	}
	return nil
}

func (s *Store) savePerformer(ctx context.Context, q Querier, p *workflow.PerformerAssignment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO performer_assignments (id, task_id, user_id, source_group_id, directly_status, is_completed, date_completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			source_group_id = EXCLUDED.source_group_id,
			directly_status = EXCLUDED.directly_status,
			is_completed = EXCLUDED.is_completed,
			date_completed = EXCLUDED.date_completed`,
		p.ID, p.TaskID, p.UserID, p.SourceGroupID, string(p.Directly), p.IsCompleted, p.DateCompleted,
	)
	if err != nil {
		return fmt.Errorf("save performer %s: %w", p.UserID, err)
	}
	return nil
}

// DelayedWorkflowIDs lists delayed workflows whose suspension has
// expired by now; the scheduler resumes them.
func (s *Store) DelayedWorkflowIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT w.id
		FROM workflows w
		JOIN task_instances t ON t.workflow_id = w.id AND t.number = w.current_task
		WHERE w.status = 'delayed' AND t.delay_ends_at IS NOT NULL AND t.delay_ends_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("list delayed workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
