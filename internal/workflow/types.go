package workflow

import (
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning Status = "running"
	StatusDelayed Status = "delayed"
	StatusDone    Status = "done"
)

// TaskStatus is the lifecycle state of a single task instance.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskStarted   TaskStatus = "started"
	TaskDelayed   TaskStatus = "delayed"
	TaskCompleted TaskStatus = "completed"
	TaskSkipped   TaskStatus = "skipped"
)

// PerformerKind identifies how a raw performer spec is resolved.
type PerformerKind string

const (
	PerformerUser    PerformerKind = "user"
	PerformerGroup   PerformerKind = "group"
	PerformerField   PerformerKind = "field"
	PerformerStarter PerformerKind = "workflow_starter"
)

// DirectlyStatus records a manual override of template-derived membership.
type DirectlyStatus string

const (
	DirectlyNone    DirectlyStatus = ""
	DirectlyAdded   DirectlyStatus = "added"
	DirectlyRemoved DirectlyStatus = "removed"
)

// DueDateRule selects the anchor a due date is computed from.
type DueDateRule string

const (
	RuleAfterWorkflowStarted DueDateRule = "after_workflow_started"
	RuleAfterTaskStarted     DueDateRule = "after_task_started"
	RuleAfterTaskCompleted   DueDateRule = "after_task_completed"
	RuleBeforeField          DueDateRule = "before_field"
	RuleAfterField           DueDateRule = "after_field"
)

// ConditionAction is what a satisfied condition does to progression.
type ConditionAction string

const (
	ActionSkipTask    ConditionAction = "skip_task"
	ActionEndWorkflow ConditionAction = "end_workflow"
)

// PredicateOperator is the comparison a predicate applies.
type PredicateOperator string

const (
	OpExists      PredicateOperator = "exists"
	OpNotExists   PredicateOperator = "not_exists"
	OpCompleted   PredicateOperator = "completed"
	OpEquals      PredicateOperator = "equals"
	OpNotEquals   PredicateOperator = "not_equals"
	OpContains    PredicateOperator = "contains"
	OpNotContains PredicateOperator = "not_contains"
	OpMoreThan    PredicateOperator = "more_than"
	OpLessThan    PredicateOperator = "less_than"
)

// FieldType is the declared type of a field definition.
type FieldType string

const (
	FieldText FieldType = "text"
	FieldUser FieldType = "user"
	FieldDate FieldType = "date"
)

// ValueSource says whether a predicate compares against a literal or
// against another field's current value.
type ValueSource string

const (
	ValueLiteral ValueSource = "literal"
	ValueField   ValueSource = "field"
)

// FieldDef is a field declaration on the kickoff form or a task.
type FieldDef struct {
	APIName string    `json:"api_name"`
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	Order   int       `json:"order"`
}

// ChecklistItem is one checkable entry inside a checklist.
type ChecklistItem struct {
	APIName string `json:"api_name"`
	Text    string `json:"text"`
}

// Checklist is a named group of checklist items on a task.
type Checklist struct {
	APIName string          `json:"api_name"`
	Items   []ChecklistItem `json:"items"`
}

// RawPerformer is a template-level performer spec before resolution.
type RawPerformer struct {
	Kind         PerformerKind `json:"kind"`
	UserID       string        `json:"user_id,omitempty"`
	GroupID      string        `json:"group_id,omitempty"`
	FieldAPIName string        `json:"field_api_name,omitempty"`
}

// RawDueDate is the declarative due-date rule of a task. A task has at
// most one.
type RawDueDate struct {
	Rule           DueDateRule   `json:"rule"`
	Duration       time.Duration `json:"duration"`
	DurationMonths int           `json:"duration_months"`
	SourceID       string        `json:"source_id,omitempty"` // api_name of the referenced task or field
}

// Predicate is a single comparison inside a rule.
type Predicate struct {
	Operator     PredicateOperator `json:"operator"`
	FieldType    FieldType         `json:"field_type"`
	FieldAPIName string            `json:"field_api_name"` // field, or task api_name for "completed"
	ValueSource  ValueSource       `json:"value_source,omitempty"`
	Value        string            `json:"value,omitempty"` // literal, or field api_name when ValueSource is "field"
}

// Rule is a conjunction of predicates; all must hold.
type Rule struct {
	Order      int         `json:"order"`
	Predicates []Predicate `json:"predicates"`
}

// Condition attaches a branch action to a task. Its rules are OR'ed:
// any satisfied rule triggers the action.
type Condition struct {
	APIName string          `json:"api_name"`
	Order   int             `json:"order"`
	Action  ConditionAction `json:"action"`
	Rules   []Rule          `json:"rules"`
}

// TemplateTask is one ordered step of a template version. Immutable
// once a running workflow references the version; the api_name is the
// join key that survives template edits.
type TemplateTask struct {
	APIName       string         `json:"api_name"`
	Number        int            `json:"number"`
	Name          string         `json:"name"`        // may contain {{api_name}} placeholders
	Description   string         `json:"description"` // same
	RawPerformers []RawPerformer `json:"raw_performers"`
	RawDueDate    *RawDueDate    `json:"raw_due_date,omitempty"`
	Delay         time.Duration  `json:"delay,omitempty"` // 0 means no delay
	Conditions    []Condition    `json:"conditions,omitempty"`
	Fields        []FieldDef     `json:"fields,omitempty"`
	Checklists    []Checklist    `json:"checklists,omitempty"`
	CompleteByAll bool           `json:"complete_by_all"` // false: any one performer completes the task
}

// Template is one version of a reusable process definition.
type Template struct {
	ID            string         `json:"id"`       // stable concept id
	Version       int            `json:"version"`  // monotonically increasing per edit
	Name          string         `json:"name"`
	KickoffFields []FieldDef     `json:"kickoff_fields,omitempty"`
	Tasks         []TemplateTask `json:"tasks"` // ordered by Number
}

// Task returns the template task with the given api_name, or nil.
func (t *Template) Task(apiName string) *TemplateTask {
	for i := range t.Tasks {
		if t.Tasks[i].APIName == apiName {
			return &t.Tasks[i]
		}
	}
	return nil
}

// PerformerAssignment is a (task, user) pair produced by performer
// resolution or by a manual override. Group specs expand to one
// assignment per member; completion is tracked per performer to
// support complete-by-all tasks.
type PerformerAssignment struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	UserID        string         `json:"user_id"`
	SourceGroupID string         `json:"source_group_id,omitempty"` // set when derived from a group spec
	Directly      DirectlyStatus `json:"directly_status,omitempty"`
	IsCompleted   bool           `json:"is_completed"`
	DateCompleted *time.Time     `json:"date_completed,omitempty"`
}

// Active reports whether the assignment currently counts as a
// performer (manually removed ones are kept as tombstones).
func (p *PerformerAssignment) Active() bool {
	return p.Directly != DirectlyRemoved
}

// TaskInstance mirrors a TemplateTask inside one workflow and carries
// the mutable runtime state. Owned exclusively by its workflow.
type TaskInstance struct {
	ID          string `json:"id"`
	WorkflowID  string `json:"workflow_id"`
	APIName     string `json:"api_name"`
	Number      int    `json:"number"`
	Name        string `json:"name"` // rendered with field values
	Description string `json:"description"`

	Status           TaskStatus `json:"status"`
	DateFirstStarted *time.Time `json:"date_first_started,omitempty"`
	DateStarted      *time.Time `json:"date_started,omitempty"`
	DateCompleted    *time.Time `json:"date_completed,omitempty"`
	IsCompleted      bool       `json:"is_completed"`
	IsSkipped        bool       `json:"is_skipped"`

	DueDate         *time.Time `json:"due_date,omitempty"`
	DueDateDirectly bool       `json:"due_date_directly"` // human override; resolver must not touch

	Delay       time.Duration `json:"delay,omitempty"`
	DelayEndsAt *time.Time    `json:"delay_ends_at,omitempty"`

	// Template-derived definitions, cloned per instance at creation or
	// migration time so evaluation uses instance field values.
	RawPerformers []RawPerformer `json:"raw_performers"`
	RawDueDate    *RawDueDate    `json:"raw_due_date,omitempty"`
	Conditions    []Condition    `json:"conditions,omitempty"`
	Fields        []FieldDef     `json:"fields,omitempty"`
	Checklists    []Checklist    `json:"checklists,omitempty"`
	CompleteByAll bool           `json:"complete_by_all"`

	ChecklistTotal  int `json:"checklist_total"`
	ChecklistMarked int `json:"checklist_marked"`

	Performers []*PerformerAssignment `json:"performers,omitempty"`
}

// ActivePerformers returns the assignments that currently count.
func (t *TaskInstance) ActivePerformers() []*PerformerAssignment {
	var out []*PerformerAssignment
	for _, p := range t.Performers {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// Performer returns the assignment for a user, tombstones included.
func (t *TaskInstance) Performer(userID string) *PerformerAssignment {
	for _, p := range t.Performers {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// CompletionSatisfied reports whether the task's completion policy
// holds: every active performer done, or any one for non-CompleteByAll
// tasks. A task with no active performers is never satisfied.
func (t *TaskInstance) CompletionSatisfied() bool {
	active := t.ActivePerformers()
	if len(active) == 0 {
		return false
	}
	done := 0
	for _, p := range active {
		if p.IsCompleted {
			done++
		}
	}
	if t.CompleteByAll {
		return done == len(active)
	}
	return done > 0
}

// Workflow is one running (or finished) instance of a template.
// Invariant: 1 <= CurrentTask <= TasksCount+1, where TasksCount+1
// means the workflow has finished every step.
type Workflow struct {
	ID          string    `json:"id"`
	TemplateID  string    `json:"template_id"`
	Version     int       `json:"version"` // template version last reconciled against
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	StarterID   string    `json:"starter_id,omitempty"` // empty for externally started runs
	Current     int       `json:"current_task"`         // 1-based step number
	TasksCount  int       `json:"tasks_count"`
	DateCreated time.Time `json:"date_created"`

	Tasks []*TaskInstance `json:"tasks"` // ordered by Number
}

// Task returns the task instance at the given step number, or nil.
func (w *Workflow) Task(number int) *TaskInstance {
	for _, t := range w.Tasks {
		if t.Number == number {
			return t
		}
	}
	return nil
}

// TaskByAPIName returns the task instance with the given api_name.
func (w *Workflow) TaskByAPIName(apiName string) *TaskInstance {
	for _, t := range w.Tasks {
		if t.APIName == apiName {
			return t
		}
	}
	return nil
}

// CurrentTask returns the instance at the current step, or nil when
// the workflow is done.
func (w *Workflow) CurrentTask() *TaskInstance {
	return w.Task(w.Current)
}
