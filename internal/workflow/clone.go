package workflow

import (
	"github.com/google/uuid"
)

// NewTaskInstance clones a template task into a fresh instance for the
// given workflow. Conditions, fields and checklists are copied so the
// instance keeps evaluating against its own version even while the
// template is edited.
func NewTaskInstance(w *Workflow, tt *TemplateTask) *TaskInstance {
	ti := &TaskInstance{
		ID:          uuid.New().String(),
		WorkflowID:  w.ID,
		APIName:     tt.APIName,
		Number:      tt.Number,
		Name:        tt.Name,
		Description: tt.Description,
		Status:      TaskPending,
		Delay:       tt.Delay,
	}
	ApplyTemplateTask(ti, tt)
	return ti
}

// ApplyTemplateTask copies the template-derived definitions of tt onto
// an existing instance, leaving runtime state alone. Used both at
// creation and when a migration re-clones definitions for the current
// task and everything after it.
func ApplyTemplateTask(ti *TaskInstance, tt *TemplateTask) {
	ti.Number = tt.Number
	ti.Name = tt.Name
	ti.Description = tt.Description
	ti.Delay = tt.Delay
	ti.CompleteByAll = tt.CompleteByAll

	ti.RawPerformers = append([]RawPerformer(nil), tt.RawPerformers...)

	if tt.RawDueDate != nil {
		dd := *tt.RawDueDate
		ti.RawDueDate = &dd
	} else {
		ti.RawDueDate = nil
	}

	ti.Conditions = cloneConditions(tt.Conditions)
	ti.Fields = append([]FieldDef(nil), tt.Fields...)
	ti.Checklists = cloneChecklists(tt.Checklists)

	total := 0
	for _, cl := range ti.Checklists {
		total += len(cl.Items)
	}
	ti.ChecklistTotal = total
	if ti.ChecklistMarked > total {
		ti.ChecklistMarked = total
	}
}

func cloneConditions(src []Condition) []Condition {
	if src == nil {
		return nil
	}
	out := make([]Condition, len(src))
	for i, c := range src {
		cc := c
		cc.Rules = make([]Rule, len(c.Rules))
		for j, r := range c.Rules {
			rr := r
			rr.Predicates = append([]Predicate(nil), r.Predicates...)
			cc.Rules[j] = rr
		}
		out[i] = cc
	}
	return out
}

func cloneChecklists(src []Checklist) []Checklist {
	if src == nil {
		return nil
	}
	out := make([]Checklist, len(src))
	for i, cl := range src {
		cc := cl
		cc.Items = append([]ChecklistItem(nil), cl.Items...)
		out[i] = cc
	}
	return out
}
