// Package duedate computes task due dates from their declarative
// rules.
package duedate

import (
	"time"

	"github.com/nidhogg/stepline/internal/fields"
	"github.com/nidhogg/stepline/internal/workflow"
)

// monthDays is the fixed month length used for duration_months.
const monthDays = 30

// Resolve computes the task's due date, or nil when the task has no
// rule or the rule's anchor is not available yet. An unavailable
// anchor (unanswered field, task not started, dangling reference) is
// not an error; the next recompute simply tries again.
func Resolve(w *workflow.Workflow, task *workflow.TaskInstance, vals fields.Values, idx *workflow.Index) *time.Time {
	rd := task.RawDueDate
	if rd == nil {
		return nil
	}

	anchor := anchorFor(w, task, rd, vals, idx)
	if anchor == nil {
		return nil
	}

	offset := rd.Duration + time.Duration(rd.DurationMonths)*monthDays*24*time.Hour
	var due time.Time
	if rd.Rule == workflow.RuleBeforeField {
		due = anchor.Add(-offset)
	} else {
		due = anchor.Add(offset)
	}
	return &due
}

func anchorFor(w *workflow.Workflow, task *workflow.TaskInstance, rd *workflow.RawDueDate, vals fields.Values, idx *workflow.Index) *time.Time {
	switch rd.Rule {
	case workflow.RuleAfterWorkflowStarted:
		t := w.DateCreated
		return &t

	case workflow.RuleAfterTaskStarted:
		// A task may anchor on its own start.
		var ref *workflow.TaskInstance
		if rd.SourceID == task.APIName {
			ref = task
		} else {
			ref = idx.TaskBefore(rd.SourceID, task.Number)
		}
		if ref == nil {
			return nil
		}
		return ref.DateFirstStarted

	case workflow.RuleAfterTaskCompleted:
		ref := idx.TaskBefore(rd.SourceID, task.Number)
		if ref == nil || !ref.IsCompleted {
			return nil
		}
		return ref.DateCompleted

	case workflow.RuleBeforeField, workflow.RuleAfterField:
		def, ok := idx.FieldBefore(rd.SourceID, task.Number)
		if !ok || def.Type != workflow.FieldDate {
			return nil
		}
		raw, ok := vals.Get(rd.SourceID)
		if !ok {
			return nil
		}
		parsed, ok := fields.ParseDate(raw)
		if !ok {
			return nil
		}
		return &parsed

	default:
		return nil
	}
}

// Refresh recomputes the due date and writes it back onto the task.
// It reports whether the stored value changed, which is what decides
// whether a due-date-changed event fires. Tasks with a direct human
// override are left alone.
func Refresh(w *workflow.Workflow, task *workflow.TaskInstance, vals fields.Values, idx *workflow.Index) bool {
	if task.DueDateDirectly {
		return false
	}
	computed := Resolve(w, task, vals, idx)
	if equal(task.DueDate, computed) {
		return false
	}
	task.DueDate = computed
	return true
}

func equal(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
