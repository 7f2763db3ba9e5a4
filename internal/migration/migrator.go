// Package migration reconciles running workflow instances against an
// edited template version without losing in-flight state. The whole
// pass mutates the loaded aggregate in memory and must be persisted in
// one transaction: it either lands completely or not at all.
package migration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/stepline/internal/progression"
	"github.com/nidhogg/stepline/internal/workflow"
)

// Migrator brings running workflows forward to a new template version.
type Migrator struct {
	machine *progression.Machine
	logger  *zap.Logger
}

// NewMigrator creates a migrator driving the given state machine.
func NewMigrator(machine *progression.Machine, logger *zap.Logger) *Migrator {
	return &Migrator{machine: machine, logger: logger}
}

// Migrate reconciles r.Workflow with the next template version.
// r.Template must hold the version the workflow currently follows; on
// success it is replaced with next. A workflow already at (or past)
// next's version is left untouched and emits nothing.
func (mg *Migrator) Migrate(ctx context.Context, r *progression.Run, next *workflow.Template) error {
	w := r.Workflow
	if w.Status == workflow.StatusDone {
		return nil
	}
	if w.Version >= next.Version {
		return nil
	}

	oldCurrent := w.CurrentTask()

	// Where does progression resume? If the active task's api_name
	// survived the edit it stays current (possibly renumbered);
	// otherwise resume right after the latest completed task that
	// survived, or at the first step.
	newCurrent := mg.resumeStep(w, next, oldCurrent)

	// Capture the active task's delay state before runtime state is
	// cleared below; the delay handling further down needs it.
	wasDelayed := oldCurrent != nil && oldCurrent.Status == workflow.TaskDelayed
	oldDelayEnds := time.Time{}
	if wasDelayed && oldCurrent.DelayEndsAt != nil {
		oldDelayEnds = *oldCurrent.DelayEndsAt
	}

	// Reconcile instances against the new task list. Tasks
	// are matched by api_name; matched instances keep their identity,
	// their performer assignments and (for steps now behind the
	// pointer) their runtime history. Instances whose api_name
	// vanished are dropped from the aggregate; the store prunes their
	// rows on save.
	kept := make([]*workflow.TaskInstance, 0, len(next.Tasks))
	for i := range next.Tasks {
		tt := &next.Tasks[i]
		ti := w.TaskByAPIName(tt.APIName)
		if ti == nil {
			ti = workflow.NewTaskInstance(w, tt)
		} else if tt.Number >= newCurrent {
			// Re-clone template definitions for the current task and
			// everything after it, then un-complete runtime state
			// that is now ahead of the pointer. Performer
			// assignments (and their completions) survive because the
			// api_name is unchanged.
			workflow.ApplyTemplateTask(ti, tt)
			mg.clearRuntime(ti)
		} else {
			// Behind the pointer: renumber only, history stays.
			ti.Number = tt.Number
		}
		kept = append(kept, ti)
	}

	for _, ti := range w.Tasks {
		if next.Task(ti.APIName) == nil {
			mg.logger.Info("pruning task removed by template edit",
				zap.String("workflow", w.ID), zap.String("task", ti.APIName))
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Number < kept[j].Number })
	w.Tasks = kept
	w.TasksCount = len(next.Tasks)
	w.Version = next.Version
	r.Template = next

	// Finalize when the pointer ran off the end.
	if newCurrent > w.TasksCount {
		if newCurrent > w.TasksCount+1 {
			return fmt.Errorf("%w: resume step %d of %d", progression.ErrInvariant, newCurrent, w.TasksCount)
		}
		return mg.machine.Advance(ctx, r, newCurrent)
	}
	w.Current = newCurrent

	// Delay handling for a surviving active task: an unexpired delay
	// that still exists under the new version keeps the workflow
	// suspended; an expired or removed one resumes it.
	cur := w.Task(newCurrent)
	if wasDelayed && oldCurrent != nil && cur != nil && cur.APIName == oldCurrent.APIName {
		stillDelayed := cur.Delay > 0 && !oldDelayEnds.IsZero() && time.Now().UTC().Before(oldDelayEnds)
		cur.Status = workflow.TaskDelayed
		cur.DelayEndsAt = &oldDelayEnds
		w.Status = workflow.StatusDelayed
		if stillDelayed {
			return nil
		}
		if err := mg.machine.Resume(ctx, r, true); err != nil {
			return err
		}
		return mg.machine.CompleteIfSatisfied(ctx, r)
	}

	// Normal progression from the recomputed step: condition
	// evaluation, performer delta notifications and due-date
	// resolution all run exactly as on a live advance.
	if err := mg.machine.Advance(ctx, r, newCurrent); err != nil {
		return err
	}
	return mg.machine.CompleteIfSatisfied(ctx, r)
}

// resumeStep decides where progression resumes: the active task stays
// current when its api_name survived the edit; otherwise progression
// resumes one past the new position of the latest completed surviving
// task, falling back to the first step.
func (mg *Migrator) resumeStep(w *workflow.Workflow, next *workflow.Template, oldCurrent *workflow.TaskInstance) int {
	if oldCurrent != nil {
		if tt := next.Task(oldCurrent.APIName); tt != nil {
			return tt.Number
		}
	}
	bestOld := 0 // latest by old step number
	resume := 1
	for _, ti := range w.Tasks {
		if !ti.IsCompleted {
			continue
		}
		tt := next.Task(ti.APIName)
		if tt == nil {
			continue
		}
		if ti.Number > bestOld {
			bestOld = ti.Number
			resume = tt.Number + 1
		}
	}
	return resume
}

// clearRuntime un-completes a task that sits at or after the
// reconciled pointer. First-start history and performer assignments
// are kept; a directly set due date survives, a computed one is
// re-resolved later.
func (mg *Migrator) clearRuntime(ti *workflow.TaskInstance) {
	ti.Status = workflow.TaskPending
	ti.IsCompleted = false
	ti.IsSkipped = false
	ti.DateStarted = nil
	ti.DateCompleted = nil
	ti.DelayEndsAt = nil
	if !ti.DueDateDirectly {
		ti.DueDate = nil
	}
}
