// Package progression owns the task lifecycle state machine:
// pending -> started -> {completed, skipped}, the delayed sub-state,
// reverts, and workflow finalization. It mutates a loaded workflow
// aggregate in memory; persistence and transaction scoping belong to
// the caller.
package progression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/stepline/internal/condition"
	"github.com/nidhogg/stepline/internal/duedate"
	"github.com/nidhogg/stepline/internal/fields"
	"github.com/nidhogg/stepline/internal/notify"
	"github.com/nidhogg/stepline/internal/performer"
	"github.com/nidhogg/stepline/internal/workflow"
)

var (
	// ErrInvariant means a transition would leave the workflow in an
	// impossible state; the surrounding transaction must abort.
	ErrInvariant = errors.New("workflow invariant violated")
	// ErrNotCurrent means the operation targets a task other than the
	// workflow's current step.
	ErrNotCurrent = errors.New("task is not the current step")
	// ErrNotPerformer means the acting user is not an active performer
	// of the task.
	ErrNotPerformer = errors.New("user is not a performer of this task")
	// ErrBadState means the workflow or task is not in a state that
	// allows the requested transition.
	ErrBadState = errors.New("invalid state for transition")
)

// Run bundles everything one progression pass operates on: the loaded
// workflow aggregate, the template version it currently follows, the
// field value snapshot, and the event queue flushed after commit.
type Run struct {
	Workflow *workflow.Workflow
	Template *workflow.Template
	Values   fields.Values
	Queue    *notify.Queue
}

// Index builds the api_name lookup over the current task list.
func (r *Run) Index() *workflow.Index {
	return workflow.NewIndex(r.Workflow, r.Template.KickoffFields)
}

// Machine drives task transitions.
type Machine struct {
	performers *performer.Resolver
	logger     *zap.Logger
}

// NewMachine creates a state machine resolving performers against dir.
func NewMachine(dir performer.Directory, logger *zap.Logger) *Machine {
	return &Machine{
		performers: performer.NewResolver(dir, logger),
		logger:     logger,
	}
}

// Begin starts a freshly created workflow at step 1.
func (m *Machine) Begin(ctx context.Context, r *Run) error {
	if len(r.Workflow.Tasks) != 0 || r.Workflow.Status == workflow.StatusDone {
		return fmt.Errorf("%w: workflow already begun", ErrBadState)
	}
	r.Workflow.Status = workflow.StatusRunning
	return m.Advance(ctx, r, 1)
}

// Advance moves progression to the given step: it creates the task
// instance if needed, applies its conditions, and either starts it,
// skips past it, or finalizes the workflow.
func (m *Machine) Advance(ctx context.Context, r *Run, number int) error {
	w := r.Workflow
	for {
		if number < 1 {
			return fmt.Errorf("%w: step %d", ErrInvariant, number)
		}
		if number > w.TasksCount {
			m.finalize(r)
			return nil
		}

		ti, err := m.instanceAt(r, number)
		if err != nil {
			return err
		}

		if out := condition.Evaluate(ti, r.Values, r.Index()); out != nil {
			switch out.Action {
			case workflow.ActionSkipTask:
				m.markSkipped(ti)
				number++
				continue
			case workflow.ActionEndWorkflow:
				return m.endEarly(r, number)
			}
		}

		return m.startTask(ctx, r, ti)
	}
}

// instanceAt returns the task instance at a step, creating it lazily
// from the template when progression reaches it for the first time.
func (m *Machine) instanceAt(r *Run, number int) (*workflow.TaskInstance, error) {
	if ti := r.Workflow.Task(number); ti != nil {
		return ti, nil
	}
	for i := range r.Template.Tasks {
		if r.Template.Tasks[i].Number == number {
			ti := workflow.NewTaskInstance(r.Workflow, &r.Template.Tasks[i])
			r.Workflow.Tasks = append(r.Workflow.Tasks, ti)
			return ti, nil
		}
	}
	return nil, fmt.Errorf("%w: no template task at step %d", ErrInvariant, number)
}

// startTask transitions a task to started (or delayed) and makes it
// the workflow's current step.
func (m *Machine) startTask(ctx context.Context, r *Run, ti *workflow.TaskInstance) error {
	w := r.Workflow
	now := time.Now().UTC()

	firstStart := ti.DateFirstStarted == nil
	if firstStart {
		ti.DateFirstStarted = &now
	}
	ti.DateStarted = &now
	ti.IsCompleted = false
	ti.IsSkipped = false
	ti.Name = fields.Render(ti.Name, r.Values)
	ti.Description = fields.Render(ti.Description, r.Values)
	w.Current = ti.Number

	if ti.Delay > 0 && firstStart {
		ends := now.Add(ti.Delay)
		ti.Status = workflow.TaskDelayed
		ti.DelayEndsAt = &ends
		w.Status = workflow.StatusDelayed
		r.Queue.Add(notify.Event{
			Kind:       notify.WorkflowDelayed,
			WorkflowID: w.ID,
			TaskID:     ti.ID,
			Payload:    m.payload(w, ti),
		})
		return nil
	}

	ti.Status = workflow.TaskStarted
	ti.Delay = 0
	ti.DelayEndsAt = nil
	w.Status = workflow.StatusRunning

	// Resolve the due date before assignment so the task-assigned
	// notification already carries it.
	dueChanged := duedate.Refresh(w, ti, r.Values, r.Index())

	if err := m.RefreshPerformers(ctx, r, ti); err != nil {
		return err
	}
	if len(ti.ActivePerformers()) == 0 {
		// Nobody resolvable right now: skip rather than dead-lock.
		m.logger.Info("task has no resolvable performers, skipping",
			zap.String("workflow", w.ID), zap.String("task", ti.APIName))
		m.markSkipped(ti)
		return m.Advance(ctx, r, ti.Number+1)
	}

	if dueChanged {
		m.queueDueDateChanged(r, ti)
	}
	return nil
}

// RefreshPerformers re-resolves a task's performer set against a fresh
// directory snapshot and queues events for exactly the delta.
func (m *Machine) RefreshPerformers(ctx context.Context, r *Run, ti *workflow.TaskInstance) error {
	old := ti.Performers
	resolved, err := m.performers.Resolve(ctx, r.Workflow, ti, r.Values)
	if err != nil {
		return fmt.Errorf("resolve performers: %w", err)
	}
	ti.Performers = resolved

	d := performer.Diff(old, resolved)
	if len(d.Added) > 0 {
		r.Queue.Add(notify.Event{
			Kind:       notify.TaskAssigned,
			WorkflowID: r.Workflow.ID,
			TaskID:     ti.ID,
			Recipients: userIDs(d.Added),
			Payload:    m.payload(r.Workflow, ti),
		})
	}
	if len(d.Removed) > 0 {
		r.Queue.Add(notify.Event{
			Kind:       notify.TaskUnassigned,
			WorkflowID: r.Workflow.ID,
			TaskID:     ti.ID,
			Recipients: userIDs(d.Removed),
			Payload:    m.payload(r.Workflow, ti),
		})
	}
	return nil
}

// RefreshDueDate recomputes a task's due date and queues an event only
// when the stored value actually changed.
func (m *Machine) RefreshDueDate(r *Run, ti *workflow.TaskInstance) {
	if !duedate.Refresh(r.Workflow, ti, r.Values, r.Index()) {
		return
	}
	m.queueDueDateChanged(r, ti)
}

func (m *Machine) queueDueDateChanged(r *Run, ti *workflow.TaskInstance) {
	r.Queue.Add(notify.Event{
		Kind:       notify.DueDateChanged,
		WorkflowID: r.Workflow.ID,
		TaskID:     ti.ID,
		Recipients: userIDs(ti.ActivePerformers()),
		Payload:    m.payload(r.Workflow, ti),
	})
}

// SetDueDateDirectly applies a human override. The resolver skips the
// task from now on; the change always notifies.
func (m *Machine) SetDueDateDirectly(r *Run, ti *workflow.TaskInstance, due time.Time) {
	ti.DueDate = &due
	ti.DueDateDirectly = true
	r.Queue.Add(notify.Event{
		Kind:       notify.DueDateChanged,
		WorkflowID: r.Workflow.ID,
		TaskID:     ti.ID,
		Recipients: userIDs(ti.ActivePerformers()),
		Payload:    m.payload(r.Workflow, ti),
	})
}

// Complete records one performer's completion and, once the task's
// completion policy is satisfied, completes the task and advances.
func (m *Machine) Complete(ctx context.Context, r *Run, number int, userID string) error {
	w := r.Workflow
	if w.Status != workflow.StatusRunning {
		return fmt.Errorf("%w: workflow is %s", ErrBadState, w.Status)
	}
	if number != w.Current {
		return fmt.Errorf("%w: step %d, current is %d", ErrNotCurrent, number, w.Current)
	}
	ti := w.Task(number)
	if ti == nil || ti.Status != workflow.TaskStarted {
		return fmt.Errorf("%w: task not started", ErrBadState)
	}
	p := ti.Performer(userID)
	if p == nil || !p.Active() {
		return fmt.Errorf("%w: %s on %s", ErrNotPerformer, userID, ti.APIName)
	}

	now := time.Now().UTC()
	if !p.IsCompleted {
		p.IsCompleted = true
		p.DateCompleted = &now
	}
	if !ti.CompletionSatisfied() {
		return nil
	}

	ti.Status = workflow.TaskCompleted
	ti.IsCompleted = true
	ti.DateCompleted = &now
	return m.Advance(ctx, r, number+1)
}

// Revert returns the current task to pending and re-opens the closest
// earlier non-skipped task. Performer completion on the re-opened task
// is reset so it must be completed again.
func (m *Machine) Revert(ctx context.Context, r *Run) error {
	w := r.Workflow
	if w.Status != workflow.StatusRunning {
		return fmt.Errorf("%w: workflow is %s", ErrBadState, w.Status)
	}
	cur := w.CurrentTask()
	if cur == nil {
		return fmt.Errorf("%w: no current task", ErrBadState)
	}

	var prev *workflow.TaskInstance
	for n := w.Current - 1; n >= 1; n-- {
		if t := w.Task(n); t != nil && !t.IsSkipped {
			prev = t
			break
		}
	}
	if prev == nil {
		return fmt.Errorf("%w: nothing to revert to", ErrBadState)
	}

	cur.Status = workflow.TaskPending
	cur.DateStarted = nil
	cur.IsCompleted = false

	now := time.Now().UTC()
	prev.Status = workflow.TaskStarted
	prev.IsCompleted = false
	prev.DateCompleted = nil
	prev.DateStarted = &now
	for _, p := range prev.Performers {
		p.IsCompleted = false
		p.DateCompleted = nil
	}
	w.Current = prev.Number

	r.Queue.Add(notify.Event{
		Kind:       notify.TaskReturned,
		WorkflowID: w.ID,
		TaskID:     prev.ID,
		Recipients: userIDs(prev.ActivePerformers()),
		Payload:    m.payload(w, prev),
	})
	return nil
}

// ForceDelay suspends the current task for the given duration.
func (m *Machine) ForceDelay(r *Run, d time.Duration) error {
	w := r.Workflow
	ti := w.CurrentTask()
	if w.Status != workflow.StatusRunning || ti == nil || ti.Status != workflow.TaskStarted {
		return fmt.Errorf("%w: cannot delay", ErrBadState)
	}
	ends := time.Now().UTC().Add(d)
	ti.Status = workflow.TaskDelayed
	ti.DelayEndsAt = &ends
	w.Status = workflow.StatusDelayed
	r.Queue.Add(notify.Event{
		Kind:       notify.WorkflowDelayed,
		WorkflowID: w.ID,
		TaskID:     ti.ID,
		Payload:    m.payload(w, ti),
	})
	return nil
}

// Resume lifts a delay. With force it resumes immediately; otherwise
// only once the delay has expired. Called by the scheduler tick and by
// the explicit force-resume operation.
func (m *Machine) Resume(ctx context.Context, r *Run, force bool) error {
	w := r.Workflow
	if w.Status != workflow.StatusDelayed {
		return fmt.Errorf("%w: workflow is %s", ErrBadState, w.Status)
	}
	ti := w.CurrentTask()
	if ti == nil || ti.Status != workflow.TaskDelayed {
		return fmt.Errorf("%w: current task not delayed", ErrBadState)
	}
	if !force && (ti.DelayEndsAt == nil || time.Now().UTC().Before(*ti.DelayEndsAt)) {
		return nil // not due yet; next sweep retries
	}

	ti.Delay = 0
	ti.DelayEndsAt = nil
	ti.Status = workflow.TaskStarted
	w.Status = workflow.StatusRunning

	if err := m.RefreshPerformers(ctx, r, ti); err != nil {
		return err
	}
	dueChanged := duedate.Refresh(w, ti, r.Values, r.Index())
	r.Queue.Add(notify.Event{
		Kind:       notify.WorkflowResumed,
		WorkflowID: w.ID,
		TaskID:     ti.ID,
		Recipients: userIDs(ti.ActivePerformers()),
		Payload:    m.payload(w, ti),
	})
	if len(ti.ActivePerformers()) == 0 {
		m.markSkipped(ti)
		return m.Advance(ctx, r, ti.Number+1)
	}
	if dueChanged {
		m.queueDueDateChanged(r, ti)
	}
	return nil
}

// CompleteIfSatisfied closes the current task when its performers'
// recorded completions already satisfy the policy, repeating while
// progression keeps landing on satisfied tasks. Migration and manual
// performer removal both rely on it.
func (m *Machine) CompleteIfSatisfied(ctx context.Context, r *Run) error {
	for {
		w := r.Workflow
		if w.Status != workflow.StatusRunning {
			return nil
		}
		cur := w.CurrentTask()
		if cur == nil || cur.Status != workflow.TaskStarted || !cur.CompletionSatisfied() {
			return nil
		}
		now := time.Now().UTC()
		cur.Status = workflow.TaskCompleted
		cur.IsCompleted = true
		cur.DateCompleted = &now
		if err := m.Advance(ctx, r, cur.Number+1); err != nil {
			return err
		}
	}
}

// endEarly marks the step that triggered end-workflow and everything
// after it skipped, then finalizes.
func (m *Machine) endEarly(r *Run, from int) error {
	for n := from; n <= r.Workflow.TasksCount; n++ {
		ti, err := m.instanceAt(r, n)
		if err != nil {
			return err
		}
		if !ti.IsCompleted {
			m.markSkipped(ti)
		}
	}
	m.finalize(r)
	return nil
}

func (m *Machine) finalize(r *Run) {
	w := r.Workflow
	w.Current = w.TasksCount + 1
	w.Status = workflow.StatusDone
	var recipients []string
	if w.StarterID != "" {
		recipients = []string{w.StarterID}
	}
	r.Queue.Add(notify.Event{
		Kind:       notify.WorkflowCompleted,
		WorkflowID: w.ID,
		Recipients: recipients,
		Payload:    map[string]interface{}{"workflow_name": w.Name},
	})
	m.logger.Info("workflow completed", zap.String("workflow", w.ID))
}

func (m *Machine) markSkipped(ti *workflow.TaskInstance) {
	ti.Status = workflow.TaskSkipped
	ti.IsSkipped = true
	ti.IsCompleted = false
}

func (m *Machine) payload(w *workflow.Workflow, ti *workflow.TaskInstance) map[string]interface{} {
	p := map[string]interface{}{
		"workflow_name": w.Name,
		"task_name":     ti.Name,
		"task_api_name": ti.APIName,
		"step":          ti.Number,
	}
	if ti.DueDate != nil {
		p["due_date"] = ti.DueDate.Format(time.RFC3339)
	}
	return p
}

func userIDs(ps []*workflow.PerformerAssignment) []string {
	var out []string
	for _, p := range ps {
		out = append(out, p.UserID)
	}
	return out
}
