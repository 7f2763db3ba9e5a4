// Package orchestrator exposes the engine's operations. Every
// mutation loads the workflow aggregate inside its transaction, drives
// the state machine or the migrator, saves the aggregate, and flushes
// queued notifications only after the commit succeeded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/stepline/internal/fields"
	"github.com/nidhogg/stepline/internal/migration"
	"github.com/nidhogg/stepline/internal/notify"
	"github.com/nidhogg/stepline/internal/progression"
	"github.com/nidhogg/stepline/internal/store"
	"github.com/nidhogg/stepline/internal/workflow"
)

// ErrTaskNotFound is returned when an operation names a task the
// workflow does not have.
var ErrTaskNotFound = errors.New("task not found")

// Coordinator wires the store, the state machine, the migrator and
// the notification dispatcher into the operation surface the API and
// the scheduler call.
type Coordinator struct {
	store      *store.Store
	machine    *progression.Machine
	migrator   *migration.Migrator
	dispatcher notify.Dispatcher
	logger     *zap.Logger
}

// New creates a coordinator. The store doubles as the performer
// directory so group membership reads see committed data.
func New(st *store.Store, dispatcher notify.Dispatcher, logger *zap.Logger) *Coordinator {
	machine := progression.NewMachine(st, logger)
	return &Coordinator{
		store:      st,
		machine:    machine,
		migrator:   migration.NewMigrator(machine, logger),
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// loadRun assembles the aggregate, its template version and its field
// value snapshot inside the current transaction.
func (c *Coordinator) loadRun(ctx context.Context, tx pgx.Tx, workflowID string) (*progression.Run, error) {
	w, err := c.store.LoadWorkflow(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	tpl, err := c.store.GetTemplate(ctx, w.TemplateID, w.Version)
	if err != nil {
		return nil, fmt.Errorf("template %s v%d: %w", w.TemplateID, w.Version, err)
	}
	vals, err := c.store.FieldValues(ctx, tx, w.ID)
	if err != nil {
		return nil, err
	}
	return &progression.Run{Workflow: w, Template: tpl, Values: vals, Queue: notify.NewQueue()}, nil
}

// mutate is the shared transaction wrapper: load, apply, save, then
// flush events post-commit. A dispatch failure is logged and never
// rolls back the committed state change.
func (c *Coordinator) mutate(ctx context.Context, workflowID string, apply func(ctx context.Context, tx pgx.Tx, r *progression.Run) error) error {
	var queue *notify.Queue
	err := c.store.WithWorkflowTx(ctx, workflowID, func(ctx context.Context, tx pgx.Tx) error {
		r, err := c.loadRun(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		if err := apply(ctx, tx, r); err != nil {
			return err
		}
		if err := c.store.SaveWorkflow(ctx, tx, r.Workflow); err != nil {
			return err
		}
		queue = r.Queue
		return nil
	})
	if err != nil {
		return err
	}
	if flushErr := queue.Flush(ctx, c.dispatcher); flushErr != nil {
		c.logger.Warn("notification dispatch failed",
			zap.String("workflow", workflowID), zap.Error(flushErr))
	}
	return nil
}

// StartWorkflow creates a run from the latest template version and
// starts its first task. starterID may be empty for external starts.
func (c *Coordinator) StartWorkflow(ctx context.Context, templateID, name, starterID string, kickoff map[string]string) (string, error) {
	tpl, err := c.store.LatestTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}

	w := &workflow.Workflow{
		ID:          uuid.New().String(),
		TemplateID:  tpl.ID,
		Version:     tpl.Version,
		Name:        name,
		Status:      workflow.StatusRunning,
		StarterID:   starterID,
		TasksCount:  len(tpl.Tasks),
		DateCreated: time.Now().UTC(),
	}
	if w.Name == "" {
		w.Name = tpl.Name
	}

	var queue *notify.Queue
	err = c.store.WithWorkflowTx(ctx, w.ID, func(ctx context.Context, tx pgx.Tx) error {
		if err := c.store.CreateWorkflow(ctx, tx, w); err != nil {
			return err
		}
		vals := fields.Values{}
		for apiName, value := range kickoff {
			if err := c.store.SetFieldValue(ctx, tx, w.ID, apiName, value); err != nil {
				return err
			}
			vals[apiName] = value
		}
		w.Name = fields.Render(w.Name, vals)

		r := &progression.Run{Workflow: w, Template: tpl, Values: vals, Queue: notify.NewQueue()}
		if err := c.machine.Begin(ctx, r); err != nil {
			return err
		}
		if err := c.store.SaveWorkflow(ctx, tx, w); err != nil {
			return err
		}
		queue = r.Queue
		return nil
	})
	if err != nil {
		return "", err
	}
	if flushErr := queue.Flush(ctx, c.dispatcher); flushErr != nil {
		c.logger.Warn("notification dispatch failed", zap.String("workflow", w.ID), zap.Error(flushErr))
	}
	c.logger.Info("workflow started",
		zap.String("workflow", w.ID), zap.String("template", templateID), zap.Int("version", tpl.Version))
	return w.ID, nil
}

// GetWorkflow loads a workflow aggregate for reads.
func (c *Coordinator) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	return c.store.LoadWorkflow(ctx, c.store.Pool(), id)
}

// CompleteTask records one performer's completion of a step.
func (c *Coordinator) CompleteTask(ctx context.Context, workflowID string, number int, userID string) error {
	return c.mutate(ctx, workflowID, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
		return c.machine.Complete(ctx, r, number, userID)
	})
}

// RevertTask returns the workflow to the previous non-skipped step.
func (c *Coordinator) RevertTask(ctx context.Context, workflowID string) error {
	return c.mutate(ctx, workflowID, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
		return c.machine.Revert(ctx, r)
	})
}

// ForceDelay suspends the current task for the given duration.
func (c *Coordinator) ForceDelay(ctx context.Context, workflowID string, d time.Duration) error {
	return c.mutate(ctx, workflowID, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
		return c.machine.ForceDelay(r, d)
	})
}

// ForceResume lifts a delay immediately.
func (c *Coordinator) ForceResume(ctx context.Context, workflowID string) error {
	return c.mutate(ctx, workflowID, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
		return c.machine.Resume(ctx, r, true)
	})
}

// SetDueDate applies a human due-date override on a task; the resolver
// leaves the task alone afterwards.
func (c *Coordinator) SetDueDate(ctx context.Context, workflowID, taskAPIName string, due time.Time) error {
	return c.mutate(ctx, workflowID, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
		ti := r.Workflow.TaskByAPIName(taskAPIName)
		if ti == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskAPIName)
		}
		c.machine.SetDueDateDirectly(r, ti, due)
		return nil
	})
}

// AddPerformer manually adds a user to a task, overriding template
// derivation.
func (c *Coordinator) AddPerformer(ctx context.Context, workflowID, taskAPIName, userID string) error {
	return c.mutate(ctx, workflowID, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
		ti := r.Workflow.TaskByAPIName(taskAPIName)
		if ti == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskAPIName)
		}
		p := ti.Performer(userID)
		switch {
		case p == nil:
			ti.Performers = append(ti.Performers, &workflow.PerformerAssignment{
				ID:       uuid.New().String(),
				TaskID:   ti.ID,
				UserID:   userID,
				Directly: workflow.DirectlyAdded,
			})
		case p.Directly == workflow.DirectlyRemoved:
			p.Directly = workflow.DirectlyAdded
		default:
			return nil // already a performer
		}
		r.Queue.Add(notify.Event{
			Kind:       notify.TaskAssigned,
			WorkflowID: r.Workflow.ID,
			TaskID:     ti.ID,
			Recipients: []string{userID},
			Payload:    map[string]interface{}{"workflow_name": r.Workflow.Name, "task_name": ti.Name},
		})
		return nil
	})
}

// RemovePerformer manually removes a user from a task; the tombstone
// keeps re-resolution from re-adding them. Removing the last pending
// performer may complete the task.
func (c *Coordinator) RemovePerformer(ctx context.Context, workflowID, taskAPIName, userID string) error {
	return c.mutate(ctx, workflowID, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
		ti := r.Workflow.TaskByAPIName(taskAPIName)
		if ti == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskAPIName)
		}
		p := ti.Performer(userID)
		if p == nil || !p.Active() {
			return nil
		}
		p.Directly = workflow.DirectlyRemoved
		r.Queue.Add(notify.Event{
			Kind:       notify.TaskUnassigned,
			WorkflowID: r.Workflow.ID,
			TaskID:     ti.ID,
			Recipients: []string{userID},
			Payload:    map[string]interface{}{"workflow_name": r.Workflow.Name, "task_name": ti.Name},
		})
		return c.machine.CompleteIfSatisfied(ctx, r)
	})
}

// SetFieldValue stores a field answer and re-derives the runtime state
// that depends on it: performer sets (field-referenced performers) and
// due dates of the current task.
func (c *Coordinator) SetFieldValue(ctx context.Context, workflowID, apiName, value string) error {
	return c.mutate(ctx, workflowID, func(ctx context.Context, tx pgx.Tx, r *progression.Run) error {
		if err := c.store.SetFieldValue(ctx, tx, workflowID, apiName, value); err != nil {
			return err
		}
		r.Values[apiName] = value

		cur := r.Workflow.CurrentTask()
		if cur == nil || cur.Status != workflow.TaskStarted {
			return nil
		}
		if err := c.machine.RefreshPerformers(ctx, r, cur); err != nil {
			return err
		}
		c.machine.RefreshDueDate(r, cur)
		return nil
	})
}

// MarkChecklistItem advances a task's checklist progress counter.
func (c *Coordinator) MarkChecklistItem(ctx context.Context, workflowID, taskAPIName string) error {
	return c.mutate(ctx, workflowID, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
		ti := r.Workflow.TaskByAPIName(taskAPIName)
		if ti == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskAPIName)
		}
		if ti.ChecklistMarked < ti.ChecklistTotal {
			ti.ChecklistMarked++
		}
		return nil
	})
}

// SaveUser creates or updates a directory user.
func (c *Coordinator) SaveUser(ctx context.Context, id, name string) error {
	return c.store.SaveUser(ctx, id, name)
}

// DeleteUser soft-deletes a directory user. Existing assignments keep
// the id; future resolutions skip it.
func (c *Coordinator) DeleteUser(ctx context.Context, id string) error {
	return c.store.DeleteUser(ctx, id)
}

// SaveGroup creates or replaces a group and its membership.
func (c *Coordinator) SaveGroup(ctx context.Context, id, name string, memberIDs []string) error {
	return c.store.SaveGroup(ctx, id, name, memberIDs)
}

// ApplyTemplateVersion stores an edited template as the next version
// and migrates every running workflow of that template, each in its
// own transaction. One workflow failing does not abort the others.
func (c *Coordinator) ApplyTemplateVersion(ctx context.Context, tpl *workflow.Template) (int, error) {
	version, err := c.store.NextVersion(ctx, tpl.ID)
	if err != nil {
		return 0, err
	}
	tpl.Version = version
	if err := c.store.SaveTemplate(ctx, tpl); err != nil {
		return 0, err
	}

	ids, err := c.store.RunningWorkflowIDs(ctx, tpl.ID)
	if err != nil {
		return version, err
	}

	var errs []error
	for _, id := range ids {
		if err := c.mutate(ctx, id, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
			return c.migrator.Migrate(ctx, r, tpl)
		}); err != nil {
			c.logger.Error("workflow migration failed",
				zap.String("workflow", id), zap.Int("version", version), zap.Error(err))
			errs = append(errs, fmt.Errorf("workflow %s: %w", id, err))
		}
	}
	c.logger.Info("template version applied",
		zap.String("template", tpl.ID), zap.Int("version", version),
		zap.Int("workflows", len(ids)), zap.Int("failed", len(errs)))
	return version, errors.Join(errs...)
}

// Sweep resumes delayed workflows whose suspension expired. Called
// periodically by the scheduler; each workflow resumes in its own
// transaction.
func (c *Coordinator) Sweep(ctx context.Context) error {
	ids, err := c.store.DelayedWorkflowIDs(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := c.mutate(ctx, id, func(ctx context.Context, _ pgx.Tx, r *progression.Run) error {
			return c.machine.Resume(ctx, r, false)
		}); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", id, err))
		}
	}
	if len(ids) > 0 {
		c.logger.Info("delay sweep", zap.Int("resumed", len(ids)-len(errs)), zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}
