package e2e

import (
	"context"
	"testing"

	"github.com/nidhogg/stepline/internal/workflow"
)

// TestTemplateEditWhileRunning publishes a second template version
// while a workflow sits on a step the edit removes. The run must land
// on the step after its latest completed surviving task, keep that
// task's completion, and pick up the newly added step.
func TestTemplateEditWhileRunning(t *testing.T) {
	ctx := context.Background()
	seedDirectory(t, ctx)
	coord := newCoordinator(t)

	if _, err := coord.ApplyTemplateVersion(ctx, onboardingTemplate("tpl-edit")); err != nil {
		t.Fatalf("apply v1: %v", err)
	}
	id, err := coord.StartWorkflow(ctx, "tpl-edit", "", "u-hr", map[string]string{
		"employee":     "Noa",
		"needs_laptop": "yes",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if err := coord.CompleteTask(ctx, id, 1, "u-hr"); err != nil {
		t.Fatalf("complete screen: %v", err)
	}
	wf, _ := coord.GetWorkflow(ctx, id)
	if wf.CurrentTask().APIName != "equipment" {
		t.Fatalf("current = %s, want equipment", wf.CurrentTask().APIName)
	}

	// v2 drops the equipment step and appends an orientation step.
	next := onboardingTemplate("tpl-edit")
	next.Tasks = []workflow.TemplateTask{
		next.Tasks[0], // screen
		{
			APIName:       "legal_review",
			Number:        2,
			Name:          "Legal review",
			CompleteByAll: true,
			RawPerformers: []workflow.RawPerformer{
				{Kind: workflow.PerformerGroup, GroupID: "g-legal"},
			},
		},
		{
			APIName: "orientation",
			Number:  3,
			Name:    "Orientation for {{employee}}",
			RawPerformers: []workflow.RawPerformer{
				{Kind: workflow.PerformerUser, UserID: "u-hr"},
			},
		},
	}
	version, err := coord.ApplyTemplateVersion(ctx, next)
	if err != nil {
		t.Fatalf("apply v2: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}

	wf, err = coord.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.Version != 2 {
		t.Fatalf("workflow version = %d, want 2", wf.Version)
	}
	if wf.TasksCount != 3 {
		t.Fatalf("tasks count = %d, want 3", wf.TasksCount)
	}
	if wf.TaskByAPIName("equipment") != nil {
		t.Error("removed step still present after migration")
	}
	screen := wf.TaskByAPIName("screen")
	if screen == nil || !screen.IsCompleted {
		t.Error("completed step lost its completion across the edit")
	}
	cur := wf.CurrentTask()
	if cur == nil || cur.APIName != "legal_review" {
		t.Fatalf("current after migration = %+v, want legal_review", cur)
	}
	if cur.Status != workflow.TaskStarted {
		t.Fatalf("legal review status = %s, want started", cur.Status)
	}
	if got := len(cur.ActivePerformers()); got != 2 {
		t.Fatalf("legal performers = %d, want 2", got)
	}

	// The run finishes through the edited shape.
	if err := coord.CompleteTask(ctx, id, 2, "u-legal-1"); err != nil {
		t.Fatalf("legal one: %v", err)
	}
	if err := coord.CompleteTask(ctx, id, 2, "u-legal-2"); err != nil {
		t.Fatalf("legal two: %v", err)
	}
	wf, _ = coord.GetWorkflow(ctx, id)
	cur = wf.CurrentTask()
	if cur == nil || cur.APIName != "orientation" {
		t.Fatalf("current = %+v, want orientation", cur)
	}
	if cur.Name != "Orientation for Noa" {
		t.Errorf("orientation name = %q, want rendered", cur.Name)
	}
	if err := coord.CompleteTask(ctx, id, 3, "u-hr"); err != nil {
		t.Fatalf("complete orientation: %v", err)
	}
	wf, _ = coord.GetWorkflow(ctx, id)
	if wf.Status != workflow.StatusDone {
		t.Fatalf("status = %s, want done", wf.Status)
	}
}

// TestTemplateTruncationFinishesRun removes every step past an already
// completed one; the migration must finalize the workflow.
func TestTemplateTruncationFinishesRun(t *testing.T) {
	ctx := context.Background()
	seedDirectory(t, ctx)
	coord := newCoordinator(t)

	if _, err := coord.ApplyTemplateVersion(ctx, onboardingTemplate("tpl-truncate")); err != nil {
		t.Fatalf("apply v1: %v", err)
	}
	id, err := coord.StartWorkflow(ctx, "tpl-truncate", "", "u-hr", map[string]string{
		"employee":     "Kim",
		"needs_laptop": "yes",
	})
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if err := coord.CompleteTask(ctx, id, 1, "u-hr"); err != nil {
		t.Fatalf("complete screen: %v", err)
	}

	// v2 keeps only the already completed screen step.
	next := onboardingTemplate("tpl-truncate")
	next.Tasks = next.Tasks[:1]
	if _, err := coord.ApplyTemplateVersion(ctx, next); err != nil {
		t.Fatalf("apply v2: %v", err)
	}

	wf, err := coord.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if wf.Status != workflow.StatusDone {
		t.Fatalf("status = %s, want done after truncation", wf.Status)
	}
	if wf.Current != wf.TasksCount+1 {
		t.Errorf("current = %d, want %d", wf.Current, wf.TasksCount+1)
	}
}
