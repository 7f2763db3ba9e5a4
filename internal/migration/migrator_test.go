package migration

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/stepline/internal/fields"
	"github.com/nidhogg/stepline/internal/notify"
	"github.com/nidhogg/stepline/internal/performer"
	"github.com/nidhogg/stepline/internal/progression"
	"github.com/nidhogg/stepline/internal/workflow"
)

func baseTemplate() *workflow.Template {
	return &workflow.Template{
		ID:      "tpl-1",
		Version: 1,
		Name:    "Procurement",
		Tasks: []workflow.TemplateTask{
			{APIName: "request", Number: 1, Name: "File request",
				RawPerformers: []workflow.RawPerformer{{Kind: workflow.PerformerUser, UserID: "alice"}}},
			{APIName: "approve", Number: 2, Name: "Approve purchase",
				RawPerformers: []workflow.RawPerformer{{Kind: workflow.PerformerUser, UserID: "bob"}}},
			{APIName: "order", Number: 3, Name: "Place order",
				RawPerformers: []workflow.RawPerformer{{Kind: workflow.PerformerUser, UserID: "carol"}}},
		},
	}
}

func setup(t *testing.T) (*progression.Machine, *Migrator, *performer.MemoryDirectory) {
	t.Helper()
	dir := performer.NewMemoryDirectory()
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		dir.AddUser(u)
	}
	m := progression.NewMachine(dir, zap.NewNop())
	return m, NewMigrator(m, zap.NewNop()), dir
}

// startedRun begins a workflow on the base template and completes the
// given number of leading steps.
func startedRun(t *testing.T, m *progression.Machine, completed int) *progression.Run {
	t.Helper()
	tpl := baseTemplate()
	r := &progression.Run{
		Workflow: &workflow.Workflow{
			ID: "wf-1", TemplateID: tpl.ID, Version: tpl.Version,
			Name: tpl.Name, Status: workflow.StatusRunning,
			StarterID: "alice", TasksCount: len(tpl.Tasks),
			DateCreated: time.Now().UTC(),
		},
		Template: tpl,
		Values:   fields.Values{},
		Queue:    notify.NewQueue(),
	}
	if err := m.Begin(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	users := []string{"alice", "bob", "carol"}
	for i := 0; i < completed; i++ {
		if err := m.Complete(context.Background(), r, i+1, users[i]); err != nil {
			t.Fatalf("complete step %d: %v", i+1, err)
		}
	}
	r.Queue = notify.NewQueue() // only migration events matter below
	return r
}

// The edit removes the active task; the workflow resumes on the
// renumbered next task and completed history survives.
func TestMigrateRemovesActiveTask(t *testing.T) {
	m, mg, _ := setup(t)
	r := startedRun(t, m, 1) // task 1 done, task 2 active

	next := baseTemplate()
	next.Version = 2
	next.Tasks = []workflow.TemplateTask{
		next.Tasks[0],
		{APIName: "order", Number: 2, Name: "Place order",
			RawPerformers: []workflow.RawPerformer{{Kind: workflow.PerformerUser, UserID: "carol"}}},
	}

	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	w := r.Workflow
	if w.Version != 2 || w.TasksCount != 2 {
		t.Fatalf("version=%d tasksCount=%d", w.Version, w.TasksCount)
	}
	if w.Current != 2 {
		t.Fatalf("current=%d, want 2", w.Current)
	}
	if w.TaskByAPIName("approve") != nil {
		t.Fatal("removed task instance must be pruned")
	}
	t1 := w.TaskByAPIName("request")
	if t1 == nil || !t1.IsCompleted || t1.Number != 1 {
		t.Fatalf("task 1 history must survive: %+v", t1)
	}
	cur := w.CurrentTask()
	if cur == nil || cur.APIName != "order" || cur.Status != workflow.TaskStarted {
		t.Fatalf("order should be started: %+v", cur)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	m, mg, _ := setup(t)
	r := startedRun(t, m, 1)

	next := baseTemplate()
	next.Version = 2
	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	snapCurrent, snapCount := r.Workflow.Current, len(r.Workflow.Tasks)
	r.Queue = notify.NewQueue()

	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	if r.Queue.Len() != 0 {
		t.Fatalf("re-migration must emit nothing, got %v", r.Queue.Events())
	}
	if r.Workflow.Current != snapCurrent || len(r.Workflow.Tasks) != snapCount {
		t.Fatal("re-migration must not change state")
	}
}

// A reordered task with an unchanged api_name keeps its performer
// completion state; complete-if-already-satisfied then finishes it.
func TestMigrateSameAPINameKeepsCompletions(t *testing.T) {
	m, mg, _ := setup(t)
	r := startedRun(t, m, 1) // "approve" active, bob assigned

	// bob already completed his part, but a second performer was added
	// manually so the task is still open.
	cur := r.Workflow.CurrentTask()
	cur.CompleteByAll = true
	now := time.Now().UTC()
	cur.Performers = append(cur.Performers, &workflow.PerformerAssignment{
		ID: "p-dave", TaskID: cur.ID, UserID: "dave", Directly: workflow.DirectlyAdded,
	})
	cur.Performers[0].IsCompleted = true
	cur.Performers[0].DateCompleted = &now

	// New version swaps approve and order; approve keeps its api_name.
	next := baseTemplate()
	next.Version = 2
	next.Tasks[1] = workflow.TemplateTask{APIName: "order", Number: 2, Name: "Place order",
		RawPerformers: []workflow.RawPerformer{{Kind: workflow.PerformerUser, UserID: "carol"}}}
	next.Tasks[2] = workflow.TemplateTask{APIName: "approve", Number: 3, Name: "Approve purchase",
		CompleteByAll: true,
		RawPerformers: []workflow.RawPerformer{{Kind: workflow.PerformerUser, UserID: "bob"}}}

	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	w := r.Workflow
	if w.Current != 3 {
		t.Fatalf("current should follow the reordered active task, got %d", w.Current)
	}
	appr := w.TaskByAPIName("approve")
	var bob *workflow.PerformerAssignment
	for _, p := range appr.Performers {
		if p.UserID == "bob" {
			bob = p
		}
	}
	if bob == nil || !bob.IsCompleted {
		t.Fatal("unchanged api_name must preserve performer completion")
	}
}

// A replaced current task (new api_name) starts with zero completions.
func TestMigrateChangedAPINameResetsCompletions(t *testing.T) {
	m, mg, _ := setup(t)
	r := startedRun(t, m, 1)
	r.Workflow.CurrentTask().Performers[0].IsCompleted = true

	next := baseTemplate()
	next.Version = 2
	next.Tasks[1] = workflow.TemplateTask{APIName: "approve-v2", Number: 2, Name: "Approve purchase",
		RawPerformers: []workflow.RawPerformer{{Kind: workflow.PerformerUser, UserID: "bob"}}}

	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	cur := r.Workflow.CurrentTask()
	if cur.APIName != "approve-v2" {
		t.Fatalf("current should be the replacement task, got %s", cur.APIName)
	}
	for _, p := range cur.Performers {
		if p.IsCompleted {
			t.Fatal("replacement task must start with zero completions")
		}
	}
}

// Tasks ahead of the recomputed pointer get un-completed.
func TestMigrateUncompletesTasksAheadOfPointer(t *testing.T) {
	m, mg, _ := setup(t)
	r := startedRun(t, m, 2) // tasks 1-2 done, task 3 active

	// New version drops task 2 entirely; current ("order") survives at
	// step 2, behind it only task 1.
	next := baseTemplate()
	next.Version = 2
	next.Tasks = []workflow.TemplateTask{
		next.Tasks[0],
		{APIName: "order", Number: 2, Name: "Place order",
			RawPerformers: []workflow.RawPerformer{{Kind: workflow.PerformerUser, UserID: "carol"}}},
		{APIName: "receive", Number: 3, Name: "Receive goods",
			RawPerformers: []workflow.RawPerformer{{Kind: workflow.PerformerUser, UserID: "alice"}}},
	}

	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	w := r.Workflow
	if w.Current != 2 {
		t.Fatalf("current=%d, want 2", w.Current)
	}
	rec := w.TaskByAPIName("receive")
	if rec == nil || rec.Status != workflow.TaskPending || rec.IsCompleted {
		t.Fatalf("future task must be pending: %+v", rec)
	}
	if cur := w.CurrentTask(); cur.IsCompleted || cur.Status != workflow.TaskStarted {
		t.Fatalf("re-pointed current task must be restarted: %+v", cur)
	}
}

// Truncating the template behind a finished run finalizes the workflow.
func TestMigrateFinalizesWhenPointerPassesEnd(t *testing.T) {
	m, mg, _ := setup(t)
	r := startedRun(t, m, 2) // task 3 active

	next := baseTemplate()
	next.Version = 2
	next.Tasks = next.Tasks[:2] // drop "order", the active task

	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	w := r.Workflow
	if w.Status != workflow.StatusDone || w.Current != w.TasksCount+1 {
		t.Fatalf("workflow should finalize: status=%s current=%d count=%d", w.Status, w.Current, w.TasksCount)
	}
	found := false
	for _, e := range r.Queue.Events() {
		if e.Kind == notify.WorkflowCompleted {
			found = true
		}
	}
	if !found {
		t.Fatal("finalization must emit workflow-completed")
	}
}

// A delay removed by the new version resumes the suspended workflow.
func TestMigrateResumesWhenDelayRemoved(t *testing.T) {
	m, mg, _ := setup(t)

	tpl := baseTemplate()
	tpl.Tasks[0].Delay = time.Hour
	r := &progression.Run{
		Workflow: &workflow.Workflow{
			ID: "wf-1", TemplateID: tpl.ID, Version: 1, Name: tpl.Name,
			Status: workflow.StatusRunning, StarterID: "alice",
			TasksCount: 3, DateCreated: time.Now().UTC(),
		},
		Template: tpl,
		Values:   fields.Values{},
		Queue:    notify.NewQueue(),
	}
	if err := m.Begin(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	if r.Workflow.Status != workflow.StatusDelayed {
		t.Fatal("precondition: workflow delayed")
	}
	r.Queue = notify.NewQueue()

	next := baseTemplate()
	next.Version = 2 // no delay on task 1 anymore

	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	w := r.Workflow
	if w.Status != workflow.StatusRunning {
		t.Fatalf("delay removal should resume, status=%s", w.Status)
	}
	if cur := w.CurrentTask(); cur.Status != workflow.TaskStarted || len(cur.ActivePerformers()) == 0 {
		t.Fatalf("current task should be started and assigned: %+v", cur)
	}
	var kinds []notify.Kind
	for _, e := range r.Queue.Events() {
		kinds = append(kinds, e.Kind)
	}
	foundResume := false
	for _, k := range kinds {
		if k == notify.WorkflowResumed {
			foundResume = true
		}
	}
	if !foundResume {
		t.Fatalf("resume must emit workflow-resumed, got %v", kinds)
	}
}

// A still-valid delay keeps the workflow suspended across migration.
func TestMigrateKeepsUnexpiredDelay(t *testing.T) {
	m, mg, _ := setup(t)

	tpl := baseTemplate()
	tpl.Tasks[0].Delay = time.Hour
	r := &progression.Run{
		Workflow: &workflow.Workflow{
			ID: "wf-1", TemplateID: tpl.ID, Version: 1, Name: tpl.Name,
			Status: workflow.StatusRunning, StarterID: "alice",
			TasksCount: 3, DateCreated: time.Now().UTC(),
		},
		Template: tpl,
		Values:   fields.Values{},
		Queue:    notify.NewQueue(),
	}
	if err := m.Begin(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	r.Queue = notify.NewQueue()

	next := baseTemplate()
	next.Version = 2
	next.Tasks[0].Delay = time.Hour // delay survives the edit

	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	if r.Workflow.Status != workflow.StatusDelayed {
		t.Fatalf("unexpired delay should persist, status=%s", r.Workflow.Status)
	}
	if r.Queue.Len() != 0 {
		t.Fatalf("staying delayed should emit nothing, got %v", r.Queue.Events())
	}
}

func TestMigrateSkipsFinishedWorkflows(t *testing.T) {
	m, mg, _ := setup(t)
	r := startedRun(t, m, 3) // everything done
	if r.Workflow.Status != workflow.StatusDone {
		t.Fatal("precondition: workflow done")
	}
	r.Queue = notify.NewQueue()

	next := baseTemplate()
	next.Version = 2
	if err := mg.Migrate(context.Background(), r, next); err != nil {
		t.Fatal(err)
	}
	if r.Workflow.Version != 1 || r.Queue.Len() != 0 {
		t.Fatal("finished workflows are left on their version")
	}
}
