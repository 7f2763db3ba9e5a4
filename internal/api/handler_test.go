package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/stepline/internal/orchestrator"
	"github.com/nidhogg/stepline/internal/progression"
	"github.com/nidhogg/stepline/internal/store"
	"github.com/nidhogg/stepline/internal/workflow"
)

// fakeEngine records calls so the tests can assert routing and request
// decoding without a database.
type fakeEngine struct {
	calls     []string
	workflows map[string]*workflow.Workflow
	err       error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{workflows: map[string]*workflow.Workflow{}}
}

func (f *fakeEngine) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEngine) StartWorkflow(_ context.Context, templateID, name, starterID string, kickoff map[string]string) (string, error) {
	f.record("start %s name=%s starter=%s kickoff=%d", templateID, name, starterID, len(kickoff))
	return "wf-1", f.err
}

func (f *fakeEngine) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	w, ok := f.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

func (f *fakeEngine) CompleteTask(_ context.Context, workflowID string, number int, userID string) error {
	f.record("complete %s/%d by %s", workflowID, number, userID)
	return f.err
}

func (f *fakeEngine) RevertTask(_ context.Context, workflowID string) error {
	f.record("revert %s", workflowID)
	return f.err
}

func (f *fakeEngine) ForceDelay(_ context.Context, workflowID string, d time.Duration) error {
	f.record("delay %s %s", workflowID, d)
	return f.err
}

func (f *fakeEngine) ForceResume(_ context.Context, workflowID string) error {
	f.record("resume %s", workflowID)
	return f.err
}

func (f *fakeEngine) SetDueDate(_ context.Context, workflowID, taskAPIName string, due time.Time) error {
	f.record("due-date %s/%s %s", workflowID, taskAPIName, due.Format(time.RFC3339))
	return f.err
}

func (f *fakeEngine) AddPerformer(_ context.Context, workflowID, taskAPIName, userID string) error {
	f.record("add-performer %s/%s %s", workflowID, taskAPIName, userID)
	return f.err
}

func (f *fakeEngine) RemovePerformer(_ context.Context, workflowID, taskAPIName, userID string) error {
	f.record("remove-performer %s/%s %s", workflowID, taskAPIName, userID)
	return f.err
}

func (f *fakeEngine) SetFieldValue(_ context.Context, workflowID, apiName, value string) error {
	f.record("field %s %s=%s", workflowID, apiName, value)
	return f.err
}

func (f *fakeEngine) MarkChecklistItem(_ context.Context, workflowID, taskAPIName string) error {
	f.record("checklist %s/%s", workflowID, taskAPIName)
	return f.err
}

func (f *fakeEngine) ApplyTemplateVersion(_ context.Context, tpl *workflow.Template) (int, error) {
	f.record("template %s tasks=%d", tpl.ID, len(tpl.Tasks))
	return 1, f.err
}

func (f *fakeEngine) SaveUser(_ context.Context, id, name string) error {
	f.record("user %s", id)
	return f.err
}

func (f *fakeEngine) DeleteUser(_ context.Context, id string) error {
	f.record("delete-user %s", id)
	return f.err
}

func (f *fakeEngine) SaveGroup(_ context.Context, id, name string, memberIDs []string) error {
	f.record("group %s members=%d", id, len(memberIDs))
	return f.err
}

func newTestServer(t *testing.T) (*fakeEngine, *httptest.Server) {
	t.Helper()
	engine := newFakeEngine()
	h := NewHandler(engine, zap.NewNop())
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return engine, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func lastCall(t *testing.T, engine *fakeEngine, want string) {
	t.Helper()
	if len(engine.calls) == 0 {
		t.Fatalf("no engine calls recorded, want %q", want)
	}
	if got := engine.calls[len(engine.calls)-1]; got != want {
		t.Fatalf("engine call = %q, want %q", got, want)
	}
}

func TestHealthCheck(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodGet, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status body = %q, want ok", body["status"])
	}
}

func TestStartWorkflow(t *testing.T) {
	engine, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows", startWorkflowRequest{
		TemplateID: "tpl-1",
		Name:       "Onboard {{employee}}",
		StarterID:  "u-hr",
		Kickoff:    map[string]string{"employee": "Dana"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["id"] != "wf-1" {
		t.Errorf("id = %q, want wf-1", body["id"])
	}
	lastCall(t, engine, "start tpl-1 name=Onboard {{employee}} starter=u-hr kickoff=1")
}

func TestStartWorkflowRequiresTemplate(t *testing.T) {
	engine, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows", startWorkflowRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(engine.calls) != 0 {
		t.Errorf("engine was called for an invalid request: %v", engine.calls)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodGet, "/api/workflows/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCompleteTask(t *testing.T) {
	engine, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows/wf-1/tasks/2/complete", completeTaskRequest{UserID: "u-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	lastCall(t, engine, "complete wf-1/2 by u-1")
}

func TestCompleteTaskRejectsBadNumber(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows/wf-1/tasks/zero/complete", completeTaskRequest{UserID: "u-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCompleteTaskConflictMapsTo409(t *testing.T) {
	engine, ts := newTestServer(t)
	engine.err = progression.ErrNotCurrent

	resp := postJSON(t, ts, "/api/workflows/wf-1/tasks/1/complete", completeTaskRequest{UserID: "u-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestDelayAndResume(t *testing.T) {
	engine, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows/wf-1/delay", delayRequest{Duration: "72h"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delay status = %d, want 200", resp.StatusCode)
	}
	lastCall(t, engine, "delay wf-1 72h0m0s")

	resp = postJSON(t, ts, "/api/workflows/wf-1/resume", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", resp.StatusCode)
	}
	lastCall(t, engine, "resume wf-1")
}

func TestDelayRejectsBadDuration(t *testing.T) {
	_, ts := newTestServer(t)

	for _, d := range []string{"", "soon", "-1h"} {
		resp := postJSON(t, ts, "/api/workflows/wf-1/delay", delayRequest{Duration: d})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("duration %q: status = %d, want 400", d, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestSetDueDate(t *testing.T) {
	engine, ts := newTestServer(t)

	due := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	resp := postJSON(t, ts, "/api/workflows/wf-1/tasks/review/due-date", dueDateRequest{DueDate: due})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	lastCall(t, engine, "due-date wf-1/review 2024-07-01T12:00:00Z")
}

func TestSetDueDateUnknownTask(t *testing.T) {
	engine, ts := newTestServer(t)
	engine.err = fmt.Errorf("%w: review", orchestrator.ErrTaskNotFound)

	resp := postJSON(t, ts, "/api/workflows/wf-1/tasks/review/due-date",
		dueDateRequest{DueDate: time.Now()})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPerformerRoutes(t *testing.T) {
	engine, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows/wf-1/tasks/review/performers", performerRequest{UserID: "u-2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d, want 200", resp.StatusCode)
	}
	lastCall(t, engine, "add-performer wf-1/review u-2")

	resp = doJSON(t, ts, http.MethodDelete, "/api/workflows/wf-1/tasks/review/performers/u-2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d, want 200", resp.StatusCode)
	}
	lastCall(t, engine, "remove-performer wf-1/review u-2")
}

func TestSetFieldValue(t *testing.T) {
	engine, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workflows/wf-1/fields", fieldValueRequest{APIName: "approver", Value: "u-3"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	lastCall(t, engine, "field wf-1 approver=u-3")
}

func TestSaveTemplate(t *testing.T) {
	engine, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/templates", workflow.Template{
		ID:   "tpl-1",
		Name: "Hiring",
		Tasks: []workflow.TemplateTask{
			{APIName: "screen", Number: 1, Name: "Screen candidate"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if body["version"].(float64) != 1 {
		t.Errorf("version = %v, want 1", body["version"])
	}
	lastCall(t, engine, "template tpl-1 tasks=1")
}

func TestSaveTemplateRequiresTasks(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/templates", workflow.Template{ID: "tpl-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDirectoryRoutes(t *testing.T) {
	engine, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/users", userRequest{ID: "u-1", Name: "Dana"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("user status = %d, want 201", resp.StatusCode)
	}
	lastCall(t, engine, "user u-1")

	resp = postJSON(t, ts, "/api/groups", groupRequest{ID: "g-1", Name: "Legal", Members: []string{"u-1"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("group status = %d, want 201", resp.StatusCode)
	}
	lastCall(t, engine, "group g-1 members=1")

	resp = doJSON(t, ts, http.MethodDelete, "/api/users/u-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	lastCall(t, engine, "delete-user u-1")
}
