package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/stepline/internal/orchestrator"
	"github.com/nidhogg/stepline/internal/progression"
	"github.com/nidhogg/stepline/internal/store"
	"github.com/nidhogg/stepline/internal/workflow"
)

// Coordinator is the operation surface the handlers drive. Implemented
// by *orchestrator.Coordinator; the tests substitute a fake.
type Coordinator interface {
	StartWorkflow(ctx context.Context, templateID, name, starterID string, kickoff map[string]string) (string, error)
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	CompleteTask(ctx context.Context, workflowID string, number int, userID string) error
	RevertTask(ctx context.Context, workflowID string) error
	ForceDelay(ctx context.Context, workflowID string, d time.Duration) error
	ForceResume(ctx context.Context, workflowID string) error
	SetDueDate(ctx context.Context, workflowID, taskAPIName string, due time.Time) error
	AddPerformer(ctx context.Context, workflowID, taskAPIName, userID string) error
	RemovePerformer(ctx context.Context, workflowID, taskAPIName, userID string) error
	SetFieldValue(ctx context.Context, workflowID, apiName, value string) error
	MarkChecklistItem(ctx context.Context, workflowID, taskAPIName string) error
	ApplyTemplateVersion(ctx context.Context, tpl *workflow.Template) (int, error)
	SaveUser(ctx context.Context, id, name string) error
	DeleteUser(ctx context.Context, id string) error
	SaveGroup(ctx context.Context, id, name string, memberIDs []string) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine Coordinator
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(engine Coordinator, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/templates", h.saveTemplate)

		r.Post("/workflows", h.startWorkflow)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Post("/workflows/{id}/revert", h.revertTask)
		r.Post("/workflows/{id}/delay", h.delayWorkflow)
		r.Post("/workflows/{id}/resume", h.resumeWorkflow)
		r.Post("/workflows/{id}/fields", h.setFieldValue)
		r.Post("/workflows/{id}/tasks/{number}/complete", h.completeTask)
		r.Post("/workflows/{id}/tasks/{apiName}/due-date", h.setDueDate)
		r.Post("/workflows/{id}/tasks/{apiName}/performers", h.addPerformer)
		r.Delete("/workflows/{id}/tasks/{apiName}/performers/{userID}", h.removePerformer)
		r.Post("/workflows/{id}/tasks/{apiName}/checklist", h.markChecklistItem)

		r.Post("/users", h.saveUser)
		r.Delete("/users/{id}", h.deleteUser)
		r.Post("/groups", h.saveGroup)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) saveTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl workflow.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if tpl.ID == "" || len(tpl.Tasks) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "template id and tasks are required"})
		return
	}
	version, err := h.engine.ApplyTemplateVersion(r.Context(), &tpl)
	if err != nil {
		// A partial migration failure still published the version; the
		// client gets the version alongside the error detail.
		if version > 0 {
			writeJSON(w, http.StatusMultiStatus, map[string]interface{}{
				"template_id": tpl.ID,
				"version":     version,
				"error":       err.Error(),
			})
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"template_id": tpl.ID, "version": version})
}

type startWorkflowRequest struct {
	TemplateID string            `json:"template_id"`
	Name       string            `json:"name"`
	StarterID  string            `json:"starter_id"`
	Kickoff    map[string]string `json:"kickoff"`
}

func (h *Handler) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.TemplateID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "template_id is required"})
		return
	}
	id, err := h.engine.StartWorkflow(r.Context(), req.TemplateID, req.Name, req.StarterID, req.Kickoff)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type completeTaskRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task number must be a positive integer"})
		return
	}
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.engine.CompleteTask(r.Context(), chi.URLParam(r, "id"), number, req.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (h *Handler) revertTask(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RevertTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reverted"})
}

type delayRequest struct {
	Duration string `json:"duration"` // Go duration string, e.g. "72h"
}

func (h *Handler) delayWorkflow(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "duration must be a positive Go duration"})
		return
	}
	if err := h.engine.ForceDelay(r.Context(), chi.URLParam(r, "id"), d); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delayed"})
}

func (h *Handler) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ForceResume(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type dueDateRequest struct {
	DueDate time.Time `json:"due_date"`
}

func (h *Handler) setDueDate(w http.ResponseWriter, r *http.Request) {
	var req dueDateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.DueDate.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "due_date is required"})
		return
	}
	if err := h.engine.SetDueDate(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "apiName"), req.DueDate); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "due date set"})
}

type performerRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) addPerformer(w http.ResponseWriter, r *http.Request) {
	var req performerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	if err := h.engine.AddPerformer(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "apiName"), req.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "performer added"})
}

func (h *Handler) removePerformer(w http.ResponseWriter, r *http.Request) {
	err := h.engine.RemovePerformer(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "apiName"), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "performer removed"})
}

type fieldValueRequest struct {
	APIName string `json:"api_name"`
	Value   string `json:"value"`
}

func (h *Handler) setFieldValue(w http.ResponseWriter, r *http.Request) {
	var req fieldValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.APIName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "api_name is required"})
		return
	}
	if err := h.engine.SetFieldValue(r.Context(), chi.URLParam(r, "id"), req.APIName, req.Value); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "field set"})
}

func (h *Handler) markChecklistItem(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.MarkChecklistItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "apiName")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "checklist item marked"})
}

type userRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) saveUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	if err := h.engine.SaveUser(r.Context(), req.ID, req.Name); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type groupRequest struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (h *Handler) saveGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	if err := h.engine.SaveGroup(r.Context(), req.ID, req.Name, req.Members); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// writeError maps engine errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, orchestrator.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, progression.ErrNotCurrent),
		errors.Is(err, progression.ErrNotPerformer),
		errors.Is(err, progression.ErrBadState):
		status = http.StatusConflict
	case errors.Is(err, store.ErrConflict):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
