// Package api implements the coordinator's REST handlers. The routes are
// a thin shell over the service layer: request decoding, error-to-status
// mapping, and nothing else.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/forgecrew/foreman/errs"
	"github.com/forgecrew/foreman/project"
	"github.com/forgecrew/foreman/queue"
	"github.com/forgecrew/foreman/service"
	"github.com/forgecrew/foreman/session"
	"github.com/forgecrew/foreman/store"
	"github.com/forgecrew/foreman/task"
	"github.com/forgecrew/foreman/workqueue"
)

// Handlers bundles all REST handler dependencies.
type Handlers struct {
	Services     *service.Services
	Engine       *workqueue.Engine
	Store        *store.Store
	Logger       *slog.Logger
	Version      string
	StartAt      time.Time
	ClaimTimeout time.Duration // default when a claim carries none
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.listProjects)
	mux.HandleFunc("POST /api/projects", h.createProject)
	mux.HandleFunc("GET /api/projects/{id}", h.getProject)
	mux.HandleFunc("DELETE /api/projects/{id}", h.deleteProject)

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/status", h.updateTaskStatus)
	mux.HandleFunc("POST /api/tasks/{id}/session-status", h.setTaskSessionStatus)

	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", h.renameSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.deleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/status", h.updateSessionStatus)
	mux.HandleFunc("POST /api/sessions/{id}/timeline", h.appendTimeline)
	mux.HandleFunc("POST /api/sessions/{id}/needs-input", h.setNeedsInput)
	mux.HandleFunc("DELETE /api/sessions/{id}/needs-input", h.clearNeedsInput)

	mux.HandleFunc("PUT /api/sessions/{id}/tasks/{taskID}", h.attachTask)
	mux.HandleFunc("DELETE /api/sessions/{id}/tasks/{taskID}", h.detachTask)

	mux.HandleFunc("GET /api/sessions/{id}/queue", h.getQueue)
	mux.HandleFunc("POST /api/sessions/{id}/queue", h.pushQueue)
	mux.HandleFunc("POST /api/sessions/{id}/queue/claim", h.claimNext)
	mux.HandleFunc("POST /api/sessions/{id}/queue/complete", h.completeItem)
	mux.HandleFunc("POST /api/sessions/{id}/queue/fail", h.failItem)
	mux.HandleFunc("POST /api/sessions/{id}/queue/skip", h.skipItem)

	mux.HandleFunc("GET /api/status", h.status)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses and writes a
// JSON body carrying the stable code plus the message.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindBusinessRule:
		status = http.StatusConflict
	case errs.KindStorage:
		status = http.StatusInternalServerError
		h.Logger.Error("request failed", slog.Any("err", err))
	}
	writeJSON(w, status, map[string]string{
		"code":  errs.CodeOf(err),
		"error": err.Error(),
	})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("invalid_body", "invalid request body: %s", err)
	}
	return nil
}

// --- Project handlers ---

func (h *Handlers) listProjects(w http.ResponseWriter, _ *http.Request) {
	projects := h.Services.Projects.List()
	if projects == nil {
		projects = []*project.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handlers) createProject(w http.ResponseWriter, r *http.Request) {
	var p service.CreateProjectParams
	if err := decode(r, &p); err != nil {
		h.writeError(w, err)
		return
	}
	proj, err := h.Services.Projects.Create(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}

func (h *Handlers) getProject(w http.ResponseWriter, r *http.Request) {
	proj, err := h.Services.Projects.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (h *Handlers) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.Services.Projects.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	f := task.Filter{
		ProjectID: r.URL.Query().Get("project_id"),
		ParentID:  r.URL.Query().Get("parent_id"),
		SessionID: r.URL.Query().Get("session_id"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st := task.Status(s)
		if !st.Valid() {
			h.writeError(w, errs.Validation("invalid_status", "unknown task status %q", s))
			return
		}
		f.Status = &st
	}
	tasks := h.Services.Tasks.List(f)
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var p service.CreateTaskParams
	if err := decode(r, &p); err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.Services.Tasks.Create(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Services.Tasks.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	var p service.UpdateTaskParams
	if err := decode(r, &p); err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.Services.Tasks.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Services.Tasks.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status task.Status `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.Services.Tasks.UpdateStatus(r.Context(), r.PathValue("id"), body.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) setTaskSessionStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string      `json:"session_id"`
		Status    task.Status `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	t, err := h.Services.Tasks.SetSessionStatus(r.Context(), r.PathValue("id"), body.SessionID, body.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Session handlers ---

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	f := session.Filter{
		ProjectID: r.URL.Query().Get("project_id"),
		TaskID:    r.URL.Query().Get("task_id"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st := session.Status(s)
		if !st.Valid() {
			h.writeError(w, errs.Validation("invalid_status", "unknown session status %q", s))
			return
		}
		f.Status = &st
	}
	sessions := h.Services.Sessions.List(f)
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var p service.CreateSessionParams
	if err := decode(r, &p); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.Services.Sessions.Create(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Services.Sessions.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) renameSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.Services.Sessions.Rename(r.Context(), r.PathValue("id"), body.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Services.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) updateSessionStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status session.Status `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.Services.Sessions.UpdateStatus(r.Context(), r.PathValue("id"), body.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) appendTimeline(w http.ResponseWriter, r *http.Request) {
	var entry session.TimelineEntry
	if err := decode(r, &entry); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.Services.Sessions.AppendTimeline(r.Context(), r.PathValue("id"), entry)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) setNeedsInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	sess, err := h.Services.Sessions.SetNeedsInput(r.Context(), r.PathValue("id"), body.Message)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) clearNeedsInput(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Services.Sessions.ClearNeedsInput(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- Link handlers ---

func (h *Handlers) attachTask(w http.ResponseWriter, r *http.Request) {
	err := h.Services.Links.AttachTask(r.Context(), r.PathValue("id"), r.PathValue("taskID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) detachTask(w http.ResponseWriter, r *http.Request) {
	err := h.Services.Links.DetachTask(r.Context(), r.PathValue("id"), r.PathValue("taskID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Queue handlers ---

func (h *Handlers) getQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.Engine.Queue(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handlers) pushQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := decode(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	q, err := h.Engine.Push(r.Context(), r.PathValue("id"), body.TaskIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// claimResponse is the claim endpoint's body. Claimed distinguishes a
// real item from the no-work result.
type claimResponse struct {
	Claimed bool        `json:"claimed"`
	Item    *queue.Item `json:"item,omitempty"`
}

func (h *Handlers) claimNext(w http.ResponseWriter, r *http.Request) {
	timeout := h.ClaimTimeout
	if s := r.URL.Query().Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			h.writeError(w, errs.Validation("invalid_timeout", "invalid timeout %q", s))
			return
		}
		timeout = d
	}

	item, claimed, err := h.Engine.ClaimNext(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Caller went away while waiting; nothing to report.
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Claimed: claimed, Item: item})
}

func (h *Handlers) completeItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Engine.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handlers) failItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	item, err := h.Engine.Fail(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handlers) skipItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Engine.Skip(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// --- Status ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": h.Version,
		"uptime":  time.Since(h.StartAt).Round(time.Second).String(),
		"counts":  h.Store.Count(),
	})
}
