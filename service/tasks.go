package service

import (
	"context"
	"strings"
	"time"

	"github.com/forgecrew/foreman/errs"
	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/ident"
	"github.com/forgecrew/foreman/store"
	"github.com/forgecrew/foreman/task"
)

// Tasks validates and applies task mutations.
type Tasks struct {
	st    *store.Store
	bus   *events.Bus
	links *Links
}

// CreateTaskParams describes a new task.
type CreateTaskParams struct {
	ProjectID    string        `json:"project_id"`
	ParentID     string        `json:"parent_id,omitempty"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Priority     task.Priority `json:"priority,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

// Create persists a new task in status todo and publishes task:created.
func (s *Tasks) Create(ctx context.Context, p CreateTaskParams) (*task.Task, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, errs.Validation("empty_title", "task title is required")
	}
	if _, err := s.st.GetProject(p.ProjectID); err != nil {
		return nil, err
	}
	if p.ParentID != "" {
		if _, err := s.st.GetTask(p.ParentID); err != nil {
			return nil, err
		}
	}

	nowTS := now()
	t := &task.Task{
		ID:           ident.New(ident.PrefixTask),
		ProjectID:    p.ProjectID,
		ParentID:     p.ParentID,
		Title:        p.Title,
		Description:  p.Description,
		Status:       task.StatusTodo,
		Priority:     p.Priority,
		Dependencies: p.Dependencies,
		CreatedAt:    nowTS,
		UpdatedAt:    nowTS,
	}

	unlock := s.st.Lock(t.ID)
	err := s.st.PutTask(t)
	unlock()
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.TaskCreated, t.Clone())
	return t, nil
}

// UpdateTaskParams carries optional metadata changes; nil fields are
// left untouched.
type UpdateTaskParams struct {
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Priority    *task.Priority `json:"priority,omitempty"`
}

// Update applies metadata changes and publishes task:updated.
func (s *Tasks) Update(ctx context.Context, id string, p UpdateTaskParams) (*task.Task, error) {
	unlock := s.st.Lock(id)
	defer unlock()

	t, err := s.st.GetTask(id)
	if err != nil {
		return nil, err
	}
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return nil, errs.Validation("empty_title", "task title is required")
		}
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	t.UpdatedAt = now()
	if err := s.st.PutTask(t); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.TaskUpdated, t.Clone())
	return t, nil
}

// UpdateStatus moves the task through its state machine. An illegal
// transition fails with a validation error and leaves the record
// unchanged. The first move into in_progress stamps StartedAt; a move
// into a terminal status stamps CompletedAt.
func (s *Tasks) UpdateStatus(ctx context.Context, id string, to task.Status) (*task.Task, error) {
	if !to.Valid() {
		return nil, errs.Validation("invalid_status", "unknown task status %q", to)
	}

	unlock := s.st.Lock(id)
	defer unlock()

	t, err := s.st.GetTask(id)
	if err != nil {
		return nil, err
	}
	if !task.CanTransition(t.Status, to) {
		return nil, errs.Validation("invalid_transition",
			"cannot move task %s from %s to %s", id, t.Status, to)
	}

	nowTS := now()
	t.Status = to
	t.UpdatedAt = nowTS
	if to == task.StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &nowTS
	}
	if to.Terminal() {
		t.CompletedAt = &nowTS
	}
	if err := s.st.PutTask(t); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.TaskUpdated, t.Clone())
	return t, nil
}

// SetSessionStatus records one session's view of the task, without
// touching the overall status. The session must be attached to the task;
// multiple attached sessions each keep their own entry.
func (s *Tasks) SetSessionStatus(ctx context.Context, id, sessionID string, status task.Status) (*task.Task, error) {
	if !status.Valid() {
		return nil, errs.Validation("invalid_status", "unknown task status %q", status)
	}

	unlock := s.st.Lock(id)
	defer unlock()

	t, err := s.st.GetTask(id)
	if err != nil {
		return nil, err
	}
	if !t.HasSession(sessionID) {
		return nil, errs.Validation("session_not_attached",
			"session %s is not attached to task %s", sessionID, id)
	}
	if t.SessionStatus == nil {
		t.SessionStatus = make(map[string]task.Status)
	}
	t.SessionStatus[sessionID] = status
	t.UpdatedAt = now()
	if err := s.st.PutTask(t); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.TaskUpdated, t.Clone())
	return t, nil
}

// Delete detaches the task from every associated session, removes the
// record, and publishes task:deleted with the identifier.
func (s *Tasks) Delete(ctx context.Context, id string) error {
	t, err := s.st.GetTask(id)
	if err != nil {
		return err
	}
	if err := s.links.detachAllSessions(ctx, id, append([]string(nil), t.SessionIDs...)); err != nil {
		return err
	}

	unlock := s.st.Lock(id)
	err = s.st.DeleteTask(id)
	unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, events.TaskDeleted, events.DeletedPayload{ID: id})
	return nil
}

// Get returns the task by ID.
func (s *Tasks) Get(id string) (*task.Task, error) {
	return s.st.GetTask(id)
}

// List returns tasks matching the filter.
func (s *Tasks) List(f task.Filter) []*task.Task {
	return s.st.ListTasks(f)
}

// now returns the coordinator's canonical timestamp.
func now() time.Time {
	return time.Now().UTC()
}
