package service

import (
	"context"
	"strings"

	"github.com/forgecrew/foreman/errs"
	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/ident"
	"github.com/forgecrew/foreman/project"
	"github.com/forgecrew/foreman/session"
	"github.com/forgecrew/foreman/store"
	"github.com/forgecrew/foreman/task"
)

// Projects manages the named root scopes that own tasks and sessions.
type Projects struct {
	st  *store.Store
	bus *events.Bus
}

// CreateProjectParams describes a new project.
type CreateProjectParams struct {
	Name    string `json:"name"`
	WorkDir string `json:"work_dir"`
}

// Create persists a new project and publishes project:created.
func (s *Projects) Create(ctx context.Context, p CreateProjectParams) (*project.Project, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errs.Validation("empty_name", "project name is required")
	}
	nowTS := now()
	pr := &project.Project{
		ID:        ident.New(ident.PrefixProject),
		Name:      p.Name,
		WorkDir:   p.WorkDir,
		CreatedAt: nowTS,
		UpdatedAt: nowTS,
	}

	unlock := s.st.Lock(pr.ID)
	err := s.st.PutProject(pr)
	unlock()
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.ProjectCreated, pr.Clone())
	return pr, nil
}

// Delete removes a project. A project that still owns tasks or sessions
// cannot be deleted (cascade guard).
func (s *Projects) Delete(ctx context.Context, id string) error {
	if _, err := s.st.GetProject(id); err != nil {
		return err
	}
	if n := len(s.st.ListTasks(task.Filter{ProjectID: id})); n > 0 {
		return errs.BusinessRule("project_not_empty",
			"project %s still owns %d task(s)", id, n)
	}
	if n := len(s.st.ListSessions(session.Filter{ProjectID: id})); n > 0 {
		return errs.BusinessRule("project_not_empty",
			"project %s still owns %d session(s)", id, n)
	}

	unlock := s.st.Lock(id)
	err := s.st.DeleteProject(id)
	unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, events.ProjectDeleted, events.DeletedPayload{ID: id})
	return nil
}

// Get returns the project by ID.
func (s *Projects) Get(id string) (*project.Project, error) {
	return s.st.GetProject(id)
}

// List returns all projects.
func (s *Projects) List() []*project.Project {
	return s.st.ListProjects()
}
