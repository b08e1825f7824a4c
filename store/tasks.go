package store

import (
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/forgecrew/foreman/task"
)

// GetTask retrieves a task by ID from the mirror.
func (s *Store) GetTask(id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, notFound("task", id)
	}
	return t.Clone(), nil
}

// PutTask persists the task and updates the mirror.
func (s *Store) PutTask(t *task.Task) error {
	if err := s.writeTask(t); err != nil {
		return err
	}
	s.mu.Lock()
	s.tasks[t.ID] = t.Clone()
	s.mu.Unlock()
	return nil
}

// DeleteTask removes the task from disk and the mirror.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return storageErr("delete", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete", err)
	}
	if rows == 0 {
		return notFound("task", id)
	}
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	return nil
}

// ListTasks returns tasks matching the filter, ordered by priority
// descending then creation time ascending.
func (s *Store) ListTasks(f task.Filter) []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// writeTask upserts the task row.
func (s *Store) writeTask(t *task.Task) error {
	deps, _ := json.Marshal(t.Dependencies)
	sessIDs, _ := json.Marshal(t.SessionIDs)
	sessStatus, _ := json.Marshal(t.SessionStatus)

	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, project_id, parent_id, title, description, status, priority,
			 dependencies, session_ids, session_status,
			 created_at, updated_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id, parent_id=excluded.parent_id,
			title=excluded.title, description=excluded.description,
			status=excluded.status, priority=excluded.priority,
			dependencies=excluded.dependencies, session_ids=excluded.session_ids,
			session_status=excluded.session_status,
			updated_at=excluded.updated_at, started_at=excluded.started_at,
			completed_at=excluded.completed_at`,
		t.ID, t.ProjectID, t.ParentID, t.Title, t.Description,
		string(t.Status), int(t.Priority),
		string(deps), string(sessIDs), string(sessStatus),
		t.CreatedAt, t.UpdatedAt, optTime(t.StartedAt), optTime(t.CompletedAt),
	)
	if err != nil {
		return storageErr("write", err)
	}
	return nil
}

// loadTasks fills the task mirror from disk.
func (s *Store) loadTasks() error {
	rows, err := s.db.Query(`SELECT id, project_id, parent_id, title, description,
		status, priority, dependencies, session_ids, session_status,
		created_at, updated_at, started_at, completed_at FROM tasks`)
	if err != nil {
		return storageErr("load", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t task.Task
		var status, depsJSON, sessIDsJSON, sessStatusJSON string
		var priority int
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&t.ID, &t.ProjectID, &t.ParentID, &t.Title, &t.Description,
			&status, &priority, &depsJSON, &sessIDsJSON, &sessStatusJSON,
			&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
		)
		if err != nil {
			return storageErr("load", err)
		}
		t.Status = task.Status(status)
		t.Priority = task.Priority(priority)
		_ = json.Unmarshal([]byte(depsJSON), &t.Dependencies)
		_ = json.Unmarshal([]byte(sessIDsJSON), &t.SessionIDs)
		_ = json.Unmarshal([]byte(sessStatusJSON), &t.SessionStatus)
		if startedAt.Valid {
			t.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		s.tasks[t.ID] = &t
	}
	return rows.Err()
}

// optTime adapts an optional timestamp for SQL parameters.
func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
