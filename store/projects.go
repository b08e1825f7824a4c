package store

import (
	"sort"

	"github.com/forgecrew/foreman/project"
)

// GetProject retrieves a project by ID from the mirror.
func (s *Store) GetProject(id string) (*project.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, notFound("project", id)
	}
	return p.Clone(), nil
}

// PutProject persists the project and updates the mirror.
func (s *Store) PutProject(p *project.Project) error {
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, work_dir, created_at, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, work_dir=excluded.work_dir,
			updated_at=excluded.updated_at`,
		p.ID, p.Name, p.WorkDir, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return storageErr("write", err)
	}
	s.mu.Lock()
	s.projects[p.ID] = p.Clone()
	s.mu.Unlock()
	return nil
}

// DeleteProject removes the project from disk and the mirror.
func (s *Store) DeleteProject(id string) error {
	res, err := s.db.Exec("DELETE FROM projects WHERE id=?", id)
	if err != nil {
		return storageErr("delete", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete", err)
	}
	if rows == 0 {
		return notFound("project", id)
	}
	s.mu.Lock()
	delete(s.projects, id)
	s.mu.Unlock()
	return nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects() []*project.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*project.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// loadProjects fills the project mirror from disk.
func (s *Store) loadProjects() error {
	rows, err := s.db.Query(`SELECT id, name, work_dir, created_at, updated_at FROM projects`)
	if err != nil {
		return storageErr("load", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p project.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.WorkDir, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return storageErr("load", err)
		}
		s.projects[p.ID] = &p
	}
	return rows.Err()
}
