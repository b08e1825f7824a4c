package store

import (
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/forgecrew/foreman/session"
)

// GetSession retrieves a session by ID from the mirror.
func (s *Store) GetSession(id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, notFound("session", id)
	}
	return sess.Clone(), nil
}

// PutSession persists the session and updates the mirror.
func (s *Store) PutSession(sess *session.Session) error {
	if err := s.writeSession(sess); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess.Clone()
	s.mu.Unlock()
	return nil
}

// DeleteSession removes the session from disk and the mirror.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id=?", id)
	if err != nil {
		return storageErr("delete", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete", err)
	}
	if rows == 0 {
		return notFound("session", id)
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Store) ListSessions(f session.Filter) []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*session.Session
	for _, sess := range s.sessions {
		if f.Matches(sess) {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// writeSession upserts the session row.
func (s *Store) writeSession(sess *session.Session) error {
	taskIDs, _ := json.Marshal(sess.TaskIDs)
	timeline, _ := json.Marshal(sess.Timeline)

	needsInput := 0
	if sess.NeedsInput {
		needsInput = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions
			(id, project_id, name, status, task_ids, timeline,
			 needs_input, needs_input_message, started_at, last_activity, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id, name=excluded.name,
			status=excluded.status, task_ids=excluded.task_ids,
			timeline=excluded.timeline, needs_input=excluded.needs_input,
			needs_input_message=excluded.needs_input_message,
			last_activity=excluded.last_activity, completed_at=excluded.completed_at`,
		sess.ID, sess.ProjectID, sess.Name, string(sess.Status),
		string(taskIDs), string(timeline),
		needsInput, sess.NeedsInputMessage,
		sess.StartedAt, sess.LastActivity, optTime(sess.CompletedAt),
	)
	if err != nil {
		return storageErr("write", err)
	}
	return nil
}

// loadSessions fills the session mirror from disk.
func (s *Store) loadSessions() error {
	rows, err := s.db.Query(`SELECT id, project_id, name, status, task_ids,
		timeline, needs_input, needs_input_message,
		started_at, last_activity, completed_at FROM sessions`)
	if err != nil {
		return storageErr("load", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sess session.Session
		var status, taskIDsJSON, timelineJSON string
		var needsInput int
		var completedAt sql.NullTime

		err := rows.Scan(
			&sess.ID, &sess.ProjectID, &sess.Name, &status, &taskIDsJSON,
			&timelineJSON, &needsInput, &sess.NeedsInputMessage,
			&sess.StartedAt, &sess.LastActivity, &completedAt,
		)
		if err != nil {
			return storageErr("load", err)
		}
		sess.Status = session.Status(status)
		sess.NeedsInput = needsInput != 0
		_ = json.Unmarshal([]byte(taskIDsJSON), &sess.TaskIDs)
		_ = json.Unmarshal([]byte(timelineJSON), &sess.Timeline)
		if completedAt.Valid {
			sess.CompletedAt = &completedAt.Time
		}
		s.sessions[sess.ID] = &sess
	}
	return rows.Err()
}
