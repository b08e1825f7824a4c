package store

import (
	"encoding/json"

	"github.com/forgecrew/foreman/queue"
)

// GetQueue retrieves a queue by ID from the mirror.
func (s *Store) GetQueue(id string) (*queue.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[id]
	if !ok {
		return nil, notFound("queue", id)
	}
	return q.Clone(), nil
}

// GetQueueBySession retrieves the queue belonging to the given session.
func (s *Store) GetQueueBySession(sessionID string) (*queue.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.qBySess[sessionID]
	if !ok {
		return nil, notFound("queue", sessionID)
	}
	return s.queues[id].Clone(), nil
}

// PutQueue persists the queue and updates the mirror.
func (s *Store) PutQueue(q *queue.Queue) error {
	items, _ := json.Marshal(q.Items)
	_, err := s.db.Exec(`
		INSERT INTO queues (id, session_id, items, current_index, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			items=excluded.items, current_index=excluded.current_index,
			updated_at=excluded.updated_at`,
		q.ID, q.SessionID, string(items), q.CurrentIndex, q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return storageErr("write", err)
	}
	s.mu.Lock()
	s.queues[q.ID] = q.Clone()
	s.qBySess[q.SessionID] = q.ID
	s.mu.Unlock()
	return nil
}

// DeleteQueue removes the queue from disk and the mirror.
func (s *Store) DeleteQueue(id string) error {
	res, err := s.db.Exec("DELETE FROM queues WHERE id=?", id)
	if err != nil {
		return storageErr("delete", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete", err)
	}
	if rows == 0 {
		return notFound("queue", id)
	}
	s.mu.Lock()
	if q, ok := s.queues[id]; ok {
		delete(s.qBySess, q.SessionID)
	}
	delete(s.queues, id)
	s.mu.Unlock()
	return nil
}

// loadQueues fills the queue mirror from disk.
func (s *Store) loadQueues() error {
	rows, err := s.db.Query(`SELECT id, session_id, items, current_index,
		created_at, updated_at FROM queues`)
	if err != nil {
		return storageErr("load", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q queue.Queue
		var itemsJSON string
		err := rows.Scan(&q.ID, &q.SessionID, &itemsJSON, &q.CurrentIndex,
			&q.CreatedAt, &q.UpdatedAt)
		if err != nil {
			return storageErr("load", err)
		}
		_ = json.Unmarshal([]byte(itemsJSON), &q.Items)
		s.queues[q.ID] = &q
		s.qBySess[q.SessionID] = q.ID
	}
	return rows.Err()
}
