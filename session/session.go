// Package session defines the worker session model: a running or
// historical worker instance, its status lifecycle, and its append-only
// event timeline.
package session

import "time"

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusSpawning  Status = "spawning"
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Valid reports whether s is a known session status.
func (s Status) Valid() bool {
	switch s {
	case StatusSpawning, StatusIdle, StatusWorking, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Terminal reports whether s freezes the session against further work.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// EventType classifies a timeline entry. The set is closed: appending an
// entry with an unknown type is rejected by the session service.
type EventType string

const (
	EventStatusChange  EventType = "status_change"
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskSkipped   EventType = "task_skipped"
	EventQueuePush     EventType = "queue_push"
	EventMessage       EventType = "message"
	EventNeedsInput    EventType = "needs_input"
)

// Valid reports whether t is a known timeline event type.
func (t EventType) Valid() bool {
	switch t {
	case EventStatusChange, EventTaskAssigned, EventTaskCompleted, EventTaskFailed,
		EventTaskSkipped, EventQueuePush, EventMessage, EventNeedsInput:
		return true
	}
	return false
}

// TimelineEntry is one event in a session's history. The timeline is
// monotonically append-only; entries are never edited or removed.
type TimelineEntry struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
}

// Session is a worker instance. TaskIDs is the set of tasks currently
// associated with the session, kept bidirectionally consistent with each
// task's SessionIDs set by the service layer's link operations.
type Session struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"project_id"`
	Name              string          `json:"name"`
	Status            Status          `json:"status"`
	TaskIDs           []string        `json:"task_ids,omitempty"`
	Timeline          []TimelineEntry `json:"timeline,omitempty"`
	NeedsInput        bool            `json:"needs_input,omitempty"`
	NeedsInputMessage string          `json:"needs_input_message,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	LastActivity      time.Time       `json:"last_activity"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// HasTask reports whether the task is in the session's task set.
func (s *Session) HasTask(taskID string) bool {
	for _, id := range s.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// AddTask adds the task to the session's task set. Adding an
// already-present task is a no-op.
func (s *Session) AddTask(taskID string) {
	if !s.HasTask(taskID) {
		s.TaskIDs = append(s.TaskIDs, taskID)
	}
}

// RemoveTask removes the task from the session's task set. Removing an
// absent task is a no-op.
func (s *Session) RemoveTask(taskID string) {
	out := s.TaskIDs[:0]
	for _, id := range s.TaskIDs {
		if id != taskID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		s.TaskIDs = nil
	} else {
		s.TaskIDs = out
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.TaskIDs = append([]string(nil), s.TaskIDs...)
	c.Timeline = append([]TimelineEntry(nil), s.Timeline...)
	if s.CompletedAt != nil {
		ts := *s.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Filter controls which sessions are returned by listings.
type Filter struct {
	ProjectID string  `json:"project_id,omitempty"`
	Status    *Status `json:"status,omitempty"`
	TaskID    string  `json:"task_id,omitempty"`
}

// Matches reports whether the session satisfies every set filter field.
func (f Filter) Matches(s *Session) bool {
	if f.ProjectID != "" && s.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != nil && s.Status != *f.Status {
		return false
	}
	if f.TaskID != "" && !s.HasTask(f.TaskID) {
		return false
	}
	return true
}
