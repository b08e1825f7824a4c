// Package task defines the task model: a unit of work tracked by the
// coordinator and claimable by worker sessions.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is a known task status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusInReview, StatusCompleted, StatusCancelled, StatusBlocked:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// transitions is the closed set of allowed status moves.
var transitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress},
	StatusInProgress: {StatusInReview, StatusBlocked, StatusCompleted, StatusCancelled},
	StatusInReview:   {StatusInProgress, StatusCompleted},
	StatusBlocked:    {StatusInProgress},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority determines task scheduling order.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Task is a unit of work. SessionIDs is the set of sessions currently
// associated with the task; every member must name a session whose own
// TaskIDs set contains this task. The link operations in the service
// layer are the only writers of the cross-reference arrays.
type Task struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"project_id"`
	ParentID      string            `json:"parent_id,omitempty"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Status        Status            `json:"status"`
	Priority      Priority          `json:"priority"`
	Dependencies  []string          `json:"dependencies,omitempty"` // carried, not enforced
	SessionIDs    []string          `json:"session_ids,omitempty"`
	SessionStatus map[string]Status `json:"session_status,omitempty"` // per-session view, keyed by session ID
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// HasSession reports whether the session is in the task's session set.
func (t *Task) HasSession(sessionID string) bool {
	for _, id := range t.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// AddSession adds the session to the task's session set. Adding an
// already-present session is a no-op.
func (t *Task) AddSession(sessionID string) {
	if !t.HasSession(sessionID) {
		t.SessionIDs = append(t.SessionIDs, sessionID)
	}
}

// RemoveSession removes the session from the task's session set and drops
// its per-session status entry. Removing an absent session is a no-op.
func (t *Task) RemoveSession(sessionID string) {
	out := t.SessionIDs[:0]
	for _, id := range t.SessionIDs {
		if id != sessionID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		t.SessionIDs = nil
	} else {
		t.SessionIDs = out
	}
	delete(t.SessionStatus, sessionID)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.SessionIDs = append([]string(nil), t.SessionIDs...)
	if t.SessionStatus != nil {
		c.SessionStatus = make(map[string]Status, len(t.SessionStatus))
		for k, v := range t.SessionStatus {
			c.SessionStatus[k] = v
		}
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Filter controls which tasks are returned by listings.
type Filter struct {
	ProjectID string  `json:"project_id,omitempty"`
	Status    *Status `json:"status,omitempty"`
	ParentID  string  `json:"parent_id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
}

// Matches reports whether the task satisfies every set filter field.
func (f Filter) Matches(t *Task) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.SessionID != "" && !t.HasSession(f.SessionID) {
		return false
	}
	return true
}
