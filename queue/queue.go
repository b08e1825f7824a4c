// Package queue defines a session's personal work queue: an ordered list
// of claimable task references with a per-item state machine and a cursor
// marking the most recently claimed item.
package queue

import "time"

// ItemStatus represents the lifecycle state of a queue item.
type ItemStatus string

const (
	ItemQueued     ItemStatus = "queued"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// Terminal reports whether the item status permits no further transitions.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemSkipped
}

// Item is one claimable task reference inside a queue.
type Item struct {
	TaskID      string     `json:"task_id"`
	Status      ItemStatus `json:"status"`
	Reason      string     `json:"reason,omitempty"` // failure reason
	AddedAt     time.Time  `json:"added_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Queue is the ordered item list for one session. CurrentIndex points at
// the most recently claimed item, -1 when nothing is claimed.
type Queue struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Items        []Item    `json:"items,omitempty"`
	CurrentIndex int       `json:"current_index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// New returns an empty queue for the given session.
func New(id, sessionID string, now time.Time) *Queue {
	return &Queue{
		ID:           id,
		SessionID:    sessionID,
		CurrentIndex: -1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NextQueued returns the index of the first queued item, or -1.
func (q *Queue) NextQueued() int {
	for i := range q.Items {
		if q.Items[i].Status == ItemQueued {
			return i
		}
	}
	return -1
}

// Current returns the item at the cursor, or nil when nothing is claimed.
func (q *Queue) Current() *Item {
	if q.CurrentIndex < 0 || q.CurrentIndex >= len(q.Items) {
		return nil
	}
	return &q.Items[q.CurrentIndex]
}

// Pending reports whether any item is still claimable.
func (q *Queue) Pending() bool {
	return q.NextQueued() >= 0
}

// Clone returns a deep copy of the queue.
func (q *Queue) Clone() *Queue {
	c := *q
	c.Items = make([]Item, len(q.Items))
	for i, it := range q.Items {
		c.Items[i] = it
		if it.StartedAt != nil {
			ts := *it.StartedAt
			c.Items[i].StartedAt = &ts
		}
		if it.CompletedAt != nil {
			ts := *it.CompletedAt
			c.Items[i].CompletedAt = &ts
		}
	}
	return &c
}
