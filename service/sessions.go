package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/forgecrew/foreman/errs"
	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/ident"
	"github.com/forgecrew/foreman/queue"
	"github.com/forgecrew/foreman/session"
	"github.com/forgecrew/foreman/store"
)

// Sessions validates and applies session mutations.
type Sessions struct {
	st     *store.Store
	bus    *events.Bus
	links  *Links
	logger *slog.Logger
}

// CreateSessionParams describes a new worker session.
type CreateSessionParams struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// Create persists a new session in status spawning, creates its work
// queue, and publishes session:created. The worker advances the status
// to idle once it is ready.
func (s *Sessions) Create(ctx context.Context, p CreateSessionParams) (*session.Session, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errs.Validation("empty_name", "session name is required")
	}
	if _, err := s.st.GetProject(p.ProjectID); err != nil {
		return nil, err
	}

	nowTS := now()
	sess := &session.Session{
		ID:           ident.New(ident.PrefixSession),
		ProjectID:    p.ProjectID,
		Name:         p.Name,
		Status:       session.StatusSpawning,
		StartedAt:    nowTS,
		LastActivity: nowTS,
	}

	unlock := s.st.Lock(sess.ID)
	err := s.st.PutSession(sess)
	unlock()
	if err != nil {
		return nil, err
	}
	q := queue.New(ident.New(ident.PrefixQueue), sess.ID, nowTS)
	if err := s.st.PutQueue(q); err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.SessionCreated, sess.Clone())
	return sess, nil
}

// UpdateStatus advances the session's lifecycle. Terminal statuses
// (completed, failed, stopped) are irreversible and stamp CompletedAt; a
// repeated terminal update is accepted idempotently and returns the
// already-terminal record, because duplicate "I'm done" signals from a
// worker and its supervisor are expected.
func (s *Sessions) UpdateStatus(ctx context.Context, id string, to session.Status) (*session.Session, error) {
	if !to.Valid() {
		return nil, errs.Validation("invalid_status", "unknown session status %q", to)
	}

	unlock := s.st.Lock(id)
	defer unlock()

	sess, err := s.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		if to.Terminal() {
			return sess, nil
		}
		return nil, errs.Validation("session_terminal",
			"session %s is %s and cannot return to %s", id, sess.Status, to)
	}

	nowTS := now()
	from := sess.Status
	sess.Status = to
	sess.LastActivity = nowTS
	if to.Terminal() {
		sess.CompletedAt = &nowTS
	}
	sess.Timeline = append(sess.Timeline, session.TimelineEntry{
		Type:      session.EventStatusChange,
		Timestamp: nowTS,
		Message:   string(from) + " -> " + string(to),
	})
	if err := s.st.PutSession(sess); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.SessionUpdated, sess.Clone())
	return sess, nil
}

// Rename updates the session's human-readable name.
func (s *Sessions) Rename(ctx context.Context, id, name string) (*session.Session, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errs.Validation("empty_name", "session name is required")
	}

	unlock := s.st.Lock(id)
	defer unlock()

	sess, err := s.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	sess.Name = name
	sess.LastActivity = now()
	if err := s.st.PutSession(sess); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.SessionUpdated, sess.Clone())
	return sess, nil
}

// AppendTimeline appends one entry to the session's history. The entry
// type must belong to the closed event-type set; the timeline itself is
// append-only and never edited.
func (s *Sessions) AppendTimeline(ctx context.Context, id string, entry session.TimelineEntry) (*session.Session, error) {
	if !entry.Type.Valid() {
		return nil, errs.Validation("invalid_event_type", "unknown timeline event type %q", entry.Type)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now()
	}

	unlock := s.st.Lock(id)
	defer unlock()

	sess, err := s.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	sess.Timeline = append(sess.Timeline, entry)
	sess.LastActivity = now()
	if err := s.st.PutSession(sess); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.SessionUpdated, sess.Clone())
	return sess, nil
}

// RecordQueueEvent surfaces a work-queue item transition as a session
// timeline entry. Failures are logged, not returned: a queue hand-off
// must not fail because its audit entry could not be written.
func (s *Sessions) RecordQueueEvent(ctx context.Context, sessionID string, entry session.TimelineEntry) {
	if _, err := s.AppendTimeline(ctx, sessionID, entry); err != nil {
		s.logger.Error("record queue event",
			slog.String("session", sessionID),
			slog.String("type", string(entry.Type)),
			slog.Any("err", err),
		)
	}
}

// SetNeedsInput raises the session's needs-input flag with a message.
func (s *Sessions) SetNeedsInput(ctx context.Context, id, message string) (*session.Session, error) {
	unlock := s.st.Lock(id)
	defer unlock()

	sess, err := s.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	nowTS := now()
	sess.NeedsInput = true
	sess.NeedsInputMessage = message
	sess.LastActivity = nowTS
	sess.Timeline = append(sess.Timeline, session.TimelineEntry{
		Type:      session.EventNeedsInput,
		Timestamp: nowTS,
		Message:   message,
	})
	if err := s.st.PutSession(sess); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.SessionUpdated, sess.Clone())
	return sess, nil
}

// ClearNeedsInput lowers the needs-input flag.
func (s *Sessions) ClearNeedsInput(ctx context.Context, id string) (*session.Session, error) {
	unlock := s.st.Lock(id)
	defer unlock()

	sess, err := s.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	sess.NeedsInput = false
	sess.NeedsInputMessage = ""
	sess.LastActivity = now()
	if err := s.st.PutSession(sess); err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, events.SessionUpdated, sess.Clone())
	return sess, nil
}

// Delete detaches the session from every associated task, removes its
// work queue, deletes the record, and publishes session:deleted.
func (s *Sessions) Delete(ctx context.Context, id string) error {
	sess, err := s.st.GetSession(id)
	if err != nil {
		return err
	}
	if err := s.links.detachAllTasks(ctx, sess); err != nil {
		return err
	}
	if q, err := s.st.GetQueueBySession(id); err == nil {
		if err := s.st.DeleteQueue(q.ID); err != nil && !errs.IsNotFound(err) {
			return err
		}
	}

	unlock := s.st.Lock(id)
	err = s.st.DeleteSession(id)
	unlock()
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, events.SessionDeleted, events.DeletedPayload{ID: id})
	return nil
}

// Get returns the session by ID.
func (s *Sessions) Get(id string) (*session.Session, error) {
	return s.st.GetSession(id)
}

// List returns sessions matching the filter.
func (s *Sessions) List(f session.Filter) []*session.Session {
	return s.st.ListSessions(f)
}
