package service

import (
	"context"

	"github.com/forgecrew/foreman/errs"
	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/session"
	"github.com/forgecrew/foreman/store"
)

// Links is the relationship maintainer. It is the sole writer of the
// task.SessionIDs and session.TaskIDs cross-reference arrays: both sides
// of a link change under one two-identifier lock, so a reader never
// observes a state where only one side reflects the change.
type Links struct {
	st  *store.Store
	bus *events.Bus
}

// AttachTask links the task to the session. Re-attaching an existing
// pair is a no-op. Attaching to a session in a terminal status is
// rejected, since terminal sessions accept no further work.
func (l *Links) AttachTask(ctx context.Context, sessionID, taskID string) error {
	unlock := l.st.Lock(sessionID, taskID)
	defer unlock()

	sess, err := l.st.GetSession(sessionID)
	if err != nil {
		return err
	}
	t, err := l.st.GetTask(taskID)
	if err != nil {
		return err
	}
	if sess.HasTask(taskID) && t.HasSession(sessionID) {
		return nil
	}
	if sess.Status.Terminal() {
		return errs.BusinessRule("session_terminal",
			"session %s is %s and accepts no new tasks", sessionID, sess.Status)
	}

	orig := t.Clone()
	t.AddSession(sessionID)
	sess.AddTask(taskID)
	sess.LastActivity = now()

	if err := l.st.PutTask(t); err != nil {
		return err
	}
	if err := l.st.PutSession(sess); err != nil {
		// Roll the first write back so no half-link is ever visible.
		if rbErr := l.st.PutTask(orig); rbErr != nil {
			return errs.Storage("link_rollback", rbErr,
				"attach %s to %s failed and could not roll back", taskID, sessionID)
		}
		return err
	}

	l.bus.Publish(ctx, events.TaskSessionAdded, t.Clone())
	l.bus.Publish(ctx, events.SessionTaskAdded, sess.Clone())
	return nil
}

// DetachTask unlinks the task from the session. Detaching a pair that is
// not attached is a no-op.
func (l *Links) DetachTask(ctx context.Context, sessionID, taskID string) error {
	unlock := l.st.Lock(sessionID, taskID)
	defer unlock()
	return l.detachLocked(ctx, sessionID, taskID)
}

// AttachSession is the task-first mirror of AttachTask.
func (l *Links) AttachSession(ctx context.Context, taskID, sessionID string) error {
	return l.AttachTask(ctx, sessionID, taskID)
}

// DetachSession is the task-first mirror of DetachTask.
func (l *Links) DetachSession(ctx context.Context, taskID, sessionID string) error {
	return l.DetachTask(ctx, sessionID, taskID)
}

// detachLocked performs the two-sided unlink. The caller must hold the
// locks for both identifiers. Either record may already be gone (a
// delete-cascade detaches while its own entity is being removed); a
// missing side is simply skipped.
func (l *Links) detachLocked(ctx context.Context, sessionID, taskID string) error {
	sess, sessErr := l.st.GetSession(sessionID)
	t, taskErr := l.st.GetTask(taskID)
	if errs.IsNotFound(sessErr) && errs.IsNotFound(taskErr) {
		return nil
	}

	linked := false
	if taskErr == nil && t.HasSession(sessionID) {
		linked = true
	}
	if sessErr == nil && sess.HasTask(taskID) {
		linked = true
	}
	if !linked {
		if sessErr != nil && !errs.IsNotFound(sessErr) {
			return sessErr
		}
		if taskErr != nil && !errs.IsNotFound(taskErr) {
			return taskErr
		}
		return nil
	}

	if taskErr == nil {
		orig := t.Clone()
		t.RemoveSession(sessionID)
		if err := l.st.PutTask(t); err != nil {
			return err
		}
		if sessErr == nil {
			sess.RemoveTask(taskID)
			sess.LastActivity = now()
			if err := l.st.PutSession(sess); err != nil {
				if rbErr := l.st.PutTask(orig); rbErr != nil {
					return errs.Storage("link_rollback", rbErr,
						"detach %s from %s failed and could not roll back", taskID, sessionID)
				}
				return err
			}
		}
	} else if sessErr == nil {
		sess.RemoveTask(taskID)
		sess.LastActivity = now()
		if err := l.st.PutSession(sess); err != nil {
			return err
		}
	}

	if taskErr == nil {
		l.bus.Publish(ctx, events.TaskSessionRemoved, t.Clone())
	}
	if sessErr == nil {
		l.bus.Publish(ctx, events.SessionTaskRemoved, sess.Clone())
	}
	return nil
}

// detachAllSessions removes the task from every session referencing it.
// Used by the task delete cascade.
func (l *Links) detachAllSessions(ctx context.Context, taskID string, sessionIDs []string) error {
	for _, sessID := range sessionIDs {
		if err := l.DetachTask(ctx, sessID, taskID); err != nil {
			return err
		}
	}
	return nil
}

// detachAllTasks removes the session from every task referencing it.
// Used by the session delete cascade.
func (l *Links) detachAllTasks(ctx context.Context, sess *session.Session) error {
	for _, taskID := range append([]string(nil), sess.TaskIDs...) {
		if err := l.DetachTask(ctx, sess.ID, taskID); err != nil {
			return err
		}
	}
	return nil
}
