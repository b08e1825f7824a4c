// Package workqueue implements the blocking hand-off protocol between the
// coordinator and worker sessions: each session owns a FIFO queue of
// claimable task references, and an idle worker can wait for new work
// without busy-polling or losing items pushed mid-wait.
package workqueue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/forgecrew/foreman/errs"
	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/queue"
	"github.com/forgecrew/foreman/session"
	"github.com/forgecrew/foreman/store"
)

// TimelineRecorder surfaces queue-item transitions as session timeline
// entries. Implemented by the session service.
type TimelineRecorder interface {
	RecordQueueEvent(ctx context.Context, sessionID string, entry session.TimelineEntry)
}

// Engine is the sole writer of queue-item status transitions. All
// mutations of one session's queue are serialized on that session's
// state; claims on different sessions proceed independently.
type Engine struct {
	st     *store.Store
	rec    TimelineRecorder
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessState
	unsub    func()
}

// sessState carries one session's queue lock and wake channel. The wake
// channel is closed and replaced on every push: waiters capture the
// current generation under the lock, so a push between inspection and
// wait still wakes them.
type sessState struct {
	mu   sync.Mutex
	wake chan struct{}
}

// New creates an engine over the given store. The engine subscribes to
// session deletions on the bus so that waiters blocked on a deleted
// session's queue are released. A nil logger falls back to slog.Default.
func New(st *store.Store, rec TimelineRecorder, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		st:       st,
		rec:      rec,
		logger:   logger,
		sessions: make(map[string]*sessState),
	}
	if bus != nil {
		e.unsub = bus.Subscribe(events.SessionDeleted, func(_ context.Context, _ string, payload any) {
			if p, ok := payload.(events.DeletedPayload); ok {
				e.forget(p.ID)
			}
		})
	}
	return e
}

// Close detaches the engine from the bus and wakes every waiter.
func (e *Engine) Close() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, ss := range e.sessions {
		ss.mu.Lock()
		close(ss.wake)
		ss.wake = make(chan struct{})
		ss.mu.Unlock()
		delete(e.sessions, id)
	}
	e.mu.Unlock()
}

// state returns the wait state for a session, creating it on first use.
func (e *Engine) state(sessionID string) *sessState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ss, ok := e.sessions[sessionID]
	if !ok {
		ss = &sessState{wake: make(chan struct{})}
		e.sessions[sessionID] = ss
	}
	return ss
}

// forget drops a deleted session's wait state, waking any blocked
// claimant so it re-inspects the (now missing) queue and errors out.
func (e *Engine) forget(sessionID string) {
	e.mu.Lock()
	ss, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if ok {
		ss.mu.Lock()
		close(ss.wake)
		ss.wake = make(chan struct{})
		ss.mu.Unlock()
	}
}

// Push appends new queued items for the given tasks and wakes any caller
// blocked in ClaimNext for that session. Every task must exist; a push
// to a session in a terminal status is rejected.
func (e *Engine) Push(ctx context.Context, sessionID string, taskIDs []string) (*queue.Queue, error) {
	if len(taskIDs) == 0 {
		return nil, errs.Validation("empty_push", "push requires at least one task")
	}
	sess, err := e.st.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, errs.BusinessRule("session_terminal",
			"session %s is %s and accepts no new work", sessionID, sess.Status)
	}
	for _, id := range taskIDs {
		if _, err := e.st.GetTask(id); err != nil {
			return nil, err
		}
	}

	ss := e.state(sessionID)
	ss.mu.Lock()
	q, err := e.st.GetQueueBySession(sessionID)
	if err != nil {
		ss.mu.Unlock()
		return nil, err
	}
	nowTS := time.Now().UTC()
	for _, id := range taskIDs {
		q.Items = append(q.Items, queue.Item{
			TaskID:  id,
			Status:  queue.ItemQueued,
			AddedAt: nowTS,
		})
	}
	q.UpdatedAt = nowTS
	if err := e.st.PutQueue(q); err != nil {
		ss.mu.Unlock()
		return nil, err
	}
	close(ss.wake)
	ss.wake = make(chan struct{})
	ss.mu.Unlock()

	e.rec.RecordQueueEvent(ctx, sessionID, session.TimelineEntry{
		Type:      session.EventQueuePush,
		Timestamp: nowTS,
		Message:   pushMessage(len(taskIDs)),
	})
	return q, nil
}

// ClaimNext returns the first queued item, transitioned to processing,
// with the cursor advanced and StartedAt stamped. If nothing is
// claimable the caller is suspended until a push adds an item, the
// timeout elapses (claimed == false, no error), or ctx is cancelled.
// When two callers race for one item, exactly one claims it and the
// other keeps waiting.
func (e *Engine) ClaimNext(ctx context.Context, sessionID string, timeout time.Duration) (item *queue.Item, claimed bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		item, wake, err := e.tryClaim(ctx, sessionID)
		if err != nil {
			return nil, false, err
		}
		if item != nil {
			return item, true, nil
		}
		select {
		case <-wake:
			// New items (or a deleted session) — re-inspect.
		case <-timer.C:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// tryClaim claims the first queued item if one exists. When the queue is
// empty it returns the current wake generation for the caller to wait on;
// the channel is captured under the session lock so a concurrent push
// cannot slip between inspection and wait.
func (e *Engine) tryClaim(ctx context.Context, sessionID string) (*queue.Item, <-chan struct{}, error) {
	ss := e.state(sessionID)
	ss.mu.Lock()

	q, err := e.st.GetQueueBySession(sessionID)
	if err != nil {
		ss.mu.Unlock()
		return nil, nil, err
	}
	idx := q.NextQueued()
	if idx < 0 {
		wake := ss.wake
		ss.mu.Unlock()
		return nil, wake, nil
	}

	nowTS := time.Now().UTC()
	q.Items[idx].Status = queue.ItemProcessing
	q.Items[idx].StartedAt = &nowTS
	q.CurrentIndex = idx
	q.UpdatedAt = nowTS
	if err := e.st.PutQueue(q); err != nil {
		ss.mu.Unlock()
		return nil, nil, err
	}
	claimed := q.Items[idx]
	ss.mu.Unlock()

	e.rec.RecordQueueEvent(ctx, sessionID, session.TimelineEntry{
		Type:      session.EventTaskAssigned,
		Timestamp: nowTS,
		TaskID:    claimed.TaskID,
	})
	return &claimed, nil, nil
}

// Complete marks the currently claimed item completed.
func (e *Engine) Complete(ctx context.Context, sessionID string) (*queue.Item, error) {
	return e.finish(ctx, sessionID, queue.ItemCompleted, "")
}

// Fail marks the currently claimed item failed with a reason.
func (e *Engine) Fail(ctx context.Context, sessionID, reason string) (*queue.Item, error) {
	return e.finish(ctx, sessionID, queue.ItemFailed, reason)
}

// Skip marks the currently claimed item skipped.
func (e *Engine) Skip(ctx context.Context, sessionID string) (*queue.Item, error) {
	return e.finish(ctx, sessionID, queue.ItemSkipped, "")
}

// finish transitions the item at the cursor to a terminal status. Calling
// it with no claimed item is an error.
func (e *Engine) finish(ctx context.Context, sessionID string, to queue.ItemStatus, reason string) (*queue.Item, error) {
	ss := e.state(sessionID)
	ss.mu.Lock()

	q, err := e.st.GetQueueBySession(sessionID)
	if err != nil {
		ss.mu.Unlock()
		return nil, err
	}
	cur := q.Current()
	if cur == nil || cur.Status != queue.ItemProcessing {
		ss.mu.Unlock()
		return nil, errs.Validation("no_claimed_item",
			"session %s has no claimed item to %s", sessionID, to)
	}

	nowTS := time.Now().UTC()
	cur.Status = to
	cur.Reason = reason
	cur.CompletedAt = &nowTS
	q.UpdatedAt = nowTS
	if err := e.st.PutQueue(q); err != nil {
		ss.mu.Unlock()
		return nil, err
	}
	done := *cur
	ss.mu.Unlock()

	e.rec.RecordQueueEvent(ctx, sessionID, session.TimelineEntry{
		Type:      timelineType(to),
		Timestamp: nowTS,
		Message:   reason,
		TaskID:    done.TaskID,
	})
	return &done, nil
}

// Queue returns a copy of the session's queue.
func (e *Engine) Queue(sessionID string) (*queue.Queue, error) {
	return e.st.GetQueueBySession(sessionID)
}

func timelineType(s queue.ItemStatus) session.EventType {
	switch s {
	case queue.ItemFailed:
		return session.EventTaskFailed
	case queue.ItemSkipped:
		return session.EventTaskSkipped
	default:
		return session.EventTaskCompleted
	}
}

func pushMessage(n int) string {
	if n == 1 {
		return "1 task queued"
	}
	return strconv.Itoa(n) + " tasks queued"
}
