package service

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgecrew/foreman/errs"
	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/session"
	"github.com/forgecrew/foreman/store"
	"github.com/forgecrew/foreman/task"
)

type fixture struct {
	svcs   *Services
	bus    *events.Bus
	store  *store.Store
	projID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-svc-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(nil)
	svcs := New(st, bus, nil)

	proj, err := svcs.Projects.Create(context.Background(), CreateProjectParams{Name: "demo", WorkDir: "/tmp/demo"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return &fixture{svcs: svcs, bus: bus, store: st, projID: proj.ID}
}

func (f *fixture) task(t *testing.T, title string) *task.Task {
	t.Helper()
	tk, err := f.svcs.Tasks.Create(context.Background(), CreateTaskParams{ProjectID: f.projID, Title: title})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk
}

func (f *fixture) session(t *testing.T, name string) *session.Session {
	t.Helper()
	sess, err := f.svcs.Sessions.Create(context.Background(), CreateSessionParams{ProjectID: f.projID, Name: name})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

// checkInvariant asserts the bidirectional consistency of every
// task/session pair in the store.
func (f *fixture) checkInvariant(t *testing.T) {
	t.Helper()
	tasks := f.store.ListTasks(task.Filter{})
	sessions := f.store.ListSessions(session.Filter{})

	sessByID := map[string]*session.Session{}
	for _, s := range sessions {
		sessByID[s.ID] = s
	}
	taskByID := map[string]*task.Task{}
	for _, tk := range tasks {
		taskByID[tk.ID] = tk
	}

	for _, tk := range tasks {
		for _, sid := range tk.SessionIDs {
			s, ok := sessByID[sid]
			if !ok || !s.HasTask(tk.ID) {
				t.Errorf("task %s references session %s but the reverse link is missing", tk.ID, sid)
			}
		}
	}
	for _, s := range sessions {
		for _, tid := range s.TaskIDs {
			tk, ok := taskByID[tid]
			if !ok || !tk.HasSession(s.ID) {
				t.Errorf("session %s references task %s but the reverse link is missing", s.ID, tid)
			}
		}
	}
}

func TestTaskCreateDefaults(t *testing.T) {
	f := newFixture(t)
	tk := f.task(t, "build")
	if tk.Status != task.StatusTodo {
		t.Errorf("Status = %s, want todo", tk.Status)
	}
	if tk.ID == "" || tk.CreatedAt.IsZero() {
		t.Errorf("missing identity/timestamps: %+v", tk)
	}
}

func TestTaskCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svcs.Tasks.Create(ctx, CreateTaskParams{ProjectID: f.projID, Title: "  "}); !errs.IsValidation(err) {
		t.Errorf("empty title: err = %v, want validation", err)
	}
	if _, err := f.svcs.Tasks.Create(ctx, CreateTaskParams{ProjectID: "proj_missing", Title: "x"}); !errs.IsNotFound(err) {
		t.Errorf("missing project: err = %v, want not-found", err)
	}
	if _, err := f.svcs.Tasks.Create(ctx, CreateTaskParams{ProjectID: f.projID, Title: "x", ParentID: "task_missing"}); !errs.IsNotFound(err) {
		t.Errorf("missing parent: err = %v, want not-found", err)
	}
}

func TestTaskStatusMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "build")

	// Illegal transition leaves the record unchanged.
	if _, err := f.svcs.Tasks.UpdateStatus(ctx, tk.ID, task.StatusCompleted); !errs.IsValidation(err) {
		t.Fatalf("todo->completed: err = %v, want validation", err)
	}
	got, _ := f.svcs.Tasks.Get(tk.ID)
	if got.Status != task.StatusTodo || got.CompletedAt != nil {
		t.Errorf("record changed by rejected transition: %+v", got)
	}

	got, err := f.svcs.Tasks.UpdateStatus(ctx, tk.ID, task.StatusInProgress)
	if err != nil {
		t.Fatalf("todo->in_progress: %v", err)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not stamped on first in_progress")
	}
	firstStart := *got.StartedAt

	// Round trip through blocked must not re-stamp StartedAt.
	if _, err := f.svcs.Tasks.UpdateStatus(ctx, tk.ID, task.StatusBlocked); err != nil {
		t.Fatal(err)
	}
	got, err = f.svcs.Tasks.UpdateStatus(ctx, tk.ID, task.StatusInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if !got.StartedAt.Equal(firstStart) {
		t.Error("StartedAt re-stamped on second in_progress")
	}

	got, err = f.svcs.Tasks.UpdateStatus(ctx, tk.ID, task.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped on terminal status")
	}
	if _, err := f.svcs.Tasks.UpdateStatus(ctx, tk.ID, task.StatusInProgress); !errs.IsValidation(err) {
		t.Errorf("transition out of completed: err = %v, want validation", err)
	}
}

func TestTaskUpdatePublishesFullRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "build")

	var published atomic.Pointer[task.Task]
	f.bus.Subscribe(events.TaskUpdated, func(_ context.Context, _ string, payload any) {
		if rec, ok := payload.(*task.Task); ok {
			published.Store(rec)
		}
	})

	if _, err := f.svcs.Tasks.UpdateStatus(ctx, tk.ID, task.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	rec := published.Load()
	if rec == nil {
		t.Fatal("no task:updated event published")
	}
	if rec.ID != tk.ID || rec.Status != task.StatusInProgress {
		t.Errorf("published record = %+v", rec)
	}
}

func TestPerSessionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "shared")
	s1 := f.session(t, "worker-1")
	s2 := f.session(t, "worker-2")

	if _, err := f.svcs.Tasks.SetSessionStatus(ctx, tk.ID, s1.ID, task.StatusInProgress); !errs.IsValidation(err) {
		t.Errorf("unattached session: err = %v, want validation", err)
	}

	if err := f.svcs.Links.AttachTask(ctx, s1.ID, tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svcs.Links.AttachTask(ctx, s2.ID, tk.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svcs.Tasks.SetSessionStatus(ctx, tk.ID, s1.ID, task.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	got, err := f.svcs.Tasks.SetSessionStatus(ctx, tk.ID, s2.ID, task.StatusInReview)
	if err != nil {
		t.Fatal(err)
	}

	if got.SessionStatus[s1.ID] != task.StatusInProgress || got.SessionStatus[s2.ID] != task.StatusInReview {
		t.Errorf("SessionStatus = %v, sessions clobbered each other", got.SessionStatus)
	}
	// The overall status is not auto-aggregated from per-session views.
	if got.Status != task.StatusTodo {
		t.Errorf("overall Status = %s, want todo", got.Status)
	}
}

func TestAttachDetach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "build")
	sess := f.session(t, "worker")

	if err := f.svcs.Links.AttachTask(ctx, sess.ID, tk.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	f.checkInvariant(t)

	// Re-attach is a no-op, not an error.
	if err := f.svcs.Links.AttachTask(ctx, sess.ID, tk.ID); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	gotTask, _ := f.svcs.Tasks.Get(tk.ID)
	if len(gotTask.SessionIDs) != 1 {
		t.Errorf("SessionIDs = %v after re-attach, want one entry", gotTask.SessionIDs)
	}

	if err := f.svcs.Links.DetachTask(ctx, sess.ID, tk.ID); err != nil {
		t.Fatalf("detach: %v", err)
	}
	f.checkInvariant(t)

	// Detach of an unattached pair is a no-op.
	if err := f.svcs.Links.DetachTask(ctx, sess.ID, tk.ID); err != nil {
		t.Fatalf("detach again: %v", err)
	}

	gotTask, _ = f.svcs.Tasks.Get(tk.ID)
	gotSess, _ := f.svcs.Sessions.Get(sess.ID)
	if len(gotTask.SessionIDs) != 0 || len(gotSess.TaskIDs) != 0 {
		t.Errorf("links remain after detach: %v %v", gotTask.SessionIDs, gotSess.TaskIDs)
	}
}

func TestAttachTerminalSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "build")
	sess := f.session(t, "worker")

	if _, err := f.svcs.Sessions.UpdateStatus(ctx, sess.ID, session.StatusStopped); err != nil {
		t.Fatal(err)
	}
	err := f.svcs.Links.AttachTask(ctx, sess.ID, tk.ID)
	if errs.KindOf(err) != errs.KindBusinessRule {
		t.Errorf("attach to stopped session: err = %v, want business-rule", err)
	}
}

func TestDeleteSessionCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := f.task(t, "x")
	y := f.task(t, "y")
	sess := f.session(t, "worker")

	for _, tk := range []*task.Task{x, y} {
		if err := f.svcs.Links.AttachTask(ctx, sess.ID, tk.ID); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.svcs.Sessions.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	for _, id := range []string{x.ID, y.ID} {
		got, err := f.svcs.Tasks.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if got.HasSession(sess.ID) {
			t.Errorf("task %s still references deleted session", id)
		}
	}
	if _, err := f.svcs.Sessions.Get(sess.ID); !errs.IsNotFound(err) {
		t.Errorf("session still present: %v", err)
	}
	if _, err := f.store.GetQueueBySession(sess.ID); !errs.IsNotFound(err) {
		t.Error("session queue not deleted with the session")
	}
	f.checkInvariant(t)
}

func TestDeleteTaskCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "build")
	s1 := f.session(t, "worker-1")
	s2 := f.session(t, "worker-2")

	for _, s := range []*session.Session{s1, s2} {
		if err := f.svcs.Links.AttachTask(ctx, s.ID, tk.ID); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.svcs.Tasks.Delete(ctx, tk.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	for _, s := range []*session.Session{s1, s2} {
		got, err := f.svcs.Sessions.Get(s.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.HasTask(tk.ID) {
			t.Errorf("session %s still references deleted task", s.ID)
		}
	}
	f.checkInvariant(t)
}

func TestSessionTerminalIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, "worker")

	first, err := f.svcs.Sessions.UpdateStatus(ctx, sess.ID, session.StatusCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if first.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped")
	}

	time.Sleep(5 * time.Millisecond)
	second, err := f.svcs.Sessions.UpdateStatus(ctx, sess.ID, session.StatusCompleted)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Error("CompletedAt re-stamped by duplicate terminal update")
	}
	if second.Status != session.StatusCompleted {
		t.Errorf("Status = %s", second.Status)
	}

	// A different terminal signal is also accepted idempotently.
	third, err := f.svcs.Sessions.UpdateStatus(ctx, sess.ID, session.StatusStopped)
	if err != nil {
		t.Fatalf("stop after complete: %v", err)
	}
	if third.Status != session.StatusCompleted {
		t.Errorf("Status = %s, terminal status must not change", third.Status)
	}

	// Leaving a terminal status is rejected.
	if _, err := f.svcs.Sessions.UpdateStatus(ctx, sess.ID, session.StatusIdle); !errs.IsValidation(err) {
		t.Errorf("terminal->idle: err = %v, want validation", err)
	}
}

func TestTimelineClosedEnum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, "worker")

	_, err := f.svcs.Sessions.AppendTimeline(ctx, sess.ID, session.TimelineEntry{Type: "made_up"})
	if !errs.IsValidation(err) {
		t.Errorf("unknown event type: err = %v, want validation", err)
	}

	got, err := f.svcs.Sessions.AppendTimeline(ctx, sess.ID, session.TimelineEntry{
		Type:    session.EventMessage,
		Message: "hello",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	last := got.Timeline[len(got.Timeline)-1]
	if last.Message != "hello" || last.Timestamp.IsZero() {
		t.Errorf("appended entry = %+v", last)
	}
}

func TestNeedsInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, "worker")

	got, err := f.svcs.Sessions.SetNeedsInput(ctx, sess.ID, "which branch?")
	if err != nil {
		t.Fatal(err)
	}
	if !got.NeedsInput || got.NeedsInputMessage != "which branch?" {
		t.Errorf("after set: %+v", got)
	}

	got, err = f.svcs.Sessions.ClearNeedsInput(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NeedsInput || got.NeedsInputMessage != "" {
		t.Errorf("after clear: %+v", got)
	}
}

func TestProjectCascadeGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "build")

	err := f.svcs.Projects.Delete(ctx, f.projID)
	if errs.KindOf(err) != errs.KindBusinessRule {
		t.Fatalf("delete owning project: err = %v, want business-rule", err)
	}

	if err := f.svcs.Tasks.Delete(ctx, tk.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svcs.Projects.Delete(ctx, f.projID); err != nil {
		t.Fatalf("delete empty project: %v", err)
	}
}

func TestSessionCreateStartsSpawning(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "worker")
	if sess.Status != session.StatusSpawning {
		t.Errorf("Status = %s, want spawning", sess.Status)
	}
	if _, err := f.store.GetQueueBySession(sess.ID); err != nil {
		t.Errorf("session queue not created: %v", err)
	}
}
