package workqueue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/forgecrew/foreman/errs"
	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/queue"
	"github.com/forgecrew/foreman/service"
	"github.com/forgecrew/foreman/session"
	"github.com/forgecrew/foreman/store"
)

type fixture struct {
	engine *Engine
	svcs   *service.Services
	store  *store.Store
	sessID string
	projID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-queue-*.db")
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
	svcs := service.New(st, bus, nil)
	engine := New(st, svcs.Sessions, bus, nil)
	t.Cleanup(engine.Close)

	ctx := context.Background()
	proj, err := svcs.Projects.Create(ctx, service.CreateProjectParams{Name: "demo"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	sess, err := svcs.Sessions.Create(ctx, service.CreateSessionParams{ProjectID: proj.ID, Name: "worker"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return &fixture{engine: engine, svcs: svcs, store: st, sessID: sess.ID, projID: proj.ID}
}

func (f *fixture) newTask(t *testing.T, title string) string {
	t.Helper()
	tk, err := f.svcs.Tasks.Create(context.Background(), service.CreateTaskParams{
		ProjectID: f.projID,
		Title:     title,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return tk.ID
}

func TestPushClaimOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.newTask(t, "a")
	b := f.newTask(t, "b")
	c := f.newTask(t, "c")

	if _, err := f.engine.Push(ctx, f.sessID, []string{a, b}); err != nil {
		t.Fatalf("push [a b]: %v", err)
	}
	if _, err := f.engine.Push(ctx, f.sessID, []string{c}); err != nil {
		t.Fatalf("push [c]: %v", err)
	}

	want := []string{a, b, c}
	for i, wantID := range want {
		item, claimed, err := f.engine.ClaimNext(ctx, f.sessID, time.Second)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if !claimed {
			t.Fatalf("claim %d: no work", i)
		}
		if item.TaskID != wantID {
			t.Errorf("claim %d = %s, want %s", i, item.TaskID, wantID)
		}
		if item.Status != queue.ItemProcessing {
			t.Errorf("claim %d status = %s, want processing", i, item.Status)
		}
		if item.StartedAt == nil {
			t.Errorf("claim %d StartedAt not stamped", i)
		}
		if _, err := f.engine.Complete(ctx, f.sessID); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
}

func TestClaimTimeout(t *testing.T) {
	f := newFixture(t)

	const timeout = 100 * time.Millisecond
	start := time.Now()
	item, claimed, err := f.engine.ClaimNext(context.Background(), f.sessID, timeout)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed || item != nil {
		t.Fatalf("claimed = %v item = %v, want no-work result", claimed, item)
	}
	if elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("returned after %v, overshoot too large", elapsed)
	}
}

func TestBlockingWakeup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.newTask(t, "late")

	type result struct {
		item    *queue.Item
		claimed bool
		err     error
		elapsed time.Duration
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		item, claimed, err := f.engine.ClaimNext(ctx, f.sessID, 5*time.Second)
		ch <- result{item, claimed, err, time.Since(start)}
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := f.engine.Push(ctx, f.sessID, []string{id}); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("ClaimNext: %v", r.err)
		}
		if !r.claimed || r.item.TaskID != id {
			t.Fatalf("claimed = %v item = %+v", r.claimed, r.item)
		}
		if r.elapsed > time.Second {
			t.Errorf("claim took %v, should return well before the timeout", r.elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("claim did not wake up after push")
	}
}

func TestClaimExclusivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.newTask(t, "only")

	if _, err := f.engine.Push(ctx, f.sessID, []string{id}); err != nil {
		t.Fatalf("push: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := f.engine.ClaimNext(ctx, f.sessID, 200*time.Millisecond)
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
			}
			results <- claimed
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for claimed := range results {
		if claimed {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("claims succeeded = %d, want exactly 1", wins)
	}
}

func TestClaimCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, err := f.engine.ClaimNext(ctx, f.sessID, 10*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation did not release the waiter")
	}

	// Nothing was claimed on the way out.
	q, err := f.engine.Queue(f.sessID)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if q.CurrentIndex != -1 {
		t.Errorf("CurrentIndex = %d after cancelled wait, want -1", q.CurrentIndex)
	}
}

func TestFinishTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := []string{f.newTask(t, "a"), f.newTask(t, "b"), f.newTask(t, "c")}
	if _, err := f.engine.Push(ctx, f.sessID, ids); err != nil {
		t.Fatalf("push: %v", err)
	}

	if _, _, err := f.engine.ClaimNext(ctx, f.sessID, time.Second); err != nil {
		t.Fatal(err)
	}
	done, err := f.engine.Complete(ctx, f.sessID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != queue.ItemCompleted || done.CompletedAt == nil {
		t.Errorf("completed item = %+v", done)
	}

	if _, _, err := f.engine.ClaimNext(ctx, f.sessID, time.Second); err != nil {
		t.Fatal(err)
	}
	failed, err := f.engine.Fail(ctx, f.sessID, "tests broke")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != queue.ItemFailed || failed.Reason != "tests broke" {
		t.Errorf("failed item = %+v", failed)
	}

	if _, _, err := f.engine.ClaimNext(ctx, f.sessID, time.Second); err != nil {
		t.Fatal(err)
	}
	skipped, err := f.engine.Skip(ctx, f.sessID)
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if skipped.Status != queue.ItemSkipped {
		t.Errorf("skipped item = %+v", skipped)
	}

	// Queue transitions were surfaced on the session timeline.
	sess, err := f.svcs.Sessions.Get(f.sessID)
	if err != nil {
		t.Fatal(err)
	}
	counts := map[session.EventType]int{}
	for _, e := range sess.Timeline {
		counts[e.Type]++
	}
	if counts[session.EventQueuePush] != 1 {
		t.Errorf("queue_push entries = %d, want 1", counts[session.EventQueuePush])
	}
	if counts[session.EventTaskAssigned] != 3 {
		t.Errorf("task_assigned entries = %d, want 3", counts[session.EventTaskAssigned])
	}
	if counts[session.EventTaskCompleted] != 1 || counts[session.EventTaskFailed] != 1 || counts[session.EventTaskSkipped] != 1 {
		t.Errorf("terminal entries = %v", counts)
	}
}

func TestFinishWithoutClaim(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Complete(context.Background(), f.sessID)
	if !errs.IsValidation(err) {
		t.Errorf("Complete with no claim: err = %v, want validation error", err)
	}
}

func TestPushUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Push(context.Background(), f.sessID, []string{"task_missing"})
	if !errs.IsNotFound(err) {
		t.Errorf("err = %v, want not-found", err)
	}
}

func TestPushTerminalSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.newTask(t, "a")

	if _, err := f.svcs.Sessions.UpdateStatus(ctx, f.sessID, session.StatusIdle); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svcs.Sessions.UpdateStatus(ctx, f.sessID, session.StatusStopped); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.Push(ctx, f.sessID, []string{id})
	if errs.KindOf(err) != errs.KindBusinessRule {
		t.Errorf("err = %v, want business-rule error", err)
	}
}

func TestQueuePersistedAcrossRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.newTask(t, "durable")

	if _, err := f.engine.Push(ctx, f.sessID, []string{id}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.engine.ClaimNext(ctx, f.sessID, time.Second); err != nil {
		t.Fatal(err)
	}

	q, err := f.store.GetQueueBySession(f.sessID)
	if err != nil {
		t.Fatal(err)
	}
	if q.CurrentIndex != 0 || q.Items[0].Status != queue.ItemProcessing {
		t.Errorf("persisted queue = %+v", q)
	}
}
