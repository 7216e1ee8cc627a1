package delivery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/reconcile"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/transport"
	"github.com/matheus3301/courier/internal/view"
	"go.uber.org/zap"
)

type fakeDispatcher struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeDispatcher) SendNow(_ context.Context, id int64) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
}

// waitForCall polls until the background send goroutine has fired.
func (f *fakeDispatcher) waitForCall(t *testing.T, want int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		for _, id := range f.ids {
			if id == want {
				f.mu.Unlock()
				return
			}
		}
		f.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("dispatcher never called with queue id %d", want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func openDB(t *testing.T, path string) *store.DB {
	t.Helper()
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	return db
}

func fixture(t *testing.T) (*store.DB, *view.View, *bus.Bus, *fakeDispatcher, *Service) {
	t.Helper()
	db := openDB(t, filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { _ = db.Close() })
	b := bus.New()
	v := view.New(b)
	d := &fakeDispatcher{}
	svc := New(db, v, d, b, "u1", "Alice", zap.NewNop())
	return db, v, b, d, svc
}

func TestEnqueueAndSendVisibleImmediately(t *testing.T) {
	db, v, _, d, svc := fixture(t)

	id, optimisticID, err := svc.EnqueueAndSend(context.Background(), Draft{
		ContextID: "ch-1", ContextType: "channel", Body: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := v.List("ch-1")
	if len(msgs) != 1 {
		t.Fatalf("got %d display messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.ID != optimisticID || !m.Optimistic || m.Status != status.Pending {
		t.Errorf("entry = %+v, want pending optimistic %s", m, optimisticID)
	}
	if m.ClientMsgID == "" {
		t.Error("client message id must be assigned")
	}
	if m.QueueID != id {
		t.Errorf("queue id = %d, want %d", m.QueueID, id)
	}

	entry, err := db.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.ClientMsgID != m.ClientMsgID {
		t.Errorf("queue entry = %+v, want durable row with key %s", entry, m.ClientMsgID)
	}

	d.waitForCall(t, id)
}

func TestEnqueueRejectsEmptyDraft(t *testing.T) {
	_, _, _, _, svc := fixture(t)
	if _, _, err := svc.EnqueueAndSend(context.Background(), Draft{ContextID: "ch-1"}); err == nil {
		t.Error("empty draft should be rejected")
	}
	if _, _, err := svc.EnqueueAndSend(context.Background(), Draft{Body: "hi"}); err == nil {
		t.Error("draft without a context should be rejected")
	}
}

// TestEnqueueFailureVisibleButReported: a broken store must not block
// composing; the message is visible, and the caller gets the error so
// it can surface the degraded state.
func TestEnqueueFailureVisibleButReported(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "test.db"))
	b := bus.New()
	v := view.New(b)
	d := &fakeDispatcher{}
	svc := New(db, v, d, b, "u1", "Alice", zap.NewNop())
	_ = db.Close()

	id, optimisticID, err := svc.EnqueueAndSend(context.Background(), Draft{
		ContextID: "ch-1", Body: "hello",
	})
	if err == nil {
		t.Fatal("enqueue failure must be reported to the caller")
	}
	if id != 0 {
		t.Errorf("queue id = %d, want 0 when the row was never written", id)
	}
	if optimisticID == "" {
		t.Error("optimistic id must still identify the visible entry")
	}

	msgs := v.List("ch-1")
	if len(msgs) != 1 || msgs[0].ID != optimisticID {
		t.Errorf("entries = %+v, want the optimistic message despite the broken store", msgs)
	}

	// Without a queue row there is nothing for the dispatcher to send.
	time.Sleep(50 * time.Millisecond)
	d.mu.Lock()
	calls := len(d.ids)
	d.mu.Unlock()
	if calls != 0 {
		t.Errorf("dispatcher called %d times, want 0", calls)
	}
}

// TestRestoreAfterRestart: queued messages survive a process restart
// and come back as visible pending entries.
func TestRestoreAfterRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db := openDB(t, path)
	b := bus.New()
	svc := New(db, view.New(b), &fakeDispatcher{}, b, "u1", "Alice", zap.NewNop())
	id, _, err := svc.EnqueueAndSend(context.Background(), Draft{ContextID: "ch-1", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// New process: fresh view over the same database file.
	db2 := openDB(t, path)
	t.Cleanup(func() { _ = db2.Close() })
	v2 := view.New(bus.New())
	svc2 := New(db2, v2, &fakeDispatcher{}, bus.New(), "u1", "Alice", zap.NewNop())
	if err := svc2.Restore(); err != nil {
		t.Fatal(err)
	}

	msgs := v2.List("ch-1")
	if len(msgs) != 1 {
		t.Fatalf("got %d restored messages, want 1", len(msgs))
	}
	if msgs[0].Status != status.Pending || msgs[0].QueueID != id || msgs[0].Body != "hello" {
		t.Errorf("restored entry = %+v", msgs[0])
	}
}

func TestRestoreRequeuesInterruptedSends(t *testing.T) {
	db, _, _, _, svc := fixture(t)
	id, _, err := svc.EnqueueAndSend(context.Background(), Draft{ContextID: "ch-1", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-attempt.
	if err := db.UpdateStatus(id, status.Sending, ""); err != nil {
		t.Fatal(err)
	}

	v2 := view.New(bus.New())
	svc2 := New(db, v2, &fakeDispatcher{}, bus.New(), "u1", "Alice", zap.NewNop())
	if err := svc2.Restore(); err != nil {
		t.Fatal(err)
	}

	entry, err := db.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != status.Failed {
		t.Errorf("status = %s, want failed (interrupted send requeued)", entry.Status)
	}
	msgs := v2.List("ch-1")
	if len(msgs) != 1 || msgs[0].Status != status.Failed {
		t.Errorf("restored view = %+v, want single failed entry", msgs)
	}
}

func TestManualRetryResetsBudget(t *testing.T) {
	db, v, _, d, svc := fixture(t)
	id, optimisticID, err := svc.EnqueueAndSend(context.Background(), Draft{ContextID: "ch-1", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.IncrementRetry(id, "down"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkPermanentlyFailed(id, "expired"); err != nil {
		t.Fatal(err)
	}
	v.UpdateStatus("ch-1", optimisticID, status.FailedPermanently)

	if err := svc.Retry(id); err != nil {
		t.Fatal(err)
	}

	entry, err := db.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != status.Pending || entry.RetryCount != 0 || entry.RetryAfter != 0 {
		t.Errorf("entry = %+v, want pending with zeroed retry bookkeeping", entry)
	}
	found := false
	for _, m := range v.List("ch-1") {
		if m.ID == optimisticID && m.Status == status.Pending {
			found = true
		}
	}
	if !found {
		t.Error("view entry should be back to pending")
	}
	d.waitForCall(t, id)
}

func TestManualRetryRequiresFailedState(t *testing.T) {
	db, _, _, _, svc := fixture(t)
	id, _, err := svc.EnqueueAndSend(context.Background(), Draft{ContextID: "ch-1", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateStatus(id, status.Sent, ""); err != nil {
		t.Fatal(err)
	}

	if err := svc.Retry(id); err == nil {
		t.Error("retrying a sent entry should fail")
	}
	if err := svc.Retry(999999); err == nil {
		t.Error("retrying an unknown entry should fail")
	}
}

func TestDiscardRemovesEverywhere(t *testing.T) {
	db, v, _, _, svc := fixture(t)
	id, _, err := svc.EnqueueAndSend(context.Background(), Draft{ContextID: "ch-1", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Discard(id); err != nil {
		t.Fatal(err)
	}
	if msgs := v.List("ch-1"); len(msgs) != 0 {
		t.Errorf("view = %+v, want empty after discard", msgs)
	}
	entry, err := db.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Error("queue entry should be gone after discard")
	}

	// Discarding again is a no-op.
	if err := svc.Discard(id); err != nil {
		t.Errorf("second discard errored: %v", err)
	}
}

// TestDiscardThenLateConfirmation: a confirmation arriving after the
// user discarded the message comes back as a fresh server message, not
// a resurrected queue entry.
func TestDiscardThenLateConfirmation(t *testing.T) {
	db, v, b, _, svc := fixture(t)
	id, _, err := svc.EnqueueAndSend(context.Background(), Draft{ContextID: "ch-1", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	entry, err := db.Get(id)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Discard(id); err != nil {
		t.Fatal(err)
	}

	r := reconcile.New(db, v, b, 30*time.Second, zap.NewNop())
	r.Resolve(&transport.ServerMessage{
		ID:          "srv-1",
		ClientMsgID: entry.ClientMsgID,
		ContextID:   "ch-1",
		SenderID:    "u1",
		Kind:        "text",
		Body:        "hello",
		Status:      "sent",
		Timestamp:   time.Now().UnixMilli(),
	})

	msgs := v.List("ch-1")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" || msgs[0].Optimistic {
		t.Errorf("entries = %+v, want the server copy inserted as new", msgs)
	}
}
