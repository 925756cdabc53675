package watch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
	"github.com/neilberkman/ccgate/internal/core/store"
	"github.com/neilberkman/ccgate/internal/core/transport"
	"github.com/neilberkman/ccgate/internal/testutil/fakedaemon"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type memRecorder struct {
	mu      sync.Mutex
	changes []models.StatusChange
}

func (r *memRecorder) RecordStatusChange(ctx context.Context, c models.StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *memRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func startWatcher(t *testing.T, d *fakedaemon.Daemon, opts ...Option) (*Watcher, *store.Store) {
	t.Helper()
	st := store.New()
	connector := transport.NewConnector(
		transport.WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		transport.WithMaxElapsed(200*time.Millisecond),
	)
	w := New(st, connector, d.Path(), append([]Option{WithCallTimeout(time.Second)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		// Drain so Run can exit
		for range w.Updates() {
		}
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	})
	return w, st
}

// next waits for the first update matching keep
func next(t *testing.T, w *Watcher, keep func(Update) bool) Update {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-w.Updates():
			if !ok {
				t.Fatal("updates closed")
			}
			if keep(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for update")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func withNewPending(u Update) bool { return len(u.NewPending) > 0 }

func TestWatcher_ReportsNewPendingOnce(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddSession(models.Session{ID: "s1", Status: models.SessionWaitingInput, CreatedAt: t0})
	d.AddApproval(models.Approval{ID: "a1", SessionID: "s1", ToolName: "Bash", Status: models.ApprovalPending, CreatedAt: t0})

	w, st := startWatcher(t, d, WithInterval(20*time.Millisecond))

	u := next(t, w, withNewPending)
	if len(u.NewPending) != 1 || u.NewPending[0].ID != "a1" {
		t.Fatalf("NewPending = %+v, want [a1]", u.NewPending)
	}
	if len(st.PendingApprovals()) != 1 {
		t.Error("store not refreshed")
	}

	d.AddApproval(models.Approval{ID: "a2", SessionID: "s1", ToolName: "Edit", Status: models.ApprovalPending, CreatedAt: t0.Add(time.Minute)})

	u = next(t, w, withNewPending)
	if len(u.NewPending) != 1 || u.NewPending[0].ID != "a2" {
		t.Errorf("NewPending = %+v, want only a2", u.NewPending)
	}
	if w.Stats().Refreshes < 2 {
		t.Errorf("Refreshes = %d", w.Stats().Refreshes)
	}
}

func TestWatcher_RecordsStatusChanges(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddSession(models.Session{ID: "s1", Status: models.SessionRunning, CreatedAt: t0})
	rec := &memRecorder{}

	w, st := startWatcher(t, d, WithInterval(time.Hour), WithRecorder(rec))
	waitFor(t, func() bool { return d.Subscribers() == 1 })

	d.PublishStatusChange("s1", models.SessionRunning, models.SessionWaitingInput, t0.Add(time.Minute))

	u := next(t, w, func(u Update) bool { return u.StatusChange != nil })
	if u.StatusChange.To != models.SessionWaitingInput {
		t.Errorf("StatusChange = %+v", u.StatusChange)
	}
	if got := st.Events().StatusChanges("s1"); len(got) != 1 {
		t.Errorf("event log = %+v", got)
	}
	if w.Store() != st {
		t.Error("Store() is not the store being refreshed")
	}
	if rec.len() != 1 {
		t.Errorf("recorder saw %d changes, want 1", rec.len())
	}
}

func TestWatcher_ApprovalEventTriggersRefresh(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddSession(models.Session{ID: "s1", Status: models.SessionWaitingInput, CreatedAt: t0})

	w, _ := startWatcher(t, d, WithInterval(time.Hour))
	next(t, w, func(u Update) bool { return u.Snapshot != nil })
	waitFor(t, func() bool { return d.Subscribers() == 1 })

	d.AddApproval(models.Approval{ID: "a1", SessionID: "s1", ToolName: "Bash", Status: models.ApprovalPending, CreatedAt: t0})
	d.Publish(rpc.EventNewApproval, t0, map[string]any{"approval_id": "a1", "session_id": "s1"})

	u := next(t, w, withNewPending)
	if u.NewPending[0].ID != "a1" {
		t.Errorf("NewPending = %+v", u.NewPending)
	}
}

func TestWatcher_RefreshErrorIsNotFatal(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddSession(models.Session{ID: "s1", Status: models.SessionRunning, CreatedAt: t0})

	var mu sync.Mutex
	fail := true
	d.Handle(rpc.MethodListSessions, func(json.RawMessage) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return nil, errors.New("database is locked")
		}
		return map[string]any{"sessions": []models.Session{{ID: "s1", Status: models.SessionRunning, CreatedAt: t0}}}, nil
	})

	w, _ := startWatcher(t, d, WithInterval(20*time.Millisecond))

	u := next(t, w, func(u Update) bool { return u.Err != nil || u.Snapshot != nil })
	if u.Err == nil {
		t.Fatal("expected the first refresh to fail")
	}
	u = next(t, w, func(u Update) bool { return u.Snapshot != nil })
	if len(u.Snapshot.Sessions) != 1 {
		t.Errorf("recovered snapshot = %+v", u.Snapshot)
	}
	if w.Stats().Errors < 1 {
		t.Error("error not counted")
	}
}
