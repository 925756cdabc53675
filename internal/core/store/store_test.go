package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
	"github.com/neilberkman/ccgate/internal/core/transport"
	"github.com/neilberkman/ccgate/internal/testutil/fakedaemon"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	sessions  []models.Session
	approvals map[string][]models.Approval
	failOn    string // session id whose fetch fails
	listErr   error
	fetches   int
}

func (f *fakeSource) ListSessions(ctx context.Context) (*rpc.ListSessionsResponse, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &rpc.ListSessionsResponse{Sessions: f.sessions}, nil
}

func (f *fakeSource) FetchApprovals(ctx context.Context, sessionID string) ([]models.Approval, error) {
	f.fetches++
	if sessionID == f.failOn {
		return nil, rpc.ErrTimeout
	}
	return f.approvals[sessionID], nil
}

type recordingPersister struct {
	saved []*Snapshot
	err   error
}

func (p *recordingPersister) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	p.saved = append(p.saved, snap)
	return p.err
}

func session(id string, status models.SessionStatus, active time.Time) models.Session {
	return models.Session{ID: id, Status: status, CreatedAt: t0, LastActivityAt: active}
}

func approval(id, sessionID string, status models.ApprovalStatus, created time.Time) models.Approval {
	return models.Approval{ID: id, SessionID: sessionID, ToolName: "Bash", Status: status, CreatedAt: created}
}

func testSource() *fakeSource {
	return &fakeSource{
		sessions: []models.Session{
			session("s1", models.SessionRunning, t0.Add(1*time.Minute)),
			session("s2", models.SessionWaitingInput, t0.Add(3*time.Minute)),
			session("s3", models.SessionCompleted, t0.Add(2*time.Minute)),
		},
		approvals: map[string][]models.Approval{
			"s1": {approval("a1", "s1", models.ApprovalApproved, t0.Add(30*time.Second))},
			"s2": {
				approval("a2", "s2", models.ApprovalPending, t0.Add(2*time.Minute)),
				approval("a3", "s2", models.ApprovalPending, t0.Add(150*time.Second)),
			},
			// s3 returns null
		},
	}
}

func TestRefresh(t *testing.T) {
	src := testSource()
	s := New(WithClock(func() time.Time { return t0.Add(time.Hour) }))

	snap, err := s.Refresh(context.Background(), src)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(snap.Sessions) != 3 {
		t.Errorf("got %d sessions, want 3", len(snap.Sessions))
	}
	if src.fetches != 3 {
		t.Errorf("fetchApprovals called %d times, want one per session", src.fetches)
	}
	if len(snap.ApprovalsFor("s3")) != 0 {
		t.Errorf("null approvals should be empty, got %v", snap.ApprovalsFor("s3"))
	}
	if !snap.FetchedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("FetchedAt = %v", snap.FetchedAt)
	}
	if s.Snapshot() != snap {
		t.Error("refreshed snapshot was not published")
	}
}

func TestRefresh_FailureKeepsPriorSnapshot(t *testing.T) {
	src := testSource()
	s := New()

	first, err := s.Refresh(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	src.sessions = append(src.sessions, session("s4", models.SessionRunning, t0))
	src.failOn = "s2"
	if _, err := s.Refresh(context.Background(), src); !errors.Is(err, rpc.ErrTimeout) {
		t.Fatalf("Refresh() error = %v, want ErrTimeout", err)
	}
	if s.Snapshot() != first {
		t.Error("failed refresh replaced the snapshot")
	}

	src.failOn = ""
	src.listErr = errors.New("boom")
	if _, err := s.Refresh(context.Background(), src); err == nil {
		t.Fatal("expected list error")
	}
	if got := len(s.Snapshot().Sessions); got != 3 {
		t.Errorf("snapshot has %d sessions after failure, want 3", got)
	}
}

func TestSnapshotBeforeRefresh(t *testing.T) {
	s := New()
	snap := s.Snapshot()
	if snap == nil || len(snap.Sessions) != 0 || !snap.FetchedAt.IsZero() {
		t.Errorf("empty store snapshot = %+v", snap)
	}
	if len(s.PendingApprovals()) != 0 {
		t.Error("empty store has pending approvals")
	}
}

func TestSessionsFilter(t *testing.T) {
	s := New()
	if _, err := s.Refresh(context.Background(), testSource()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter SessionFilter
		want   []string
	}{
		{"all newest first", SessionFilter{}, []string{"s2", "s3", "s1"}},
		{"by status", SessionFilter{Status: models.SessionWaitingInput}, []string{"s2"}},
		{"since", SessionFilter{Since: t0.Add(2 * time.Minute)}, []string{"s2", "s3"}},
		{"limit", SessionFilter{Limit: 1}, []string{"s2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Sessions(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d sessions, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("sessions[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestApprovalsFilter(t *testing.T) {
	s := New()
	if _, err := s.Refresh(context.Background(), testSource()); err != nil {
		t.Fatal(err)
	}

	all := s.Approvals(ApprovalFilter{})
	if len(all) != 3 || all[0].ID != "a3" || all[2].ID != "a1" {
		t.Errorf("all approvals = %v", ids(all))
	}

	pending := s.PendingApprovals()
	if len(pending) != 2 || pending[0].ID != "a3" || pending[1].ID != "a2" {
		t.Errorf("pending = %v, want [a3 a2]", ids(pending))
	}

	bySession := s.Approvals(ApprovalFilter{SessionID: "s1"})
	if len(bySession) != 1 || bySession[0].ID != "a1" {
		t.Errorf("s1 approvals = %v", ids(bySession))
	}

	if got := s.Approvals(ApprovalFilter{Limit: 2}); len(got) != 2 {
		t.Errorf("limited approvals = %v", ids(got))
	}
}

func TestRefresh_Persists(t *testing.T) {
	p := &recordingPersister{}
	s := New(WithPersister(p))

	snap, err := s.Refresh(context.Background(), testSource())
	if err != nil {
		t.Fatal(err)
	}
	if len(p.saved) != 1 || p.saved[0] != snap {
		t.Fatalf("persister saw %d snapshots", len(p.saved))
	}

	p.err = errors.New("disk full")
	if _, err := s.Refresh(context.Background(), testSource()); err != nil {
		t.Errorf("persist failure should not fail refresh: %v", err)
	}
}

func TestLoad(t *testing.T) {
	s := New()
	s.Load(&Snapshot{Sessions: []models.Session{session("cached", models.SessionRunning, t0)}, FetchedAt: t0})

	if _, ok := s.Session("cached"); !ok {
		t.Error("loaded session not visible")
	}
	if s.Snapshot().Approvals == nil {
		t.Error("loaded snapshot should have a non-nil approvals map")
	}

	s.Load(nil)
	if _, ok := s.Session("cached"); !ok {
		t.Error("Load(nil) should keep the current snapshot")
	}
}

func TestRefresh_OverDaemon(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddSession(session("s1", models.SessionWaitingInput, t0), session("s2", models.SessionRunning, t0))
	d.AddApproval(approval("a1", "s1", models.ApprovalPending, t0))

	client, err := rpc.Dial(context.Background(), transport.NewConnector(), d.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	s := New()
	if _, err := s.Refresh(context.Background(), client); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	pending := s.PendingApprovals()
	if len(pending) != 1 || pending[0].ID != "a1" {
		t.Errorf("pending = %v", ids(pending))
	}
	if n := len(d.Calls(rpc.MethodFetchApprovals)); n != 2 {
		t.Errorf("fetchApprovals calls = %d, want 2", n)
	}
}

func ids(approvals []models.Approval) []string {
	out := make([]string, len(approvals))
	for i, a := range approvals {
		out[i] = a.ID
	}
	return out
}
