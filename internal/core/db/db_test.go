package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/store"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestNew(t *testing.T) {
	database := openTestDB(t)

	var version int
	if err := database.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("Failed to query schema version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("user_version = %d, want %d", version, SchemaVersion)
	}

	for _, table := range []string{"sessions", "approvals", "snapshot_meta", "status_changes"} {
		var name string
		err := database.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestNew_WALMode(t *testing.T) {
	database := openTestDB(t)

	var journalMode string
	if err := database.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected WAL mode, got %s", journalMode)
	}
}

func TestNew_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")

	first, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = first.Close()

	second, err := New(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	_ = second.Close()
}

func TestNew_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	database, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := database.conn.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatal(err)
	}
	_ = database.Close()

	if _, err := New(path); err == nil {
		t.Fatal("expected error opening a cache from a newer version")
	}
}

func testSnapshot() *store.Snapshot {
	responded := t0.Add(90 * time.Second)
	completed := t0.Add(10 * time.Minute)
	cost := 0.42
	tokens := int64(1234)

	return &store.Snapshot{
		Sessions: []models.Session{
			{
				ID: "s1", RunID: "r1", Status: models.SessionCompleted, Query: "fix tests",
				Model: "sonnet", WorkingDir: "/src/app",
				CreatedAt: t0, LastActivityAt: completed, CompletedAt: &completed,
				CostUSD: &cost, TotalTokens: &tokens,
			},
			{
				ID: "s2", RunID: "r2", Status: models.SessionWaitingInput, Query: "deploy",
				CreatedAt: t0.Add(time.Minute), LastActivityAt: t0.Add(20 * time.Minute),
				AutoAcceptEdits: true,
			},
		},
		Approvals: map[string][]models.Approval{
			"s1": {{
				ID: "a1", SessionID: "s1", RunID: "r1", ToolName: "Bash",
				ToolInput: json.RawMessage(`{"command":"go test ./..."}`),
				Status:    models.ApprovalApproved, CreatedAt: t0.Add(time.Minute),
				RespondedAt: &responded, Comment: "ok",
			}},
			"s2": {{
				ID: "a2", SessionID: "s2", ToolName: "Write",
				Status: models.ApprovalPending, CreatedAt: t0.Add(15 * time.Minute),
			}},
		},
		FetchedAt: t0.Add(30 * time.Minute),
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	if snap, err := database.LoadSnapshot(ctx); err != nil || snap != nil {
		t.Fatalf("LoadSnapshot() on empty cache = %v, %v; want nil, nil", snap, err)
	}

	want := testSnapshot()
	if err := database.SaveSnapshot(ctx, want); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	got, err := database.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if !got.FetchedAt.Equal(want.FetchedAt) {
		t.Errorf("FetchedAt = %v, want %v", got.FetchedAt, want.FetchedAt)
	}
	if len(got.Sessions) != 2 || got.Sessions[0].ID != "s2" {
		t.Fatalf("sessions = %+v, want s2 first (most recent activity)", got.Sessions)
	}

	s1, ok := got.Session("s1")
	if !ok {
		t.Fatal("s1 missing")
	}
	if s1.CompletedAt == nil || !s1.CompletedAt.Equal(*want.Sessions[0].CompletedAt) {
		t.Errorf("CompletedAt = %v", s1.CompletedAt)
	}
	if s1.CostUSD == nil || *s1.CostUSD != 0.42 || s1.TotalTokens == nil || *s1.TotalTokens != 1234 {
		t.Errorf("usage fields not preserved: %+v", s1)
	}
	if s1.DurationMS != nil {
		t.Errorf("DurationMS = %v, want nil", *s1.DurationMS)
	}

	s2, _ := got.Session("s2")
	if !s2.AutoAcceptEdits || s2.Status != models.SessionWaitingInput {
		t.Errorf("s2 = %+v", s2)
	}

	a1 := got.ApprovalsFor("s1")
	if len(a1) != 1 || string(a1[0].ToolInput) != `{"command":"go test ./..."}` || a1[0].RespondedAt == nil {
		t.Errorf("approval a1 = %+v", a1)
	}
	a2 := got.ApprovalsFor("s2")
	if len(a2) != 1 || a2[0].RespondedAt != nil || a2[0].ToolInput != nil {
		t.Errorf("approval a2 = %+v", a2)
	}
}

func TestSaveSnapshot_ReplacesWholesale(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	if err := database.SaveSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatal(err)
	}

	next := &store.Snapshot{
		Sessions:  []models.Session{{ID: "s9", Status: models.SessionRunning, CreatedAt: t0}},
		Approvals: map[string][]models.Approval{},
		FetchedAt: t0.Add(time.Hour),
	}
	if err := database.SaveSnapshot(ctx, next); err != nil {
		t.Fatal(err)
	}

	got, err := database.LoadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Sessions) != 1 || got.Sessions[0].ID != "s9" {
		t.Errorf("sessions = %+v, want only s9", got.Sessions)
	}
	if len(got.Approvals) != 0 {
		t.Errorf("stale approvals survived: %+v", got.Approvals)
	}
}

func TestSaveSnapshot_FailureKeepsPrevious(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	if err := database.SaveSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatal(err)
	}

	bad := &store.Snapshot{
		Sessions: []models.Session{{ID: "s9", Status: models.SessionRunning, CreatedAt: t0}},
		Approvals: map[string][]models.Approval{
			"s9": {{ID: "x", SessionID: "s9", Status: "bogus", CreatedAt: t0}},
		},
		FetchedAt: t0.Add(time.Hour),
	}
	if err := database.SaveSnapshot(ctx, bad); err == nil {
		t.Fatal("expected constraint failure")
	}

	got, err := database.LoadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Sessions) != 2 {
		t.Errorf("failed save clobbered the cache: %+v", got.Sessions)
	}
}

func TestStatusChanges(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	changes := []models.StatusChange{
		{SessionID: "s1", From: models.SessionWaitingInput, To: models.SessionRunning, At: t0.Add(2 * time.Second)},
		{SessionID: "s1", From: models.SessionRunning, To: models.SessionWaitingInput, At: t0.Add(500 * time.Millisecond)},
		{SessionID: "s2", From: models.SessionStarting, To: models.SessionRunning, At: t0},
	}
	for _, c := range changes {
		if err := database.RecordStatusChange(ctx, c); err != nil {
			t.Fatalf("RecordStatusChange() error = %v", err)
		}
	}
	// Replays are ignored
	if err := database.RecordStatusChange(ctx, changes[0]); err != nil {
		t.Fatalf("replay error = %v", err)
	}

	got, err := database.StatusChanges(ctx, "s1")
	if err != nil {
		t.Fatalf("StatusChanges() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d changes, want 2", len(got))
	}
	if got[0].To != models.SessionWaitingInput || !got[0].At.Equal(t0.Add(500*time.Millisecond)) {
		t.Errorf("changes not in time order: %+v", got)
	}

	// Snapshot saves leave the change log alone
	if err := database.SaveSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatal(err)
	}
	if got, _ := database.StatusChanges(ctx, "s2"); len(got) != 1 {
		t.Errorf("snapshot save dropped status changes: %+v", got)
	}
}
