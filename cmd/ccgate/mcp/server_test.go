package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
	"github.com/neilberkman/ccgate/internal/core/timeline"
	"github.com/neilberkman/ccgate/internal/core/transport"
	"github.com/neilberkman/ccgate/internal/testutil/fakedaemon"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, history HistoryFunc) (*Server, *fakedaemon.Daemon) {
	t.Helper()
	d := fakedaemon.Start(t)
	connector := transport.NewConnector(transport.WithMaxElapsed(200 * time.Millisecond))
	connect := func(ctx context.Context) (*rpc.Client, error) {
		return rpc.Dial(ctx, connector, d.Path(), rpc.WithTimeout(time.Second))
	}
	return NewServer(connect, history, nil), d
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(result.Content) == 0 {
		t.Fatal("empty result")
	}
	switch c := result.Content[0].(type) {
	case mcp.TextContent:
		return c.Text, result.IsError
	case *mcp.TextContent:
		return c.Text, result.IsError
	}
	t.Fatalf("unexpected content %T", result.Content[0])
	return "", false
}

func seed(d *fakedaemon.Daemon) {
	d.AddSession(
		models.Session{ID: "s1", Status: models.SessionWaitingInput, Query: "fix tests", CreatedAt: t0, LastActivityAt: t0.Add(2 * time.Minute)},
		models.Session{ID: "s2", Status: models.SessionCompleted, Query: "refactor", CreatedAt: t0, LastActivityAt: t0.Add(time.Minute)},
	)
	d.AddApproval(
		models.Approval{ID: "a1", SessionID: "s1", ToolName: "Bash", Status: models.ApprovalPending, CreatedAt: t0.Add(time.Minute)},
		models.Approval{ID: "a0", SessionID: "s2", ToolName: "Edit", Status: models.ApprovalApproved, CreatedAt: t0, RespondedAt: ptr(t0.Add(time.Second))},
	)
}

func ptr(t time.Time) *time.Time { return &t }

func TestListSessions(t *testing.T) {
	s, d := newTestServer(t, nil)
	seed(d)

	text, isErr := call(t, s.handleListSessions, map[string]any{})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var out struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Sessions) != 2 || out.Sessions[0].SessionID != "s1" {
		t.Fatalf("sessions = %+v", out.Sessions)
	}
	if out.Sessions[0].PendingCount != 1 || out.Sessions[0].Name != "fix tests" {
		t.Errorf("s1 = %+v", out.Sessions[0])
	}

	text, _ = call(t, s.handleListSessions, map[string]any{"status": "completed"})
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].SessionID != "s2" {
		t.Errorf("filtered sessions = %+v", out.Sessions)
	}

	if _, isErr := call(t, s.handleListSessions, map[string]any{"status": "paused"}); !isErr {
		t.Error("expected tool error for unknown status")
	}
}

func TestListPendingApprovals(t *testing.T) {
	s, d := newTestServer(t, nil)
	seed(d)

	text, isErr := call(t, s.handleListPending, map[string]any{})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var out struct {
		Approvals []PendingApproval `json:"approvals"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Approvals) != 1 || out.Approvals[0].ApprovalID != "a1" || out.Approvals[0].Tool != "Bash" {
		t.Errorf("approvals = %+v", out.Approvals)
	}
}

func TestGetSessionTimeline(t *testing.T) {
	history := func(ctx context.Context, sessionID string) ([]models.StatusChange, error) {
		return nil, nil
	}
	s, d := newTestServer(t, history)
	d.AddSession(models.Session{ID: "s1", Status: models.SessionRunning, CreatedAt: t0, LastActivityAt: t0.Add(time.Minute)})
	d.AddApproval(models.Approval{ID: "a1", SessionID: "s1", ToolName: "Bash", Status: models.ApprovalApproved,
		CreatedAt: t0.Add(10 * time.Second), RespondedAt: ptr(t0.Add(20 * time.Second))})

	text, isErr := call(t, s.handleGetTimeline, map[string]any{"session_id": "s1"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var result timeline.Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Entries) != 5 {
		t.Errorf("entries = %d, want 5", len(result.Entries))
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Kind != timeline.AnomalyMissingStatusChange {
		t.Errorf("anomalies = %+v", result.Anomalies)
	}
}

func TestGetSessionTimeline_Errors(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if _, isErr := call(t, s.handleGetTimeline, map[string]any{}); !isErr {
		t.Error("expected error without session_id")
	}
	if _, isErr := call(t, s.handleGetTimeline, map[string]any{"session_id": "missing"}); !isErr {
		t.Error("expected error for unknown session")
	}
}
