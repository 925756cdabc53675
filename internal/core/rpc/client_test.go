package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/transport"
	"github.com/neilberkman/ccgate/internal/testutil/fakedaemon"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func dial(t *testing.T, d *fakedaemon.Daemon, opts ...Option) *Client {
	t.Helper()
	c, err := Dial(context.Background(), transport.NewConnector(transport.WithMaxElapsed(time.Second)), d.Path(), opts...)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testSession(id string, status models.SessionStatus) models.Session {
	return models.Session{
		ID:             id,
		RunID:          "run-" + id,
		Status:         status,
		Query:          "fix the build",
		CreatedAt:      t0,
		LastActivityAt: t0,
	}
}

func testApproval(id, sessionID string, status models.ApprovalStatus) models.Approval {
	return models.Approval{
		ID:        id,
		SessionID: sessionID,
		ToolName:  "Bash",
		ToolInput: json.RawMessage(`{"command":"make"}`),
		Status:    status,
		CreatedAt: t0.Add(time.Minute),
	}
}

func TestListSessions(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddSession(testSession("s1", models.SessionRunning), testSession("s2", models.SessionWaitingInput))

	resp, err := dial(t, d).ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(resp.Sessions))
	}
	if resp.Sessions[0].RunID != "run-s1" {
		t.Errorf("RunID = %q", resp.Sessions[0].RunID)
	}
}

func TestFetchApprovals_NullIsEmpty(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddSession(testSession("s1", models.SessionRunning))

	approvals, err := dial(t, d).FetchApprovals(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FetchApprovals() error = %v", err)
	}
	if len(approvals) != 0 {
		t.Errorf("got %d approvals, want none", len(approvals))
	}
}

func TestFetchApprovals(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddApproval(testApproval("a1", "s1", models.ApprovalPending), testApproval("a2", "s2", models.ApprovalPending))

	approvals, err := dial(t, d).FetchApprovals(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FetchApprovals() error = %v", err)
	}
	if len(approvals) != 1 || approvals[0].ID != "a1" {
		t.Fatalf("approvals = %+v, want only a1", approvals)
	}
	if string(approvals[0].ToolInput) != `{"command":"make"}` {
		t.Errorf("ToolInput = %s", approvals[0].ToolInput)
	}

	calls := d.Calls(MethodFetchApprovals)
	if len(calls) != 1 || string(calls[0].Params) != `{"session_id":"s1"}` {
		t.Errorf("unexpected request params: %+v", calls)
	}
}

func TestGetApproval_NotFound(t *testing.T) {
	d := fakedaemon.Start(t)

	_, err := dial(t, d).GetApproval(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeNotFound {
		t.Errorf("error = %#v, want *Error with code %d", err, CodeNotFound)
	}
}

func TestSendDecision(t *testing.T) {
	d := fakedaemon.Start(t)
	d.Now = func() time.Time { return t0.Add(2 * time.Minute) }
	d.AddApproval(testApproval("a1", "s1", models.ApprovalPending))

	c := dial(t, d)
	if err := c.SendDecision(context.Background(), "a1", models.DecisionDeny, "not now"); err != nil {
		t.Fatalf("SendDecision() error = %v", err)
	}

	got, _ := d.Approval("a1")
	if got.Status != models.ApprovalDenied || got.Comment != "not now" {
		t.Errorf("daemon approval = %+v", got)
	}

	err := c.SendDecision(context.Background(), "a1", models.DecisionApprove, "")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second decision error = %v, want ErrInvalidState", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("already-resolved error should not match ErrNotFound")
	}
}

func TestSendDecision_RejectsUnknownDecision(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddApproval(testApproval("a1", "s1", models.ApprovalPending))

	if err := dial(t, d).SendDecision(context.Background(), "a1", "maybe", ""); err == nil {
		t.Fatal("expected error for unknown decision")
	}
	if n := len(d.Calls(MethodSendDecision)); n != 0 {
		t.Errorf("daemon received %d sendDecision calls, want 0", n)
	}
}

func TestGetConversationAndSessionState(t *testing.T) {
	d := fakedaemon.Start(t)
	d.AddSession(testSession("s1", models.SessionWaitingInput))
	d.SetConversation("s1", []models.ConversationEvent{
		{ID: 1, SessionID: "s1", Sequence: 1, EventType: "message", Role: models.RoleUser, Content: "hi", CreatedAt: t0},
		{ID: 2, SessionID: "s1", Sequence: 2, EventType: "tool_call", ToolName: "Bash", ApprovalID: "a1", CreatedAt: t0.Add(time.Minute)},
	})

	c := dial(t, d)
	conv, err := c.GetConversation(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if len(conv.Events) != 2 || !conv.Events[1].NeedsApproval() {
		t.Errorf("events = %+v", conv.Events)
	}

	s, err := c.GetSessionState(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSessionState() error = %v", err)
	}
	if s.Status != models.SessionWaitingInput {
		t.Errorf("Status = %s", s.Status)
	}

	if _, err := c.GetSessionState(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSessionState(nope) error = %v, want ErrNotFound", err)
	}
}

func TestCall_TimeoutClosesConnection(t *testing.T) {
	d := fakedaemon.Start(t)
	d.Handle(MethodListSessions, func(json.RawMessage) (any, error) {
		return nil, fakedaemon.ErrNoReply
	})

	c := dial(t, d, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.ListSessions(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("call took %v, timeout not enforced", elapsed)
	}

	_, err = c.FetchApprovals(context.Background(), "s1")
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("call after timeout error = %v, want ErrConnectionClosed", err)
	}
	if n := len(d.Calls(MethodFetchApprovals)); n != 0 {
		t.Errorf("call after timeout reached the daemon %d time(s)", n)
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	d := fakedaemon.Start(t)
	d.Handle(MethodListSessions, func(json.RawMessage) (any, error) {
		return nil, fakedaemon.ErrNoReply
	})
	c := dial(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.ListSessions(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

// deadlineConn records SetDeadline calls and nothing else
type deadlineConn struct {
	net.Conn

	mu        sync.Mutex
	deadlines []time.Time
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, t)
	return nil
}

func (c *deadlineConn) last() (time.Time, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlines[len(c.deadlines)-1], len(c.deadlines)
}

func TestExpireOnCancel_StopWaitsForCallback(t *testing.T) {
	// Cancellation racing with the end of a call must not expire the
	// deadline the next call sets.
	conns := make([]*deadlineConn, 200)
	for i := range conns {
		conn := &deadlineConn{}
		ctx, cancel := context.WithCancel(context.Background())
		stop := expireOnCancel(ctx, conn)
		cancel()
		stop()
		_ = conn.SetDeadline(time.Time{}) // the next call's deadline
		conns[i] = conn
	}

	time.Sleep(20 * time.Millisecond)
	for i, conn := range conns {
		if d, n := conn.last(); !d.IsZero() {
			t.Fatalf("conn %d: deadline overwritten after stop returned (%d calls, last %v)", i, n, d)
		}
	}
}

func TestExpireOnCancel_NotCancelled(t *testing.T) {
	conn := &deadlineConn{}
	stop := expireOnCancel(context.Background(), conn)
	stop()
	if len(conn.deadlines) != 0 {
		t.Errorf("deadline changed without cancellation: %v", conn.deadlines)
	}
}

func TestCall_MalformedResponses(t *testing.T) {
	tests := []struct {
		name      string
		reply     any
		wantReuse bool
	}{
		{"not json", fakedaemon.RawLine("this is not json"), false},
		{"id mismatch", fakedaemon.RawLine(`{"jsonrpc":"2.0","id":99,"result":{"sessions":[]}}`), false},
		{"wrong shape", map[string]any{"sessions": "nope"}, true},
		{"invalid record", map[string]any{"sessions": []map[string]any{{"id": "s1", "status": "exploded", "created_at": t0}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := fakedaemon.Start(t)
			d.Handle(MethodListSessions, func(json.RawMessage) (any, error) {
				return tt.reply, nil
			})
			c := dial(t, d)

			_, err := c.ListSessions(context.Background())
			if !errors.Is(err, ErrMalformedResponse) {
				t.Fatalf("error = %v, want ErrMalformedResponse", err)
			}

			_, err = c.FetchApprovals(context.Background(), "s1")
			if tt.wantReuse && err != nil {
				t.Errorf("connection should survive a decodable reply, got %v", err)
			}
			if !tt.wantReuse && !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("error = %v, want ErrConnectionClosed after framing error", err)
			}
		})
	}
}

func TestCall_SkipsStrayNotifications(t *testing.T) {
	d := fakedaemon.Start(t)
	d.Handle(MethodListSessions, func(json.RawMessage) (any, error) {
		return fakedaemon.RawLine(`{"jsonrpc":"2.0","method":"event","params":{"type":"heartbeat"}}` + "\n" +
			`{"jsonrpc":"2.0","id":1,"result":{"sessions":[]}}`), nil
	})

	resp, err := dial(t, d).ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(resp.Sessions) != 0 {
		t.Errorf("got %d sessions", len(resp.Sessions))
	}
}

func TestCall_Generic(t *testing.T) {
	d := fakedaemon.Start(t)
	d.Handle("health", func(json.RawMessage) (any, error) {
		return map[string]string{"status": "ok", "version": "0.9.0"}, nil
	})

	type health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	got, err := Call[health](context.Background(), dial(t, d), "health", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got.Status != "ok" || got.Version != "0.9.0" {
		t.Errorf("got %+v", got)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err          *Error
		notFound     bool
		invalidState bool
	}{
		{&Error{Code: CodeNotFound, Message: "no such approval"}, true, false},
		{&Error{Code: CodeInternal, Message: "approval not found"}, true, false},
		{&Error{Code: CodeInvalidState, Message: "conflict"}, false, true},
		{&Error{Code: CodeInternal, Message: "approval is not pending"}, false, true},
		{&Error{Message: "approval already resolved: approved"}, false, true},
		{&Error{Code: CodeInternal, Message: "database is locked"}, false, false},
	}
	for _, tt := range tests {
		if got := errors.Is(tt.err, ErrNotFound); got != tt.notFound {
			t.Errorf("Is(%q, ErrNotFound) = %v", tt.err.Message, got)
		}
		if got := errors.Is(tt.err, ErrInvalidState); got != tt.invalidState {
			t.Errorf("Is(%q, ErrInvalidState) = %v", tt.err.Message, got)
		}
	}
}

func TestSubscribe(t *testing.T) {
	d := fakedaemon.Start(t)
	c := dial(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Subscribe(ctx, SubscribeRequest{EventTypes: []string{EventSessionStatusChanged}})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	d.Publish("heartbeat", t0, map[string]any{})
	d.PublishStatusChange("s1", models.SessionWaitingInput, models.SessionRunning, t0.Add(time.Minute))

	select {
	case ev := <-events:
		change, err := ev.StatusChange()
		if err != nil {
			t.Fatalf("StatusChange() error = %v", err)
		}
		if change.SessionID != "s1" || change.From != models.SessionWaitingInput || change.To != models.SessionRunning {
			t.Errorf("change = %+v", change)
		}
		if !change.At.Equal(t0.Add(time.Minute)) {
			t.Errorf("At = %v", change.At)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	if _, err := c.ListSessions(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("call on streaming client error = %v, want ErrConnectionClosed", err)
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubscribe_DaemonHangUpClosesStream(t *testing.T) {
	d := fakedaemon.Start(t)
	c := dial(t, d)

	events, err := c.Subscribe(context.Background(), SubscribeRequest{})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	d.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after daemon hang-up")
	}
}
