// Package fakedaemon serves the session daemon's JSON-RPC API from memory
// over a real unix socket, for tests of code that talks to the daemon.
//
// Default handlers cover every method the client uses and answer from the
// sessions, approvals and conversations loaded into the Daemon. Handle
// overrides a method, which is how tests script failures.
package fakedaemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/neilberkman/ccgate/internal/core/models"
)

// Error is a JSON-RPC error a handler can return
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrNoReply makes the daemon read a request and never answer it
var ErrNoReply = errors.New("no reply")

// RawLine, returned as a handler result, is written to the socket verbatim
// in place of a response.
type RawLine string

// HandlerFunc answers one request
type HandlerFunc func(params json.RawMessage) (any, error)

// Call is a request the daemon received
type Call struct {
	Method string
	Params json.RawMessage
}

type request struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      *int64   `json:"id"`
	Result  any      `json:"result,omitempty"`
	Error   *wireErr `json:"error,omitempty"`
}

type wireErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type peer struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *peer) send(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.conn.Write(append(line, '\n'))
	return err
}

func (p *peer) sendRaw(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write([]byte(line + "\n"))
	return err
}

// Daemon is an in-memory daemon listening on a unix socket
type Daemon struct {
	// Now stamps decisions; tests may replace it before issuing calls.
	Now func() time.Time

	path string
	ln   net.Listener
	wg   sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	sessions      []models.Session
	approvals     map[string][]models.Approval
	conversations map[string][]models.ConversationEvent
	handlers      map[string]HandlerFunc
	calls         []Call
	subscribers   map[*peer]struct{}
	conns         map[net.Conn]struct{}
}

// Start listens on a fresh socket and stops the daemon when the test ends
func Start(t testing.TB) *Daemon {
	t.Helper()

	// Short directory: unix socket paths are limited to ~104 bytes.
	dir, err := os.MkdirTemp("", "fkd")
	if err != nil {
		t.Fatalf("fakedaemon: %v", err)
	}
	path := filepath.Join(dir, "daemon.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatalf("fakedaemon: listen: %v", err)
	}

	d := &Daemon{
		Now:           time.Now,
		path:          path,
		ln:            ln,
		approvals:     make(map[string][]models.Approval),
		conversations: make(map[string][]models.ConversationEvent),
		handlers:      make(map[string]HandlerFunc),
		subscribers:   make(map[*peer]struct{}),
		conns:         make(map[net.Conn]struct{}),
	}

	d.wg.Add(1)
	go d.accept()

	t.Cleanup(func() {
		d.Close()
		_ = os.RemoveAll(dir)
	})
	return d
}

// Path is the socket to dial
func (d *Daemon) Path() string { return d.path }

// Close stops accepting and drops every open connection
func (d *Daemon) Close() {
	_ = d.ln.Close()
	d.mu.Lock()
	d.closed = true
	for conn := range d.conns {
		_ = conn.Close()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Daemon) AddSession(sessions ...models.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = append(d.sessions, sessions...)
}

// SetSessionStatus updates a loaded session in place
func (d *Daemon) SetSessionStatus(id string, status models.SessionStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.sessions {
		if d.sessions[i].ID == id {
			d.sessions[i].Status = status
		}
	}
}

func (d *Daemon) AddApproval(approvals ...models.Approval) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range approvals {
		d.approvals[a.SessionID] = append(d.approvals[a.SessionID], a)
	}
}

// Approval returns the daemon's current copy of an approval
func (d *Daemon) Approval(id string) (models.Approval, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.findApproval(id)
	if a == nil {
		return models.Approval{}, false
	}
	return *a, true
}

// ResolveApproval resolves an approval as if another client had decided it
func (d *Daemon) ResolveApproval(id string, status models.ApprovalStatus, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a := d.findApproval(id); a != nil {
		a.Status = status
		a.RespondedAt = &at
	}
}

func (d *Daemon) SetConversation(sessionID string, events []models.ConversationEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations[sessionID] = events
}

// Handle overrides the handler for method
func (d *Daemon) Handle(method string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Calls returns the requests received for method, or all requests when method is empty
func (d *Daemon) Calls(method string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Call
	for _, c := range d.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Subscribers is the number of live event subscriptions
func (d *Daemon) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscribers)
}

// Publish sends an event notification to every subscriber
func (d *Daemon) Publish(eventType string, at time.Time, data any) {
	d.mu.Lock()
	peers := make([]*peer, 0, len(d.subscribers))
	for p := range d.subscribers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	n := notification{
		JSONRPC: "2.0",
		Method:  "event",
		Params: map[string]any{
			"type":      eventType,
			"timestamp": at,
			"data":      data,
		},
	}
	for _, p := range peers {
		_ = p.send(n)
	}
}

// PublishStatusChange publishes a session_status_changed event
func (d *Daemon) PublishStatusChange(sessionID string, from, to models.SessionStatus, at time.Time) {
	d.Publish("session_status_changed", at, map[string]any{
		"session_id": sessionID,
		"old_status": from,
		"new_status": to,
	})
}

func (d *Daemon) accept() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = conn.Close()
			return
		}
		d.conns[conn] = struct{}{}
		d.mu.Unlock()

		d.wg.Add(1)
		go d.serve(conn)
	}
}

func (d *Daemon) serve(conn net.Conn) {
	defer d.wg.Done()
	p := &peer{conn: conn}
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		delete(d.subscribers, p)
		d.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = p.send(response{JSONRPC: "2.0", Error: &wireErr{Code: -32700, Message: "parse error"}})
			continue
		}

		d.mu.Lock()
		d.calls = append(d.calls, Call{Method: req.Method, Params: req.Params})
		h := d.handlers[req.Method]
		d.mu.Unlock()
		if h == nil {
			h = d.builtin(req.Method)
		}

		if h == nil {
			_ = p.send(response{JSONRPC: "2.0", ID: req.ID, Error: &wireErr{Code: -32601, Message: "method not found"}})
			continue
		}

		result, err := h(req.Params)
		var rpcErr *Error
		switch {
		case errors.Is(err, ErrNoReply):
			continue
		case errors.As(err, &rpcErr):
			_ = p.send(response{JSONRPC: "2.0", ID: req.ID, Error: &wireErr{Code: rpcErr.Code, Message: rpcErr.Message}})
			continue
		case err != nil:
			_ = p.send(response{JSONRPC: "2.0", ID: req.ID, Error: &wireErr{Code: -32603, Message: err.Error()}})
			continue
		}

		if raw, ok := result.(RawLine); ok {
			_ = p.sendRaw(string(raw))
			continue
		}
		if req.Method == "Subscribe" {
			// Registered before the reply so events published once the
			// client returns from Subscribe are delivered.
			d.mu.Lock()
			d.subscribers[p] = struct{}{}
			d.mu.Unlock()
		}
		_ = p.send(response{JSONRPC: "2.0", ID: req.ID, Result: result})
	}
}

func (d *Daemon) builtin(method string) HandlerFunc {
	switch method {
	case "listSessions":
		return d.listSessions
	case "fetchApprovals":
		return d.fetchApprovals
	case "getApproval":
		return d.getApproval
	case "sendDecision":
		return d.sendDecision
	case "getConversation":
		return d.getConversation
	case "getSessionState":
		return d.getSessionState
	case "Subscribe":
		return func(json.RawMessage) (any, error) {
			return map[string]string{"subscription_id": "sub-1"}, nil
		}
	}
	return nil
}

func (d *Daemon) listSessions(json.RawMessage) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sessions := make([]models.Session, len(d.sessions))
	copy(sessions, d.sessions)
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return map[string]any{"sessions": sessions}, nil
}

func (d *Daemon) fetchApprovals(params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &Error{Code: -32602, Message: "session_id is required"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// No approvals serializes as null, as the real daemon does.
	var approvals []models.Approval
	approvals = append(approvals, d.approvals[p.SessionID]...)
	return map[string]any{"approvals": approvals}, nil
}

func (d *Daemon) getApproval(params json.RawMessage) (any, error) {
	var p struct {
		ApprovalID string `json:"approval_id"`
	}
	_ = json.Unmarshal(params, &p)
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.findApproval(p.ApprovalID)
	if a == nil {
		return nil, &Error{Code: -32004, Message: "approval not found: " + p.ApprovalID}
	}
	return map[string]any{"approval": *a}, nil
}

func (d *Daemon) sendDecision(params json.RawMessage) (any, error) {
	var p struct {
		ApprovalID string `json:"approval_id"`
		Decision   string `json:"decision"`
		Comment    string `json:"comment"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: -32602, Message: "invalid params"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.findApproval(p.ApprovalID)
	if a == nil {
		return nil, &Error{Code: -32004, Message: "approval not found: " + p.ApprovalID}
	}
	if a.Status != models.ApprovalPending {
		return map[string]any{"success": false, "error": "approval already resolved: " + string(a.Status)}, nil
	}

	switch p.Decision {
	case "approve":
		a.Status = models.ApprovalApproved
	case "deny":
		a.Status = models.ApprovalDenied
	default:
		return nil, &Error{Code: -32602, Message: "invalid decision: " + p.Decision}
	}
	now := d.Now()
	a.RespondedAt = &now
	a.Comment = p.Comment
	return map[string]any{"success": true}, nil
}

func (d *Daemon) getConversation(params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(params, &p)
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{"events": d.conversations[p.SessionID]}, nil
}

func (d *Daemon) getSessionState(params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(params, &p)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.ID == p.SessionID {
			return map[string]any{"session": s}, nil
		}
	}
	return nil, &Error{Code: -32004, Message: "session not found: " + p.SessionID}
}

// findApproval requires d.mu
func (d *Daemon) findApproval(id string) *models.Approval {
	for sid := range d.approvals {
		for i := range d.approvals[sid] {
			if d.approvals[sid][i].ID == id {
				return &d.approvals[sid][i]
			}
		}
	}
	return nil
}
