package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
	"github.com/neilberkman/ccgate/internal/core/store"
	"github.com/neilberkman/ccgate/internal/core/timeline"
)

// ConnectFunc opens a fresh daemon client for one tool call
type ConnectFunc func(ctx context.Context) (*rpc.Client, error)

// HistoryFunc returns the recorded status changes of a session
type HistoryFunc func(ctx context.Context, sessionID string) ([]models.StatusChange, error)

// ListSessionsArgs defines arguments for the list_sessions tool
type ListSessionsArgs struct {
	Status string `json:"status,omitempty" jsonschema:"description=Only sessions with this status"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Max sessions to return (default: 20)"`
}

// ListPendingArgs defines arguments for the list_pending_approvals tool
type ListPendingArgs struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"description=Only approvals of this session"`
}

// GetTimelineArgs defines arguments for the get_session_timeline tool
type GetTimelineArgs struct {
	SessionID string `json:"session_id" jsonschema:"description=Session to reconstruct,required"`
}

// SessionSummary represents a session in the list view
type SessionSummary struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	Name           string `json:"name"`
	Model          string `json:"model,omitempty"`
	WorkingDir     string `json:"working_dir,omitempty"`
	CreatedAt      string `json:"created_at"`
	LastActivityAt string `json:"last_activity_at"`
	PendingCount   int    `json:"pending_count"`
}

// PendingApproval is one open approval request
type PendingApproval struct {
	ApprovalID string          `json:"approval_id"`
	SessionID  string          `json:"session_id"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

// Server answers read-only questions about the daemon's sessions. It has
// no tool that decides approvals.
type Server struct {
	connect ConnectFunc
	history HistoryFunc
	logger  *slog.Logger
}

func NewServer(connect ConnectFunc, history HistoryFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{connect: connect, history: history, logger: logger}
}

// StartServer serves the tools over stdio until stdin closes
func StartServer(connect ConnectFunc, history HistoryFunc, logger *slog.Logger, version string) error {
	return server.ServeStdio(NewServer(connect, history, logger).MCPServer(version))
}

// MCPServer builds the MCP server with every tool registered
func (s *Server) MCPServer(version string) *server.MCPServer {
	srv := server.NewMCPServer("ccgate", version)

	listTool := mcp.NewTool("list_sessions",
		mcp.WithDescription("List agent sessions known to the local daemon, most recently active first"),
		mcp.WithString("status",
			mcp.Description("Only sessions with this status: starting, running, waiting_input, completing, completed, failed")),
		mcp.WithNumber("limit",
			mcp.Description("Max sessions to return (default: 20)")),
	)
	srv.AddTool(listTool, s.handleListSessions)

	pendingTool := mcp.NewTool("list_pending_approvals",
		mcp.WithDescription("List tool calls waiting for a human decision, newest first"),
		mcp.WithString("session_id",
			mcp.Description("Only approvals of this session")),
	)
	srv.AddTool(pendingTool, s.handleListPending)

	timelineTool := mcp.NewTool("get_session_timeline",
		mcp.WithDescription("Reconstruct a session's lifecycle from its approvals, conversation and recorded status changes, with detected inconsistencies"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to reconstruct")),
	)
	srv.AddTool(timelineTool, s.handleGetTimeline)

	return srv
}

func decodeArgs(request mcp.CallToolRequest, v any) error {
	argsBytes, _ := json.Marshal(request.Params.Arguments)
	if err := json.Unmarshal(argsBytes, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	resultJSON, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcp.NewToolResultText(string(resultJSON)), nil
}

// snapshot refreshes a throwaway store over a fresh connection
func (s *Server) snapshot(ctx context.Context) (*store.Store, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	st := store.New(store.WithLogger(s.logger))
	if _, err := st.Refresh(ctx, client); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args ListSessionsArgs
	if err := decodeArgs(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status := models.SessionStatus(args.Status)
	if status != "" && !status.IsKnown() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", args.Status)), nil
	}
	limit := args.Limit
	if limit == 0 {
		limit = 20
	}

	st, err := s.snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("daemon query failed: %v", err)), nil
	}
	snap := st.Snapshot()

	sessions := []SessionSummary{}
	for _, sess := range st.Sessions(store.SessionFilter{Status: status, Limit: limit}) {
		pending := 0
		for _, a := range snap.ApprovalsFor(sess.ID) {
			if a.IsPending() {
				pending++
			}
		}
		sessions = append(sessions, SessionSummary{
			SessionID:      sess.ID,
			Status:         string(sess.Status),
			Name:           sess.DisplayName(),
			Model:          sess.Model,
			WorkingDir:     sess.WorkingDir,
			CreatedAt:      sess.CreatedAt.Format(time.RFC3339),
			LastActivityAt: sess.LastActivityAt.Format(time.RFC3339),
			PendingCount:   pending,
		})
	}
	return jsonResult(map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleListPending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args ListPendingArgs
	if err := decodeArgs(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	st, err := s.snapshot(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("daemon query failed: %v", err)), nil
	}

	approvals := []PendingApproval{}
	for _, a := range st.Approvals(store.ApprovalFilter{SessionID: args.SessionID, PendingOnly: true}) {
		approvals = append(approvals, PendingApproval{
			ApprovalID: a.ID,
			SessionID:  a.SessionID,
			Tool:       a.ToolName,
			Input:      a.ToolInput,
			CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		})
	}
	return jsonResult(map[string]interface{}{"approvals": approvals})
}

func (s *Server) handleGetTimeline(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args GetTimelineArgs
	if err := decodeArgs(request, &args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if args.SessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	client, err := s.connect(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("daemon unavailable: %v", err)), nil
	}
	defer func() { _ = client.Close() }()

	sess, err := client.GetSessionState(ctx, args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %v", err)), nil
	}
	approvals, err := client.FetchApprovals(ctx, args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to fetch approvals: %v", err)), nil
	}
	conv, err := client.GetConversation(ctx, args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get conversation: %v", err)), nil
	}

	var changes []models.StatusChange
	if s.history != nil {
		changes, err = s.history(ctx, args.SessionID)
		if err != nil {
			s.logger.Warn("failed to read recorded status changes", "session_id", args.SessionID, "error", err)
		}
	}

	result := timeline.Reconcile(timeline.Input{
		Session:       *sess,
		Events:        conv.Events,
		Approvals:     approvals,
		StatusChanges: changes,
	})
	return jsonResult(result)
}
