package models

import (
	"errors"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state the daemon reports for a session
type SessionStatus string

const (
	SessionStarting     SessionStatus = "starting"
	SessionRunning      SessionStatus = "running"
	SessionWaitingInput SessionStatus = "waiting_input"
	SessionCompleting   SessionStatus = "completing"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
)

// IsTerminal reports whether no further transitions or approvals are valid
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// IsKnown reports whether s is one of the lifecycle states
func (s SessionStatus) IsKnown() bool {
	switch s {
	case SessionStarting, SessionRunning, SessionWaitingInput,
		SessionCompleting, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

func (s SessionStatus) String() string {
	return string(s)
}

// Session is one agent run as last reported by the daemon
type Session struct {
	ID              string        `json:"id"`
	RunID           string        `json:"run_id"`
	ClaudeSessionID string        `json:"claude_session_id,omitempty"`
	ParentSessionID string        `json:"parent_session_id,omitempty"` // Fork/continuation parent, not owned
	Status          SessionStatus `json:"status"`
	Query           string        `json:"query"`
	Title           string        `json:"title,omitempty"`
	Summary         string        `json:"summary,omitempty"`
	Model           string        `json:"model,omitempty"`
	WorkingDir      string        `json:"working_dir,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	CostUSD         *float64      `json:"cost_usd,omitempty"`
	TotalTokens     *int64        `json:"total_tokens,omitempty"`
	DurationMS      *int64        `json:"duration_ms,omitempty"`
	AutoAcceptEdits bool          `json:"auto_accept_edits,omitempty"`
	Archived        bool          `json:"archived,omitempty"`
}

// DisplayName picks the most readable label: title, then summary, then query
func (s *Session) DisplayName() string {
	switch {
	case s.Title != "":
		return s.Title
	case s.Summary != "":
		return s.Summary
	case s.Query != "":
		return s.Query
	}
	return s.ID
}

// IsChild reports whether the session was forked or continued from another
func (s *Session) IsChild() bool {
	return s.ParentSessionID != ""
}

// Validate checks if the session has required fields
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if !s.Status.IsKnown() {
		return fmt.Errorf("session %s: unknown status %q", s.ID, s.Status)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("session %s: created_at is required", s.ID)
	}
	return nil
}
