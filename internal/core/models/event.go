package models

import (
	"errors"
	"fmt"
	"time"
)

// EventKind discriminates conversation events
type EventKind string

const (
	EventKindMessage EventKind = "message"
	EventKindToolUse EventKind = "tool_use"
	EventKindOther   EventKind = "other"
)

// Role of a message event
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationEvent is one entry of a session's conversation as stored by the daemon.
// Message events carry Role/Content; tool-use events carry the Tool* and Approval* fields.
type ConversationEvent struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	ClaudeSessionID string    `json:"claude_session_id,omitempty"`
	Sequence        int       `json:"sequence"`
	EventType       string    `json:"event_type"`
	CreatedAt       time.Time `json:"created_at"`

	Role    Role   `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	ToolID         string         `json:"tool_id,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolInputJSON  string         `json:"tool_input_json,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status,omitempty"`
	ApprovalID     string         `json:"approval_id,omitempty"`
}

// Kind classifies the event. The daemon spells tool uses "tool_call".
func (e *ConversationEvent) Kind() EventKind {
	switch e.EventType {
	case "message":
		return EventKindMessage
	case "tool_use", "tool_call":
		return EventKindToolUse
	case "":
		// Older daemons omit event_type on plain messages
		if e.Role != "" {
			return EventKindMessage
		}
	}
	return EventKindOther
}

// NeedsApproval reports whether a tool use went through the approval flow
func (e *ConversationEvent) NeedsApproval() bool {
	return e.Kind() == EventKindToolUse && (e.ApprovalID != "" || e.ApprovalStatus != "")
}

// Validate checks the fields a client relies on
func (e *ConversationEvent) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("event %d: session_id is required", e.ID)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("event %d: created_at is required", e.ID)
	}
	if e.ApprovalStatus != "" && !e.ApprovalStatus.IsKnown() {
		return fmt.Errorf("event %d: unknown approval_status %q", e.ID, e.ApprovalStatus)
	}
	return nil
}

// StatusChange is a session status transition reported on the daemon event stream
type StatusChange struct {
	SessionID string        `json:"session_id"`
	From      SessionStatus `json:"old_status"`
	To        SessionStatus `json:"new_status"`
	At        time.Time     `json:"timestamp"`
}

func (c *StatusChange) Validate() error {
	if c.SessionID == "" {
		return errors.New("status change: session_id is required")
	}
	if !c.To.IsKnown() {
		return fmt.Errorf("status change for %s: unknown new_status %q", c.SessionID, c.To)
	}
	if c.At.IsZero() {
		return fmt.Errorf("status change for %s: timestamp is required", c.SessionID)
	}
	return nil
}
