package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ApprovalStatus is the resolution state of an approval request
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

func (s ApprovalStatus) IsKnown() bool {
	return s == ApprovalPending || s == ApprovalApproved || s == ApprovalDenied
}

// Decision is what a human submits for a pending approval
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// ParseDecision accepts the wire spelling of a decision
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionApprove, DecisionDeny:
		return Decision(s), nil
	}
	return "", fmt.Errorf("invalid decision %q (want approve or deny)", s)
}

// Outcome is the approval status the daemon records for this decision
func (d Decision) Outcome() ApprovalStatus {
	if d == DecisionApprove {
		return ApprovalApproved
	}
	return ApprovalDenied
}

// Approval is a recorded request for human sign-off before a tool runs.
// Once resolved it never changes.
type Approval struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id,omitempty"`
	SessionID   string          `json:"session_id"`
	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	Status      ApprovalStatus  `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	RespondedAt *time.Time      `json:"responded_at,omitempty"`
	Comment     string          `json:"comment,omitempty"`
}

func (a *Approval) IsPending() bool {
	return a.Status == ApprovalPending
}

func (a *Approval) IsResolved() bool {
	return a.Status == ApprovalApproved || a.Status == ApprovalDenied
}

// Validate checks the fields a client relies on
func (a *Approval) Validate() error {
	if a.ID == "" {
		return errors.New("approval id is required")
	}
	if a.SessionID == "" {
		return fmt.Errorf("approval %s: session_id is required", a.ID)
	}
	if !a.Status.IsKnown() {
		return fmt.Errorf("approval %s: unknown status %q", a.ID, a.Status)
	}
	if a.CreatedAt.IsZero() {
		return fmt.Errorf("approval %s: created_at is required", a.ID)
	}
	return nil
}
