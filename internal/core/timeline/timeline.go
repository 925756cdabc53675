// Package timeline reconstructs a session's lifecycle from the records the
// daemon hands out separately: the session itself, its conversation events,
// its approvals, and the status changes seen on the event stream.
//
// The daemon publishes status changes and approval events on independent
// channels, so neither can be trusted alone. Reconcile merges them into one
// ordered Timeline, fills in the transitions the daemon never emits (leaving
// "starting", entering "waiting_input"), and reports transitions that should
// have been observed but were not. Anomalies are data for display; they
// never abort reconciliation.
package timeline

import (
	"time"

	"github.com/neilberkman/ccgate/internal/core/models"
)

// Kind is the type of a timeline entry.
type Kind string

const (
	// KindSessionStarted marks the session's creation.
	KindSessionStarted Kind = "session_started"
	// KindStatusChanged is a lifecycle transition, observed or inferred.
	KindStatusChanged Kind = "status_changed"
	// KindApprovalNeeded marks a tool use waiting for a human decision.
	KindApprovalNeeded Kind = "approval_needed"
	// KindApprovalResolved marks the decision on an approval.
	KindApprovalResolved Kind = "approval_resolved"
	// KindSessionCompleted marks the session's completion timestamp.
	KindSessionCompleted Kind = "session_completed"
)

// precedence breaks ties between entries with the same timestamp.
func (k Kind) precedence() int {
	switch k {
	case KindSessionStarted:
		return 0
	case KindStatusChanged:
		return 1
	case KindApprovalNeeded:
		return 2
	case KindApprovalResolved:
		return 3
	case KindSessionCompleted:
		return 4
	}
	return 5
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	return string(k)
}

// Symbol returns a one-character glyph for rendering the entry.
func (k Kind) Symbol() string {
	switch k {
	case KindSessionStarted:
		return "◆"
	case KindStatusChanged:
		return "→"
	case KindApprovalNeeded:
		return "?"
	case KindApprovalResolved:
		return "✓"
	case KindSessionCompleted:
		return "■"
	default:
		return "•"
	}
}

// Source records where an entry came from.
type Source string

const (
	SourceSession      Source = "session"
	SourceApproval     Source = "approval"
	SourceConversation Source = "conversation"
	SourceEventStream  Source = "event_stream"
)

// Entry is one point on the reconciled timeline.
type Entry struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	// From and To are set on status_changed entries.
	From models.SessionStatus `json:"from,omitempty"`
	To   models.SessionStatus `json:"to,omitempty"`

	// Tool and ApprovalID are set on approval entries.
	Tool       string `json:"tool,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`

	// Decision is set on approval_resolved entries.
	Decision models.ApprovalStatus `json:"decision,omitempty"`

	// Inferred is true for entries the client synthesized rather than
	// read from a daemon record.
	Inferred bool   `json:"inferred,omitempty"`
	Source   Source `json:"source"`
}

// Symbol is the entry's glyph. Resolutions show the decision: denials get ✗.
func (e Entry) Symbol() string {
	if e.Kind == KindApprovalResolved && e.Decision != models.ApprovalApproved {
		return "✗"
	}
	return e.Kind.Symbol()
}

// AnomalyKind classifies a detected inconsistency.
type AnomalyKind string

const (
	// AnomalyMissingStatusChange: an approval was granted but the session
	// was never observed returning to running afterwards.
	AnomalyMissingStatusChange AnomalyKind = "missing_status_change"
	// AnomalyInvalidTransition: an observed or required transition is not
	// allowed by the session lifecycle.
	AnomalyInvalidTransition AnomalyKind = "invalid_transition"
	// AnomalyOutOfOrder: a status change names a starting status other than
	// the one the session was in at that point.
	AnomalyOutOfOrder AnomalyKind = "out_of_order_status"
	// AnomalyClockSkew: an approval was answered before it was created.
	AnomalyClockSkew AnomalyKind = "clock_skew"
	// AnomalyMissingResolutionTime: a resolved approval has no responded_at.
	AnomalyMissingResolutionTime AnomalyKind = "missing_resolution_time"
	// AnomalyUnknownApproval: a tool use references an approval the daemon
	// did not return.
	AnomalyUnknownApproval AnomalyKind = "unknown_approval"
	// AnomalyMultiplePending: a waiting session has more than one open approval.
	AnomalyMultiplePending AnomalyKind = "multiple_pending"
	// AnomalyPendingAfterTerminal: a finished session still has open approvals.
	AnomalyPendingAfterTerminal AnomalyKind = "pending_after_terminal"
	// AnomalyStatusMismatch: the reported status contradicts the approvals.
	AnomalyStatusMismatch AnomalyKind = "status_mismatch"
)

// Anomaly is an inconsistency found while reconciling.
type Anomaly struct {
	Kind       AnomalyKind `json:"kind"`
	At         time.Time   `json:"at"`
	ApprovalID string      `json:"approval_id,omitempty"`
	Message    string      `json:"message"`
}

// Input is everything known about one session.
type Input struct {
	Session   models.Session
	Events    []models.ConversationEvent
	Approvals []models.Approval

	// StatusChanges are the transitions actually published on the daemon
	// event stream. Without them every granted approval is reported as
	// missing its return to running.
	StatusChanges []models.StatusChange
}

// Result is the reconciled timeline of one session.
type Result struct {
	SessionID string    `json:"session_id"`
	Entries   []Entry   `json:"entries"`
	Anomalies []Anomaly `json:"anomalies"`

	// Status is the status inferred at the end of the walk.
	Status models.SessionStatus `json:"inferred_status"`
}

// HasAnomalies reports whether reconciliation found anything to flag.
func (r *Result) HasAnomalies() bool {
	return len(r.Anomalies) > 0
}
