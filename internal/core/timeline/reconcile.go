package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/neilberkman/ccgate/internal/core/models"
)

// candidate is an entry plus its insertion order, the final sort tie-break.
type candidate struct {
	Entry
	seq int
}

// reconciler holds the state of one Reconcile call.
type reconciler struct {
	in         Input
	candidates []candidate
	anomalies  []Anomaly
	real       []models.StatusChange
}

// Reconcile builds the timeline for in.Session. It is pure: the same input
// always yields the same result, and the input slices are not modified.
func Reconcile(in Input) Result {
	r := &reconciler{in: in}
	r.real = r.statusChanges()

	started := r.seedSession()
	r.projectApprovals()
	r.projectConversation()
	r.projectStatusChanges()
	if in.Session.CompletedAt != nil {
		r.add(Entry{
			Kind:   KindSessionCompleted,
			At:     *in.Session.CompletedAt,
			Source: SourceSession,
		})
	}
	r.sort()

	entries, status := r.walk(started)

	r.checkSession()

	return Result{
		SessionID: in.Session.ID,
		Entries:   entries,
		Anomalies: r.anomalies,
		Status:    status,
	}
}

func (r *reconciler) add(e Entry) {
	r.candidates = append(r.candidates, candidate{Entry: e, seq: len(r.candidates)})
}

func (r *reconciler) flag(kind AnomalyKind, at time.Time, approvalID, format string, args ...any) {
	r.anomalies = append(r.anomalies, Anomaly{
		Kind:       kind,
		At:         at,
		ApprovalID: approvalID,
		Message:    fmt.Sprintf(format, args...),
	})
}

// seedSession adds session_started and, unless the session is still
// starting, the inferred transition out of starting. The daemon never
// publishes that transition itself.
func (r *reconciler) seedSession() bool {
	s := r.in.Session
	r.add(Entry{Kind: KindSessionStarted, At: s.CreatedAt, Source: SourceSession})
	if s.Status == models.SessionStarting {
		return false
	}
	r.add(Entry{
		Kind:     KindStatusChanged,
		At:       s.CreatedAt,
		From:     models.SessionStarting,
		To:       models.SessionRunning,
		Inferred: true,
		Source:   SourceSession,
	})
	return true
}

// approvals returns this session's approvals in creation order.
func (r *reconciler) approvals() []models.Approval {
	var out []models.Approval
	for _, a := range r.in.Approvals {
		if a.SessionID == "" || a.SessionID == r.in.Session.ID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *reconciler) projectApprovals() {
	for _, a := range r.approvals() {
		r.add(Entry{
			Kind:       KindApprovalNeeded,
			At:         a.CreatedAt,
			Tool:       a.ToolName,
			ApprovalID: a.ID,
			Source:     SourceApproval,
		})

		if !a.IsResolved() {
			continue
		}
		if a.RespondedAt == nil {
			r.flag(AnomalyMissingResolutionTime, a.CreatedAt, a.ID,
				"approval %s is %s but has no response time", a.ID, a.Status)
			continue
		}

		at := *a.RespondedAt
		if at.Before(a.CreatedAt) {
			r.flag(AnomalyClockSkew, at, a.ID,
				"approval %s answered at %s, before it was created at %s",
				a.ID, at.Format(time.RFC3339), a.CreatedAt.Format(time.RFC3339))
			at = a.CreatedAt
		}
		r.add(Entry{
			Kind:       KindApprovalResolved,
			At:         at,
			Tool:       a.ToolName,
			ApprovalID: a.ID,
			Decision:   a.Status,
			Source:     SourceApproval,
		})
	}
}

// projectConversation correlates tool uses with approvals. A correlated tool
// use adds nothing (the approval is the record). An uncorrelated one that
// went through the approval flow becomes an approval_needed candidate at its
// own creation time.
func (r *reconciler) projectConversation() {
	approvals := r.approvals()
	byID := make(map[string]int, len(approvals))
	for i, a := range approvals {
		byID[a.ID] = i
	}
	claimed := make([]bool, len(approvals))

	var toolUses []models.ConversationEvent
	for _, e := range r.in.Events {
		if e.Kind() != models.EventKindToolUse {
			continue
		}
		if e.SessionID != "" && e.SessionID != r.in.Session.ID {
			continue
		}
		toolUses = append(toolUses, e)
	}
	sort.SliceStable(toolUses, func(i, j int) bool {
		if !toolUses[i].CreatedAt.Equal(toolUses[j].CreatedAt) {
			return toolUses[i].CreatedAt.Before(toolUses[j].CreatedAt)
		}
		return toolUses[i].Sequence < toolUses[j].Sequence
	})

	// Explicit references first so name matching cannot steal them.
	matched := make([]bool, len(toolUses))
	for i, e := range toolUses {
		if e.ApprovalID == "" {
			continue
		}
		if idx, ok := byID[e.ApprovalID]; ok {
			claimed[idx] = true
			matched[i] = true
		}
	}

	for i, e := range toolUses {
		if matched[i] {
			continue
		}
		if e.ApprovalID == "" {
			if idx := firstUnclaimed(approvals, claimed, e.ToolName); idx >= 0 {
				claimed[idx] = true
				continue
			}
		}
		if !e.NeedsApproval() {
			continue
		}
		if e.ApprovalID != "" {
			r.flag(AnomalyUnknownApproval, e.CreatedAt, e.ApprovalID,
				"%s tool use references approval %s, which the daemon did not return", e.ToolName, e.ApprovalID)
		}
		r.add(Entry{
			Kind:       KindApprovalNeeded,
			At:         e.CreatedAt,
			Tool:       e.ToolName,
			ApprovalID: e.ApprovalID,
			Source:     SourceConversation,
		})
	}
}

func firstUnclaimed(approvals []models.Approval, claimed []bool, tool string) int {
	if tool == "" {
		return -1
	}
	for i, a := range approvals {
		if !claimed[i] && a.ToolName == tool {
			return i
		}
	}
	return -1
}

// statusChanges returns this session's observed changes in time order.
func (r *reconciler) statusChanges() []models.StatusChange {
	var out []models.StatusChange
	for _, c := range r.in.StatusChanges {
		if c.SessionID == "" || c.SessionID == r.in.Session.ID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func (r *reconciler) projectStatusChanges() {
	for _, c := range r.real {
		r.add(Entry{
			Kind:   KindStatusChanged,
			At:     c.At,
			From:   c.From,
			To:     c.To,
			Source: SourceEventStream,
		})
	}
}

// sort orders candidates by time, then kind precedence, then approval id,
// then insertion order.
func (r *reconciler) sort() {
	sort.SliceStable(r.candidates, func(i, j int) bool {
		a, b := r.candidates[i], r.candidates[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if pa, pb := a.Kind.precedence(), b.Kind.precedence(); pa != pb {
			return pa < pb
		}
		if a.ApprovalID != b.ApprovalID {
			return a.ApprovalID < b.ApprovalID
		}
		return a.seq < b.seq
	})
}

// walk replays the sorted candidates, tracking the inferred status and
// inserting the transitions into waiting_input that approvals imply.
func (r *reconciler) walk(started bool) ([]Entry, models.SessionStatus) {
	current := models.SessionStarting
	if started {
		current = models.SessionRunning
	}

	entries := make([]Entry, 0, len(r.candidates)+4)
	for _, c := range r.candidates {
		e := c.Entry
		switch e.Kind {
		case KindStatusChanged:
			if e.Inferred {
				current = e.To
				break
			}
			r.checkObservedChange(e, current)
			current = e.To

		case KindApprovalNeeded:
			if current == models.SessionWaitingInput {
				break
			}
			if !models.CanTransition(current, models.SessionWaitingInput) {
				r.flag(AnomalyInvalidTransition, e.At, e.ApprovalID,
					"approval %s requested while session was %s", label(e), current)
				break
			}
			entries = append(entries, Entry{
				Kind:     KindStatusChanged,
				At:       e.At,
				From:     current,
				To:       models.SessionWaitingInput,
				Inferred: true,
				Source:   SourceApproval,
			})
			current = models.SessionWaitingInput

		case KindApprovalResolved:
			if e.Decision == models.ApprovalApproved {
				r.expectResume(e)
			}
		}
		entries = append(entries, e)
	}
	return entries, current
}

func (r *reconciler) checkObservedChange(e Entry, current models.SessionStatus) {
	from := e.From
	if from == "" {
		from = current
	}
	if e.From != "" && e.From != current {
		r.flag(AnomalyOutOfOrder, e.At, "",
			"status change %s→%s observed while session was %s", e.From, e.To, current)
	}
	if from != e.To && !models.CanTransition(from, e.To) {
		r.flag(AnomalyInvalidTransition, e.At, "",
			"status change %s→%s is not a valid transition", from, e.To)
	}
}

// expectResume checks that a granted approval is followed by an observed
// return to running. Only existence is checked, not how long it took.
func (r *reconciler) expectResume(e Entry) {
	for _, c := range r.real {
		if c.To == models.SessionRunning &&
			(c.From == models.SessionWaitingInput || c.From == "") &&
			!c.At.Before(e.At) {
			return
		}
	}
	r.flag(AnomalyMissingStatusChange, e.At, e.ApprovalID,
		"missing status-change event after approval %s at %s", e.ApprovalID, e.At.Format(time.RFC3339))
}

// checkSession compares the reported status with the open approvals.
func (r *reconciler) checkSession() {
	s := r.in.Session

	var pending []models.Approval
	for _, a := range r.approvals() {
		if a.IsPending() {
			pending = append(pending, a)
		}
	}

	switch {
	case s.Status.IsTerminal() && len(pending) > 0:
		at := s.LastActivityAt
		if s.CompletedAt != nil {
			at = *s.CompletedAt
		}
		r.flag(AnomalyPendingAfterTerminal, at, pending[0].ID,
			"session is %s but %d approval(s) are still pending", s.Status, len(pending))
	case s.Status == models.SessionWaitingInput && len(pending) == 0:
		r.flag(AnomalyStatusMismatch, s.LastActivityAt, "",
			"session reports %s but has no pending approvals", s.Status)
	case s.Status == models.SessionWaitingInput && len(pending) > 1:
		r.flag(AnomalyMultiplePending, pending[len(pending)-1].CreatedAt, pending[len(pending)-1].ID,
			"session is waiting on %d approvals at once", len(pending))
	}
}

func label(e Entry) string {
	if e.ApprovalID != "" {
		return e.ApprovalID
	}
	return "for " + e.Tool
}
