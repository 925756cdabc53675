// Package dispatch picks the approval a human decision applies to and
// submits it to the daemon.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
	"github.com/neilberkman/ccgate/internal/core/store"
)

// LastTarget selects the newest pending approval across waiting sessions
const LastTarget = "last"

var (
	// ErrNoPendingApprovals is returned for LastTarget when nothing is waiting.
	// It is a normal empty result, not a failure.
	ErrNoPendingApprovals = errors.New("no pending approvals")

	// ErrAlreadyResolved is matched by *AlreadyResolvedError
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// AlreadyResolvedError reports a decision on an approval that is no longer
// pending. Raced is set when the approval was pending when fetched and was
// resolved by someone else before our decision reached the daemon.
type AlreadyResolvedError struct {
	ApprovalID string
	SessionID  string
	Status     models.ApprovalStatus // empty if the current status could not be read
	Raced      bool
	Err        error
}

func (e *AlreadyResolvedError) Error() string {
	status := string(e.Status)
	if status == "" {
		status = "resolved"
	}
	if e.Raced {
		return fmt.Sprintf("approval %s was %s by another client before this decision arrived", e.ApprovalID, status)
	}
	return fmt.Sprintf("approval %s is already %s", e.ApprovalID, status)
}

func (e *AlreadyResolvedError) Is(target error) bool {
	return target == ErrAlreadyResolved
}

func (e *AlreadyResolvedError) Unwrap() error {
	return e.Err
}

// Daemon is the part of the daemon API the dispatcher uses. *rpc.Client satisfies it.
type Daemon interface {
	ListSessions(ctx context.Context) (*rpc.ListSessionsResponse, error)
	FetchApprovals(ctx context.Context, sessionID string) ([]models.Approval, error)
	GetApproval(ctx context.Context, approvalID string) (*models.Approval, error)
	SendDecision(ctx context.Context, approvalID string, decision models.Decision, comment string) error
}

// ReasonFunc produces the comment sent when the caller gives none
type ReasonFunc func(approval models.Approval, decision models.Decision) string

// Dispatcher resolves targets and submits decisions
type Dispatcher struct {
	daemon        Daemon
	logger        *slog.Logger
	defaultReason ReasonFunc
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithDefaultReason fills in the comment when Resolve is called without one
func WithDefaultReason(fn ReasonFunc) Option {
	return func(d *Dispatcher) { d.defaultReason = fn }
}

func New(daemon Daemon, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		daemon: daemon,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result describes a decision the daemon accepted
type Result struct {
	Approval models.Approval // as fetched, before the decision
	Decision models.Decision
	Reason   string
}

// PendingApprovals returns pending approvals of sessions in waiting_input,
// newest first. This is one listSessions call plus one fetchApprovals call
// per waiting session.
func (d *Dispatcher) PendingApprovals(ctx context.Context) ([]models.Approval, error) {
	resp, err := d.daemon.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var pending []models.Approval
	for _, sess := range resp.Sessions {
		if sess.Status != models.SessionWaitingInput {
			continue
		}
		approvals, err := d.daemon.FetchApprovals(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch approvals for session %s: %w", sess.ID, err)
		}
		for _, a := range approvals {
			if a.IsPending() {
				pending = append(pending, a)
			}
		}
	}

	store.SortNewestFirst(pending)
	return pending, nil
}

// Select finds the approval target refers to and checks it is still pending.
// target is an approval id or LastTarget.
func (d *Dispatcher) Select(ctx context.Context, target string) (*models.Approval, error) {
	if target == LastTarget {
		pending, err := d.PendingApprovals(ctx)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			return nil, ErrNoPendingApprovals
		}
		return &pending[0], nil
	}

	approval, err := d.daemon.GetApproval(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch approval %s: %w", target, err)
	}
	if !approval.IsPending() {
		return nil, &AlreadyResolvedError{
			ApprovalID: approval.ID,
			SessionID:  approval.SessionID,
			Status:     approval.Status,
		}
	}
	return approval, nil
}

// Resolve selects the target approval and submits decision for it. The
// decision is sent exactly once; a rejection is returned, never retried.
func (d *Dispatcher) Resolve(ctx context.Context, target string, decision models.Decision, reason string) (*Result, error) {
	if _, err := models.ParseDecision(string(decision)); err != nil {
		return nil, err
	}

	approval, err := d.Select(ctx, target)
	if err != nil {
		return nil, err
	}
	return d.Decide(ctx, *approval, decision, reason)
}

// Decide submits decision for an approval already selected
func (d *Dispatcher) Decide(ctx context.Context, approval models.Approval, decision models.Decision, reason string) (*Result, error) {
	if reason == "" && d.defaultReason != nil {
		reason = d.defaultReason(approval, decision)
	}

	err := d.daemon.SendDecision(ctx, approval.ID, decision, reason)
	if err != nil {
		if errors.Is(err, rpc.ErrInvalidState) {
			raced := &AlreadyResolvedError{
				ApprovalID: approval.ID,
				SessionID:  approval.SessionID,
				Raced:      true,
				Err:        err,
			}
			// Best effort: report what it was resolved to
			if current, gerr := d.daemon.GetApproval(ctx, approval.ID); gerr == nil {
				raced.Status = current.Status
			}
			d.logger.Warn("decision lost a race",
				"approval_id", approval.ID,
				"session_id", approval.SessionID,
				"status", raced.Status)
			return nil, raced
		}
		return nil, fmt.Errorf("failed to send %s for approval %s: %w", decision, approval.ID, err)
	}

	d.logger.Info("decision recorded",
		"approval_id", approval.ID,
		"session_id", approval.SessionID,
		"tool", approval.ToolName,
		"decision", decision)

	return &Result{Approval: approval, Decision: decision, Reason: reason}, nil
}
