package rpc

import (
	"context"
	"fmt"

	"github.com/neilberkman/ccgate/internal/core/models"
)

// Daemon method names
const (
	MethodListSessions    = "listSessions"
	MethodFetchApprovals  = "fetchApprovals"
	MethodGetApproval     = "getApproval"
	MethodSendDecision    = "sendDecision"
	MethodGetConversation = "getConversation"
	MethodGetSessionState = "getSessionState"
	MethodSubscribe       = "Subscribe"
)

type ListSessionsResponse struct {
	Sessions []models.Session `json:"sessions"`
}

type sessionParams struct {
	SessionID string `json:"session_id"`
}

type approvalParams struct {
	ApprovalID string `json:"approval_id"`
}

type fetchApprovalsResponse struct {
	Approvals []models.Approval `json:"approvals"`
}

type getApprovalResponse struct {
	Approval *models.Approval `json:"approval"`
}

type sendDecisionParams struct {
	ApprovalID string          `json:"approval_id"`
	Decision   models.Decision `json:"decision"`
	Comment    string          `json:"comment,omitempty"`
}

type sendDecisionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ConversationResponse is a session's recorded conversation, oldest first
type ConversationResponse struct {
	Events []models.ConversationEvent `json:"events"`
}

type sessionStateResponse struct {
	Session *models.Session `json:"session"`
}

// ListSessions returns every session the daemon knows about
func (c *Client) ListSessions(ctx context.Context) (*ListSessionsResponse, error) {
	resp, err := Call[ListSessionsResponse](ctx, c, MethodListSessions, struct{}{})
	if err != nil {
		return nil, err
	}
	for i := range resp.Sessions {
		if err := resp.Sessions[i].Validate(); err != nil {
			return nil, malformed(MethodListSessions, err)
		}
	}
	return &resp, nil
}

// FetchApprovals returns the approvals recorded for a session. The daemon
// reports "none" as null; that comes back as a nil slice with no error.
func (c *Client) FetchApprovals(ctx context.Context, sessionID string) ([]models.Approval, error) {
	resp, err := Call[fetchApprovalsResponse](ctx, c, MethodFetchApprovals, sessionParams{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	for i := range resp.Approvals {
		if err := resp.Approvals[i].Validate(); err != nil {
			return nil, malformed(MethodFetchApprovals, err)
		}
	}
	return resp.Approvals, nil
}

// GetApproval returns one approval by id
func (c *Client) GetApproval(ctx context.Context, approvalID string) (*models.Approval, error) {
	resp, err := Call[getApprovalResponse](ctx, c, MethodGetApproval, approvalParams{ApprovalID: approvalID})
	if err != nil {
		return nil, err
	}
	if resp.Approval == nil {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if err := resp.Approval.Validate(); err != nil {
		return nil, malformed(MethodGetApproval, err)
	}
	return resp.Approval, nil
}

// SendDecision submits a decision for a pending approval. A rejection because
// the approval was already resolved matches ErrInvalidState.
func (c *Client) SendDecision(ctx context.Context, approvalID string, decision models.Decision, comment string) error {
	if _, err := models.ParseDecision(string(decision)); err != nil {
		return err
	}

	resp, err := Call[sendDecisionResponse](ctx, c, MethodSendDecision, sendDecisionParams{
		ApprovalID: approvalID,
		Decision:   decision,
		Comment:    comment,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "decision not accepted"
		}
		return &Error{Method: MethodSendDecision, Message: msg}
	}

	c.logger.Info("decision sent", "approval_id", approvalID, "decision", decision)
	return nil
}

// GetConversation returns the recorded conversation for a session
func (c *Client) GetConversation(ctx context.Context, sessionID string) (*ConversationResponse, error) {
	resp, err := Call[ConversationResponse](ctx, c, MethodGetConversation, sessionParams{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	for i := range resp.Events {
		if err := resp.Events[i].Validate(); err != nil {
			return nil, malformed(MethodGetConversation, err)
		}
	}
	return &resp, nil
}

// GetSessionState returns the daemon's current view of one session
func (c *Client) GetSessionState(ctx context.Context, sessionID string) (*models.Session, error) {
	resp, err := Call[sessionStateResponse](ctx, c, MethodGetSessionState, sessionParams{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err := resp.Session.Validate(); err != nil {
		return nil, malformed(MethodGetSessionState, err)
	}
	return resp.Session, nil
}
