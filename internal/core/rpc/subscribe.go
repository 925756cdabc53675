package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neilberkman/ccgate/internal/core/models"
)

// Event types published on the daemon's stream
const (
	EventSessionStatusChanged = "session_status_changed"
	EventNewApproval          = "new_approval"
	EventApprovalResolved     = "approval_resolved"
	eventHeartbeat            = "heartbeat"
)

const notificationMethod = "event"

// SubscribeRequest narrows the stream. Empty fields mean everything.
type SubscribeRequest struct {
	EventTypes []string `json:"event_types,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
}

type subscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

// Event is one notification from the daemon's stream
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// StatusChange decodes a session_status_changed event
func (e Event) StatusChange() (*models.StatusChange, error) {
	if e.Type != EventSessionStatusChanged {
		return nil, fmt.Errorf("event %q is not a status change", e.Type)
	}
	var data struct {
		SessionID string               `json:"session_id"`
		OldStatus models.SessionStatus `json:"old_status"`
		NewStatus models.SessionStatus `json:"new_status"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, malformed(MethodSubscribe, err)
	}
	change := &models.StatusChange{
		SessionID: data.SessionID,
		From:      data.OldStatus,
		To:        data.NewStatus,
		At:        e.Timestamp,
	}
	if err := change.Validate(); err != nil {
		return nil, malformed(MethodSubscribe, err)
	}
	return change, nil
}

// Subscribe turns the connection into an event stream. The handshake runs
// under the normal call timeout; afterwards the client accepts no further
// calls. The returned channel closes when ctx is cancelled or the daemon
// hangs up, and the connection is closed with it.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) (<-chan Event, error) {
	c.mu.Lock()
	raw, err := c.roundTrip(ctx, MethodSubscribe, req)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	var resp subscribeResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			c.discard()
			c.mu.Unlock()
			return nil, malformed(MethodSubscribe, err)
		}
	}
	c.streaming = true
	c.mu.Unlock()

	c.logger.Debug("subscribed to daemon events",
		"subscription_id", resp.SubscriptionID,
		"types", req.EventTypes,
		"session_id", req.SessionID)

	events := make(chan Event, 16)
	go c.stream(ctx, events)
	return events, nil
}

func (c *Client) stream(ctx context.Context, events chan<- Event) {
	defer close(events)
	defer func() { _ = c.conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		line, err := c.readLine()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				c.logger.Debug("event stream ended", "error", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("dropping undecodable event", "error", err)
			continue
		}
		if msg.Method != notificationMethod {
			continue
		}

		var ev Event
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			c.logger.Warn("dropping undecodable event", "error", err)
			continue
		}
		if ev.Type == eventHeartbeat {
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
