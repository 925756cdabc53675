package store

import (
	"sort"
	"sync"

	"github.com/neilberkman/ccgate/internal/core/models"
)

// DefaultEventLogLimit is how many status changes are kept per session
const DefaultEventLogLimit = 256

// EventLog records the session status changes the daemon actually
// published. It is bounded per session; the oldest entries go first.
type EventLog struct {
	mu        sync.RWMutex
	limit     int
	bySession map[string][]models.StatusChange
}

func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = DefaultEventLogLimit
	}
	return &EventLog{
		limit:     limit,
		bySession: make(map[string][]models.StatusChange),
	}
}

// Append records a change. Redelivered duplicates are ignored, so a
// resubscription that replays recent events is harmless.
func (l *EventLog) Append(change models.StatusChange) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	changes := l.bySession[change.SessionID]
	for _, c := range changes {
		if c.At.Equal(change.At) && c.From == change.From && c.To == change.To {
			return false
		}
	}

	changes = append(changes, change)
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].At.Before(changes[j].At)
	})
	if len(changes) > l.limit {
		changes = append([]models.StatusChange(nil), changes[len(changes)-l.limit:]...)
	}
	l.bySession[change.SessionID] = changes
	return true
}

// StatusChanges returns a copy of the changes recorded for a session, oldest first
func (l *EventLog) StatusChanges(sessionID string) []models.StatusChange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	changes := l.bySession[sessionID]
	if len(changes) == 0 {
		return nil
	}
	out := make([]models.StatusChange, len(changes))
	copy(out, changes)
	return out
}

// All returns every recorded change, oldest first
func (l *EventLog) All() []models.StatusChange {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.StatusChange
	for _, changes := range l.bySession {
		out = append(out, changes...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}
