// Package store keeps the client's cached view of daemon sessions and approvals.
//
// The cache is a Snapshot replaced wholesale by Refresh. Readers take the
// current pointer and never lock; a Snapshot is never mutated once published.
// A failed refresh leaves the previous snapshot in place.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
)

// Source is the part of the daemon API a refresh needs. *rpc.Client satisfies it.
type Source interface {
	ListSessions(ctx context.Context) (*rpc.ListSessionsResponse, error)
	FetchApprovals(ctx context.Context, sessionID string) ([]models.Approval, error)
}

// Persister writes published snapshots somewhere durable
type Persister interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
}

// Snapshot is one consistent read of the daemon
type Snapshot struct {
	Sessions  []models.Session
	Approvals map[string][]models.Approval // keyed by session id
	FetchedAt time.Time
}

// Session looks up a session by id
func (s *Snapshot) Session(id string) (models.Session, bool) {
	for _, sess := range s.Sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return models.Session{}, false
}

// ApprovalsFor returns the approvals recorded for one session
func (s *Snapshot) ApprovalsFor(sessionID string) []models.Approval {
	return s.Approvals[sessionID]
}

// Store holds the current snapshot and the status-change log
type Store struct {
	current   atomic.Pointer[Snapshot]
	refreshMu sync.Mutex

	persister Persister
	events    *EventLog
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Store)

// WithPersister saves every published snapshot
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source used to stamp snapshots
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEventLog replaces the default status-change log
func WithEventLog(log *EventLog) Option {
	return func(s *Store) { s.events = log }
}

func New(opts ...Option) *Store {
	s := &Store{
		events: NewEventLog(DefaultEventLogLimit),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh reads every session and its approvals from src and publishes the
// result as the new snapshot. This costs one listSessions call plus one
// fetchApprovals call per session. On any error the current snapshot is kept.
func (s *Store) Refresh(ctx context.Context, src Source) (*Snapshot, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	start := s.now()
	resp, err := src.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	snap := &Snapshot{
		Sessions:  make([]models.Session, len(resp.Sessions)),
		Approvals: make(map[string][]models.Approval, len(resp.Sessions)),
	}
	copy(snap.Sessions, resp.Sessions)

	approvalCount := 0
	for _, sess := range snap.Sessions {
		approvals, err := src.FetchApprovals(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch approvals for session %s: %w", sess.ID, err)
		}
		if len(approvals) > 0 {
			snap.Approvals[sess.ID] = approvals
			approvalCount += len(approvals)
		}
	}
	snap.FetchedAt = s.now()

	s.current.Store(snap)
	s.logger.Debug("snapshot refreshed",
		"sessions", len(snap.Sessions),
		"approvals", approvalCount,
		"duration", snap.FetchedAt.Sub(start))

	if s.persister != nil {
		if err := s.persister.SaveSnapshot(ctx, snap); err != nil {
			s.logger.Warn("failed to persist snapshot", "error", err)
		}
	}
	return snap, nil
}

// Load publishes a snapshot read from elsewhere, such as the on-disk cache
func (s *Store) Load(snap *Snapshot) {
	if snap == nil {
		return
	}
	if snap.Approvals == nil {
		snap.Approvals = map[string][]models.Approval{}
	}
	s.current.Store(snap)
}

// Snapshot returns the current snapshot. Before the first refresh it is empty
// with a zero FetchedAt.
func (s *Store) Snapshot() *Snapshot {
	if snap := s.current.Load(); snap != nil {
		return snap
	}
	return &Snapshot{Approvals: map[string][]models.Approval{}}
}

// Events is the log of status changes observed on the daemon event stream
func (s *Store) Events() *EventLog {
	return s.events
}

// SessionFilter selects sessions. Zero values match everything.
type SessionFilter struct {
	Status          models.SessionStatus
	Since           time.Time // last activity at or after
	Limit           int
	IncludeArchived bool
}

// Sessions returns matching sessions, most recently active first
func (s *Store) Sessions(f SessionFilter) []models.Session {
	snap := s.Snapshot()
	var out []models.Session
	for _, sess := range snap.Sessions {
		if f.Status != "" && sess.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && lastActivity(sess).Before(f.Since) {
			continue
		}
		if sess.Archived && !f.IncludeArchived {
			continue
		}
		out = append(out, sess)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := lastActivity(out[i]), lastActivity(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Session returns one session from the current snapshot
func (s *Store) Session(id string) (models.Session, bool) {
	return s.Snapshot().Session(id)
}

// ApprovalFilter selects approvals. Zero values match everything.
type ApprovalFilter struct {
	SessionID   string
	PendingOnly bool
	Limit       int
}

// Approvals returns matching approvals, newest first
func (s *Store) Approvals(f ApprovalFilter) []models.Approval {
	snap := s.Snapshot()

	var out []models.Approval
	collect := func(approvals []models.Approval) {
		for _, a := range approvals {
			if f.PendingOnly && !a.IsPending() {
				continue
			}
			out = append(out, a)
		}
	}
	if f.SessionID != "" {
		collect(snap.Approvals[f.SessionID])
	} else {
		for _, sess := range snap.Sessions {
			collect(snap.Approvals[sess.ID])
		}
	}

	SortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// PendingApprovals returns every pending approval, newest first
func (s *Store) PendingApprovals() []models.Approval {
	return s.Approvals(ApprovalFilter{PendingOnly: true})
}

// SortNewestFirst orders approvals by creation time descending, then by id
func SortNewestFirst(approvals []models.Approval) {
	sort.SliceStable(approvals, func(i, j int) bool {
		if !approvals[i].CreatedAt.Equal(approvals[j].CreatedAt) {
			return approvals[i].CreatedAt.After(approvals[j].CreatedAt)
		}
		return approvals[i].ID < approvals[j].ID
	})
}

func lastActivity(s models.Session) time.Time {
	if s.LastActivityAt.IsZero() {
		return s.CreatedAt
	}
	return s.LastActivityAt
}
