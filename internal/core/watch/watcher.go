// Package watch keeps a Store current while a long-running view is open.
//
// A Watcher refreshes the store on a fixed interval and holds a subscription
// to the daemon event stream. Status changes from the stream go into the
// store's event log (and an optional Recorder); approval events trigger an
// immediate refresh. Every refresh and status change is reported on Updates.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
	"github.com/neilberkman/ccgate/internal/core/store"
	"github.com/neilberkman/ccgate/internal/core/transport"
)

const (
	DefaultInterval = 2 * time.Second

	// resubscribeMaxInterval caps the wait between subscription attempts
	resubscribeMaxInterval = 30 * time.Second
)

// Recorder persists status changes seen on the event stream
type Recorder interface {
	RecordStatusChange(ctx context.Context, change models.StatusChange) error
}

// Update is one observation from the watcher. Exactly one of Snapshot,
// StatusChange and Err is set.
type Update struct {
	Snapshot     *store.Snapshot
	NewPending   []models.Approval // pending approvals not in any earlier snapshot
	StatusChange *models.StatusChange
	Err          error
}

// Stats tracks watcher activity
type Stats struct {
	StartTime     time.Time
	Refreshes     int
	LastRefresh   time.Time
	StatusChanges int
	Errors        int
}

// Watcher drives periodic refreshes and the event subscription
type Watcher struct {
	store       *store.Store
	connector   *transport.Connector
	socketPath  string
	interval    time.Duration
	callTimeout time.Duration
	recorder    Recorder
	logger      *slog.Logger

	updates chan Update
	kick    chan struct{}

	// seen is only touched by the refresh loop
	seen map[string]bool

	statsMu sync.Mutex
	stats   Stats
}

type Option func(*Watcher)

// WithInterval sets the time between refreshes
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// WithCallTimeout bounds each daemon call
func WithCallTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.callTimeout = d }
}

func WithRecorder(r Recorder) Option {
	return func(w *Watcher) { w.recorder = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New creates a watcher for the daemon at socketPath
func New(st *store.Store, connector *transport.Connector, socketPath string, opts ...Option) *Watcher {
	w := &Watcher{
		store:       st,
		connector:   connector,
		socketPath:  socketPath,
		interval:    DefaultInterval,
		callTimeout: rpc.DefaultTimeout,
		logger:      slog.Default(),
		updates:     make(chan Update, 16),
		kick:        make(chan struct{}, 1),
		seen:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Store is the store the watcher refreshes and appends status changes to
func (w *Watcher) Store() *store.Store {
	return w.store
}

// Updates delivers observations until Run returns. Callers must drain it.
func (w *Watcher) Updates() <-chan Update {
	return w.updates
}

// Stats returns a copy of the current counters
func (w *Watcher) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// Run refreshes until ctx is cancelled, then closes Updates. Refresh and
// subscription failures are reported as updates; Run itself only returns
// nil.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.updates)

	w.statsMu.Lock()
	w.stats.StartTime = time.Now()
	w.statsMu.Unlock()

	w.logger.Debug("watcher starting", "socket", w.socketPath, "interval", w.interval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.subscribe(ctx)
	}()
	defer wg.Wait()

	w.refresh(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("watcher shutting down")
			return nil
		case <-ticker.C:
			w.refresh(ctx)
		case <-w.kick:
			w.refresh(ctx)
		}
	}
}

// refresh runs one store refresh over a fresh connection
func (w *Watcher) refresh(ctx context.Context) {
	snap, err := w.refreshOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("refresh failed", "error", err)
		w.countError()
		w.emit(ctx, Update{Err: err})
		return
	}

	var fresh []models.Approval
	for _, approvals := range snap.Approvals {
		for _, a := range approvals {
			if a.IsPending() && !w.seen[a.ID] {
				fresh = append(fresh, a)
			}
			w.seen[a.ID] = true
		}
	}
	store.SortNewestFirst(fresh)

	w.statsMu.Lock()
	w.stats.Refreshes++
	w.stats.LastRefresh = snap.FetchedAt
	w.statsMu.Unlock()

	w.emit(ctx, Update{Snapshot: snap, NewPending: fresh})
}

func (w *Watcher) refreshOnce(ctx context.Context) (*store.Snapshot, error) {
	client, err := rpc.Dial(ctx, w.connector, w.socketPath, rpc.WithTimeout(w.callTimeout), rpc.WithLogger(w.logger))
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()
	return w.store.Refresh(ctx, client)
}

// subscribe keeps an event subscription open, reconnecting with backoff
// whenever the daemon goes away.
func (w *Watcher) subscribe(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = resubscribeMaxInterval
	policy.MaxElapsedTime = 0 // keep trying while the view is open

	for {
		err := w.stream(ctx, policy)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Debug("event subscription failed", "error", err)
		}

		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// stream runs one subscription until it ends
func (w *Watcher) stream(ctx context.Context, policy backoff.BackOff) error {
	client, err := rpc.Dial(ctx, w.connector, w.socketPath, rpc.WithTimeout(w.callTimeout), rpc.WithLogger(w.logger))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	events, err := client.Subscribe(ctx, rpc.SubscribeRequest{
		EventTypes: []string{
			rpc.EventSessionStatusChanged,
			rpc.EventNewApproval,
			rpc.EventApprovalResolved,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	policy.Reset()

	for ev := range events {
		switch ev.Type {
		case rpc.EventSessionStatusChanged:
			w.handleStatusChange(ctx, ev)
		case rpc.EventNewApproval, rpc.EventApprovalResolved:
			select {
			case w.kick <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func (w *Watcher) handleStatusChange(ctx context.Context, ev rpc.Event) {
	change, err := ev.StatusChange()
	if err != nil {
		w.logger.Warn("ignoring malformed status change", "error", err)
		return
	}
	if !w.store.Events().Append(*change) {
		return
	}
	if w.recorder != nil {
		if err := w.recorder.RecordStatusChange(ctx, *change); err != nil {
			w.logger.Warn("failed to record status change", "session_id", change.SessionID, "error", err)
		}
	}

	w.statsMu.Lock()
	w.stats.StatusChanges++
	w.statsMu.Unlock()

	w.logger.Debug("status change",
		"session_id", change.SessionID,
		"from", change.From,
		"to", change.To)
	w.emit(ctx, Update{StatusChange: change})
}

func (w *Watcher) emit(ctx context.Context, u Update) {
	select {
	case w.updates <- u:
	case <-ctx.Done():
	}
}

func (w *Watcher) countError() {
	w.statsMu.Lock()
	w.stats.Errors++
	w.statsMu.Unlock()
}
