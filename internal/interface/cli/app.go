package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/neilberkman/ccgate/internal/core/config"
	"github.com/neilberkman/ccgate/internal/core/db"
	"github.com/neilberkman/ccgate/internal/core/dispatch"
	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
	"github.com/neilberkman/ccgate/internal/core/store"
	"github.com/neilberkman/ccgate/internal/core/timeline"
	"github.com/neilberkman/ccgate/internal/core/transport"
)

// app bundles what every command needs from the resolved config
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	connector *transport.Connector
}

func newApp(c *config.Config, logger *slog.Logger) *app {
	return &app{
		cfg:    c,
		logger: logger,
		connector: transport.NewConnector(
			transport.WithMaxElapsed(c.ConnectTimeout),
			transport.WithLogger(logger),
		),
	}
}

// currentApp builds an app from the config loaded by the root command
func currentApp() *app {
	return newApp(cfg, slog.Default())
}

// dial opens a fresh daemon connection. Callers close it.
func (a *app) dial(ctx context.Context) (*rpc.Client, error) {
	return rpc.Dial(ctx, a.connector, a.cfg.DaemonSocket,
		rpc.WithTimeout(a.cfg.CallTimeout),
		rpc.WithLogger(a.logger))
}

// openCache opens the snapshot cache, creating its directory if needed
func (a *app) openCache() (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.CacheDB), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return db.New(a.cfg.CacheDB)
}

// dispatcher builds a Dispatcher whose default comments come from config
func (a *app) dispatcher(client dispatch.Daemon) *dispatch.Dispatcher {
	return dispatch.New(client,
		dispatch.WithLogger(a.logger),
		dispatch.WithDefaultReason(a.cfg.Reason))
}

// loadStore fills a Store from the daemon, or from the cache when cached is
// set. Live refreshes are written through to the cache; a cache that cannot
// be opened only costs that write.
func (a *app) loadStore(ctx context.Context, cached bool) (*store.Store, error) {
	if cached {
		cache, err := a.openCache()
		if err != nil {
			return nil, err
		}
		defer func() { _ = cache.Close() }()

		snap, err := cache.LoadSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load cached snapshot: %w", err)
		}
		if snap == nil {
			return nil, fmt.Errorf("no cached snapshot in %s; run without --cached first", a.cfg.CacheDB)
		}
		st := store.New(store.WithLogger(a.logger))
		st.Load(snap)
		return st, nil
	}

	opts := []store.Option{store.WithLogger(a.logger)}
	if cache, err := a.openCache(); err != nil {
		a.logger.Warn("snapshot cache unavailable", "path", a.cfg.CacheDB, "error", err)
	} else {
		defer func() { _ = cache.Close() }()
		opts = append(opts, store.WithPersister(cache))
	}

	client, err := a.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	st := store.New(opts...)
	if _, err := st.Refresh(ctx, client); err != nil {
		return nil, err
	}
	return st, nil
}

// sessionView is everything shown for one session
type sessionView struct {
	Session   models.Session             `json:"session"`
	Approvals []models.Approval          `json:"approvals"`
	Events    []models.ConversationEvent `json:"events,omitempty"`
	Timeline  *timeline.Result           `json:"timeline,omitempty"`
}

// lookupSession fetches one session with its approvals and conversation and
// reconciles its timeline. Status changes come from the cache, where the
// watch loop records them, plus live when a watcher is running in-process.
func (a *app) lookupSession(ctx context.Context, client *rpc.Client, sessionID string, live *store.EventLog) (*sessionView, error) {
	if sessionID == "last" {
		id, err := latestSessionID(ctx, client)
		if err != nil {
			return nil, err
		}
		sessionID = id
	}

	sess, err := client.GetSessionState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	approvals, err := client.FetchApprovals(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch approvals: %w", err)
	}
	conv, err := client.GetConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var changes []models.StatusChange
	if cache, err := a.openCache(); err != nil {
		a.logger.Warn("snapshot cache unavailable", "path", a.cfg.CacheDB, "error", err)
	} else {
		changes, err = cache.StatusChanges(ctx, sessionID)
		if err != nil {
			a.logger.Warn("failed to read recorded status changes", "session_id", sessionID, "error", err)
		}
		_ = cache.Close()
	}
	if live != nil {
		changes = mergeStatusChanges(changes, live.StatusChanges(sessionID))
	}

	result := timeline.Reconcile(timeline.Input{
		Session:       *sess,
		Events:        conv.Events,
		Approvals:     approvals,
		StatusChanges: changes,
	})

	return &sessionView{
		Session:   *sess,
		Approvals: approvals,
		Events:    conv.Events,
		Timeline:  &result,
	}, nil
}

// mergeStatusChanges joins recorded and live changes, dropping changes seen in both
func mergeStatusChanges(recorded, live []models.StatusChange) []models.StatusChange {
	type key struct {
		at       int64
		from, to models.SessionStatus
	}
	seen := make(map[key]bool, len(recorded))
	out := append([]models.StatusChange(nil), recorded...)
	for _, c := range recorded {
		seen[key{c.At.UnixNano(), c.From, c.To}] = true
	}
	for _, c := range live {
		k := key{c.At.UnixNano(), c.From, c.To}
		if !seen[k] {
			seen[k] = true
			out = append(out, c)
		}
	}
	return out
}

// latestSessionID returns the most recently created session
func latestSessionID(ctx context.Context, client *rpc.Client) (string, error) {
	resp, err := client.ListSessions(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(resp.Sessions) == 0 {
		return "", fmt.Errorf("no sessions found")
	}
	latest := resp.Sessions[0]
	for _, s := range resp.Sessions[1:] {
		if s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest.ID, nil
}
