package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neilberkman/ccgate/internal/core/store"
	"github.com/neilberkman/ccgate/internal/core/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow new approvals and status changes",
	Long: `Print new pending approvals and session status changes as they happen.

Status changes seen here are recorded in the cache database, which is what
'ccgate sessions show --timeline' compares approvals against. Stop with Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, cleanup := currentApp().newWatcher()
	defer cleanup()

	fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf("Watching %s (Ctrl-C to stop)", cfg.DaemonSocket)))
	return followUpdates(ctx, cmd.OutOrStdout(), w)
}

// newWatcher builds a watcher that persists to the cache when it can be opened
func (a *app) newWatcher() (*watch.Watcher, func()) {
	storeOpts := []store.Option{store.WithLogger(a.logger)}
	watchOpts := []watch.Option{
		watch.WithInterval(a.cfg.PollInterval),
		watch.WithCallTimeout(a.cfg.CallTimeout),
		watch.WithLogger(a.logger),
	}

	cleanup := func() {}
	if cache, err := a.openCache(); err != nil {
		a.logger.Warn("snapshot cache unavailable, status changes will not be recorded", "path", a.cfg.CacheDB, "error", err)
	} else {
		storeOpts = append(storeOpts, store.WithPersister(cache))
		watchOpts = append(watchOpts, watch.WithRecorder(cache))
		cleanup = func() { _ = cache.Close() }
	}

	st := store.New(storeOpts...)
	return watch.New(st, a.connector, a.cfg.DaemonSocket, watchOpts...), cleanup
}

// followUpdates runs w until ctx is done, printing what it reports
func followUpdates(ctx context.Context, out io.Writer, w *watch.Watcher) error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	first := true
	failing := false
	for u := range w.Updates() {
		switch {
		case u.Err != nil:
			// Only report the first failure of a streak
			if !failing {
				fmt.Fprintf(out, "%s %s\n", clock(time.Now()), errorStyle.Render("daemon unreachable: "+u.Err.Error()))
			}
			failing = true
		case u.Snapshot != nil:
			if failing {
				fmt.Fprintf(out, "%s %s\n", clock(time.Now()), okStyle.Render("daemon reachable again"))
				failing = false
			}
			if first {
				fmt.Fprintf(out, "%s %s, %s pending\n", clock(u.Snapshot.FetchedAt),
					plural(len(u.Snapshot.Sessions), "session"), plural(countAllPending(u.Snapshot), "approval"))
				first = false
			}
			for _, a := range u.NewPending {
				fmt.Fprintf(out, "%s %s %s %s session %s\n",
					clock(a.CreatedAt),
					noticeStyle.Render("APPROVAL NEEDED"),
					toolStyle.Render(a.ToolName),
					dimStyle.Render("("+a.ID+")"),
					a.SessionID)
			}
		case u.StatusChange != nil:
			c := u.StatusChange
			fmt.Fprintf(out, "%s %s %s → %s\n",
				clock(c.At),
				c.SessionID,
				sessionStatusStyle(c.From).Render(string(c.From)),
				sessionStatusStyle(c.To).Render(string(c.To)))
		}
	}
	return <-done
}

func countAllPending(snap *store.Snapshot) int {
	n := 0
	for _, approvals := range snap.Approvals {
		n += countPending(approvals)
	}
	return n
}

func clock(t time.Time) string {
	return dimStyle.Render(t.Local().Format("15:04:05"))
}
