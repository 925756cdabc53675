package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/neilberkman/ccgate/internal/core/config"
	"github.com/neilberkman/ccgate/internal/core/dispatch"
)

var (
	flags       config.Flags
	verbose     bool
	versionInfo string

	// cfg is resolved once in PersistentPreRunE
	cfg *config.Config
)

// SetVersion sets the version information from build-time ldflags
func SetVersion(version, commit, date string) {
	versionInfo = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	rootCmd.Version = versionInfo
}

// Execute runs the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Nothing to decide is a normal outcome
		if errors.Is(err, dispatch.ErrNoPendingApprovals) {
			fmt.Println(noticeStyle.Render("No pending approvals"))
			return
		}
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ccgate",
	Short: "Approval gate for supervised agent sessions",
	Long: `ccgate - watch agent sessions and decide their pending approvals

Talks to the local session daemon over its unix socket: lists sessions and
approvals, reconstructs a session's timeline, and sends approve/deny
decisions on behalf of a human.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		loaded, err := config.Load(flags)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to TUI if no subcommand specified
		return tuiCmd.RunE(cmd, args)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "Config file (default $XDG_CONFIG_HOME/ccgate/config.toml)")
	pf.StringVar(&flags.DaemonSocket, "daemon-socket", "", "Daemon socket path (default ~/.humanlayer/daemon.sock)")
	pf.StringVar(&flags.CallTimeout, "timeout", "", "Per-call daemon timeout, e.g. 10s (default 30s)")
	pf.StringVar(&flags.CacheDB, "cache-db", "", "Snapshot cache database (default $XDG_CONFIG_HOME/ccgate/cache.db)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Debug logging on stderr")
}
