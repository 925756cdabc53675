package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/neilberkman/ccgate/internal/core/dispatch"
	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/store"
	"github.com/neilberkman/ccgate/internal/interface/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive approvals inbox",
	Long:  "Launch a terminal UI listing pending approvals, with session timelines and approve/deny keys",
	Args:  cobra.NoArgs,
	RunE:  runTUI,
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a := currentApp()
	w, cleanup := a.newWatcher()
	defer cleanup()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	p := tea.NewProgram(
		tui.New(tuiBackend{app: a, events: w.Store().Events()}, w.Updates()),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := p.Run()

	cancel()
	// Drain so the watcher can exit
	for range w.Updates() {
	}
	<-done

	if err != nil {
		return fmt.Errorf("failed to run TUI: %w", err)
	}
	return nil
}

// tuiBackend serves the inbox with one fresh connection per action
type tuiBackend struct {
	app *app

	// events is the running watcher's status-change log
	events *store.EventLog
}

func (b tuiBackend) Detail(ctx context.Context, sessionID string) (*tui.Detail, error) {
	client, err := b.app.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	view, err := b.app.lookupSession(ctx, client, sessionID, b.events)
	if err != nil {
		return nil, err
	}
	return &tui.Detail{
		Session:   view.Session,
		Approvals: view.Approvals,
		Timeline:  *view.Timeline,
	}, nil
}

func (b tuiBackend) Decide(ctx context.Context, approval models.Approval, decision models.Decision, reason string) (*dispatch.Result, error) {
	client, err := b.app.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	return b.app.dispatcher(client).Decide(ctx, approval, decision, reason)
}
