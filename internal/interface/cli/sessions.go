package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/store"
	"github.com/neilberkman/ccgate/internal/core/timeline"
)

var (
	listStatus string
	listSince  string
	listLimit  int
	listCached bool
	listAll    bool

	showTimeline bool
	showMessages bool
	showAll      bool
	showJSON     bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"s"},
	Short:   "List and inspect daemon sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Long: `List sessions known to the daemon, most recently active first.

Examples:
  ccgate sessions list
  ccgate sessions list --status waiting_input
  ccgate sessions list --since "2 hours ago" --limit 5
  ccgate sessions list --cached`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id|last>",
	Short: "Show one session",
	Long: `Show a session's details.

--timeline reconstructs the session's lifecycle from its approvals,
conversation and recorded status changes, and lists anything that looks
inconsistent. Status changes are only known for periods when 'ccgate watch'
or the TUI was running.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsShow,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)

	sessionsListCmd.Flags().StringVar(&listStatus, "status", "", "Only sessions with this status")
	sessionsListCmd.Flags().StringVar(&listSince, "since", "", `Only sessions active since, e.g. "2 hours ago" or 2025-06-01`)
	sessionsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of sessions (0 for all)")
	sessionsListCmd.Flags().BoolVar(&listCached, "cached", false, "Read the last cached snapshot instead of the daemon")
	sessionsListCmd.Flags().BoolVar(&listAll, "archived", false, "Include archived sessions")

	sessionsShowCmd.Flags().BoolVar(&showTimeline, "timeline", false, "Show the reconciled timeline")
	sessionsShowCmd.Flags().BoolVar(&showMessages, "messages", false, "Show conversation messages")
	sessionsShowCmd.Flags().BoolVar(&showAll, "all", false, "Show timeline and full messages")
	sessionsShowCmd.Flags().BoolVar(&showJSON, "json", false, "Print JSON")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	filter := store.SessionFilter{
		Status:          models.SessionStatus(listStatus),
		Limit:           listLimit,
		IncludeArchived: listAll,
	}
	if listStatus != "" && !filter.Status.IsKnown() {
		return fmt.Errorf("unknown status %q", listStatus)
	}
	since, err := parseSince(listSince, time.Now())
	if err != nil {
		return err
	}
	filter.Since = since

	st, err := currentApp().loadStore(cmd.Context(), listCached)
	if err != nil {
		return err
	}

	snap := st.Snapshot()
	sessions := st.Sessions(filter)
	printSessions(cmd.OutOrStdout(), sessions, snap)
	if listCached {
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("Cached snapshot from "+formatTimestamp(snap.FetchedAt)))
	}
	return nil
}

func printSessions(w io.Writer, sessions []models.Session, snap *store.Snapshot) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, noticeStyle.Render("No sessions found"))
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Found %s:", plural(len(sessions), "session"))))
	fmt.Fprintln(w)

	for _, s := range sessions {
		fmt.Fprintln(w, headerStyle.Render("ID: "+s.ID))
		fmt.Fprintf(w, "  Status: %s", sessionStatusStyle(s.Status).Render(string(s.Status)))
		if n := countPending(snap.ApprovalsFor(s.ID)); n > 0 {
			fmt.Fprintf(w, " (%s pending)", plural(n, "approval"))
		}
		fmt.Fprintln(w)
		if name := s.DisplayName(); name != "" {
			fmt.Fprintf(w, "  Query: %s\n", quoteStyle.Render(truncate(name, 60)))
		}
		if s.Model != "" {
			fmt.Fprintf(w, "  Model: %s\n", s.Model)
		}
		if s.WorkingDir != "" {
			fmt.Fprintf(w, "  Dir: %s\n", s.WorkingDir)
		}
		fmt.Fprintf(w, "  Created: %s\n", formatTimestamp(s.CreatedAt))
		if !s.LastActivityAt.IsZero() {
			fmt.Fprintf(w, "  Active: %s\n", formatTimestamp(s.LastActivityAt))
		}
		fmt.Fprintln(w)
	}
}

func countPending(approvals []models.Approval) int {
	n := 0
	for _, a := range approvals {
		if a.IsPending() {
			n++
		}
	}
	return n
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a := currentApp()

	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	view, err := a.lookupSession(ctx, client, args[0], nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if showJSON {
		if !showTimeline && !showAll {
			view.Timeline = nil
		}
		if !showMessages && !showAll {
			view.Events = nil
		}
		return writeJSON(out, view)
	}

	printSessionDetail(out, view.Session)
	if showTimeline || showAll {
		printTimeline(out, view.Timeline)
	}
	if showMessages || showAll {
		printMessages(out, view.Events, !showAll)
	}
	return nil
}

func printSessionDetail(w io.Writer, s models.Session) {
	fmt.Fprintln(w, headerStyle.Render("Session: "+s.ID))
	fmt.Fprintf(w, "Status: %s\n", sessionStatusStyle(s.Status).Render(string(s.Status)))
	if s.Model != "" {
		fmt.Fprintf(w, "Model: %s\n", s.Model)
	}
	if s.WorkingDir != "" {
		fmt.Fprintf(w, "Dir: %s\n", s.WorkingDir)
	}
	if s.ParentSessionID != "" {
		fmt.Fprintf(w, "Parent: %s\n", s.ParentSessionID)
	}
	fmt.Fprintf(w, "Created: %s\n", formatTimestamp(s.CreatedAt))
	if !s.LastActivityAt.IsZero() {
		fmt.Fprintf(w, "Last Activity: %s\n", formatTimestamp(s.LastActivityAt))
	}
	if s.CompletedAt != nil {
		fmt.Fprintf(w, "Completed: %s\n", formatTimestamp(*s.CompletedAt))
	}
	if s.CostUSD != nil {
		fmt.Fprintf(w, "Cost: $%.4f\n", *s.CostUSD)
	}
	if s.TotalTokens != nil {
		fmt.Fprintf(w, "Tokens: %s\n", humanize.Comma(*s.TotalTokens))
	}
	if s.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", errorStyle.Render(s.ErrorMessage))
	}
	if s.Query != "" {
		fmt.Fprintf(w, "Query: %s\n", quoteStyle.Render(s.Query))
	}
	fmt.Fprintln(w)
}

func printTimeline(w io.Writer, r *timeline.Result) {
	fmt.Fprintln(w, headerStyle.Render("Timeline:"))
	for _, e := range r.Entries {
		fmt.Fprintln(w, timelineLine(e))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Anomalies:"))
	if !r.HasAnomalies() {
		fmt.Fprintln(w, dimStyle.Render("- None detected"))
		return
	}
	for _, an := range r.Anomalies {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("- [%s] %s %s", an.Kind, an.At.Local().Format("15:04:05"), an.Message)))
	}
}

func timelineLine(e timeline.Entry) string {
	var detail string
	switch e.Kind {
	case timeline.KindSessionStarted:
		detail = "Session created"
	case timeline.KindStatusChanged:
		detail = fmt.Sprintf("%s → %s", e.From, e.To)
	case timeline.KindApprovalNeeded:
		detail = "Tool: " + toolStyle.Render(e.Tool)
		if e.ApprovalID != "" {
			detail += dimStyle.Render(" (" + e.ApprovalID + ")")
		}
	case timeline.KindApprovalResolved:
		detail = approvalStatusStyle(e.Decision).Render(capitalize(string(e.Decision))) + " " + toolStyle.Render(e.Tool)
	case timeline.KindSessionCompleted:
		detail = "Session finished"
	}
	if e.Inferred {
		detail += dimStyle.Render(" (inferred)")
	}
	return fmt.Sprintf("%s %s [%s] %s",
		e.At.Local().Format("15:04:05"),
		e.Symbol(),
		strings.ToUpper(e.Kind.String()),
		detail)
}

func printMessages(w io.Writer, events []models.ConversationEvent, short bool) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render("Messages:"))

	n := 0
	for _, e := range events {
		if e.Kind() != models.EventKindMessage {
			continue
		}
		n++
		role := dimStyle.Render("System")
		switch e.Role {
		case models.RoleUser:
			role = toolStyle.Render("User")
		case models.RoleAssistant:
			role = okStyle.Render("Assistant")
		}
		content := e.Content
		if content == "" {
			content = "[no content]"
		}
		if short {
			content = truncate(content, 200)
		}
		fmt.Fprintf(w, "%d. %s: %s\n", n, role, content)
	}
	if n == 0 {
		fmt.Fprintln(w, dimStyle.Render("No messages found"))
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
