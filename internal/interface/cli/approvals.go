package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/neilberkman/ccgate/internal/core/dispatch"
	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
	"github.com/neilberkman/ccgate/internal/core/store"
)

var (
	approvalsSession string
	approvalsPending bool
	approvalsLimit   int
	approvalsCached  bool

	decisionReason string
)

var approvalsCmd = &cobra.Command{
	Use:     "approvals",
	Aliases: []string{"a"},
	Short:   "List approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approvals, newest first",
	Long: `List approval requests across all sessions, newest first.

Examples:
  ccgate approvals list --pending
  ccgate approvals list --session <id> --limit 5`,
	Args: cobra.NoArgs,
	RunE: runApprovalsList,
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id|last>",
	Short: "Approve a pending tool call",
	Long: `Approve a pending approval request.

"last" picks the newest pending approval of any session waiting for input.
Without --reason the configured approve_reason template is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecision(cmd, args[0], models.DecisionApprove)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <approval-id|last>",
	Short: "Deny a pending tool call",
	Long: `Deny a pending approval request.

"last" picks the newest pending approval of any session waiting for input.
Without --reason the configured deny_reason template is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecision(cmd, args[0], models.DecisionDeny)
	},
}

func init() {
	rootCmd.AddCommand(approvalsCmd, approveCmd, denyCmd)
	approvalsCmd.AddCommand(approvalsListCmd)

	approvalsListCmd.Flags().StringVar(&approvalsSession, "session", "", "Only approvals of this session")
	approvalsListCmd.Flags().BoolVar(&approvalsPending, "pending", false, "Only pending approvals")
	approvalsListCmd.Flags().IntVar(&approvalsLimit, "limit", 0, "Maximum number of approvals (0 for all)")
	approvalsListCmd.Flags().BoolVar(&approvalsCached, "cached", false, "Read the last cached snapshot instead of the daemon")

	approveCmd.Flags().StringVarP(&decisionReason, "reason", "r", "", "Comment sent with the decision")
	denyCmd.Flags().StringVarP(&decisionReason, "reason", "r", "", "Comment sent with the decision")
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	st, err := currentApp().loadStore(cmd.Context(), approvalsCached)
	if err != nil {
		return err
	}
	approvals := st.Approvals(store.ApprovalFilter{
		SessionID:   approvalsSession,
		PendingOnly: approvalsPending,
		Limit:       approvalsLimit,
	})
	printApprovals(cmd.OutOrStdout(), approvals)
	return nil
}

func printApprovals(w io.Writer, approvals []models.Approval) {
	if len(approvals) == 0 {
		fmt.Fprintln(w, noticeStyle.Render("No approvals found"))
		return
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Found %s:", plural(len(approvals), "approval"))))
	fmt.Fprintln(w)

	for _, a := range approvals {
		fmt.Fprintln(w, headerStyle.Render("ID: "+a.ID))
		fmt.Fprintf(w, "  Status: %s\n", approvalStatusStyle(a.Status).Render(string(a.Status)))
		fmt.Fprintf(w, "  Tool: %s\n", toolStyle.Render(a.ToolName))
		fmt.Fprintf(w, "  Session: %s\n", dimStyle.Render(a.SessionID))
		fmt.Fprintf(w, "  Created: %s\n", formatTimestamp(a.CreatedAt))
		if a.RespondedAt != nil {
			fmt.Fprintf(w, "  Responded: %s\n", formatTimestamp(*a.RespondedAt))
		}
		if a.Comment != "" {
			fmt.Fprintf(w, "  Comment: %s\n", quoteStyle.Render(a.Comment))
		}
		if len(a.ToolInput) > 0 && string(a.ToolInput) != "null" {
			fmt.Fprintf(w, "  Input: %s\n", dimStyle.Render(truncate(string(a.ToolInput), 100)))
		}
		fmt.Fprintln(w)
	}
}

func runDecision(cmd *cobra.Command, target string, decision models.Decision) error {
	ctx := cmd.Context()
	a := currentApp()

	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	result, err := a.dispatcher(client).Resolve(ctx, target, decision, decisionReason)
	if err != nil {
		return explainDecisionError(err)
	}
	printDecision(cmd.OutOrStdout(), result)
	return nil
}

func printDecision(w io.Writer, r *dispatch.Result) {
	verb := okStyle.Render("Approved")
	if r.Decision == models.DecisionDeny {
		verb = errorStyle.Render("Denied")
	}
	fmt.Fprintf(w, "%s %s %s\n", verb, toolStyle.Render(r.Approval.ToolName), dimStyle.Render("("+r.Approval.ID+")"))
	fmt.Fprintf(w, "  Session: %s\n", r.Approval.SessionID)
	if r.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", quoteStyle.Render(r.Reason))
	}
}

// explainDecisionError adds a hint to the errors a user can act on
func explainDecisionError(err error) error {
	var resolved *dispatch.AlreadyResolvedError
	switch {
	case errors.As(err, &resolved):
		return err
	case errors.Is(err, rpc.ErrNotFound):
		return fmt.Errorf("%w (check 'ccgate approvals list --pending')", err)
	case errors.Is(err, rpc.ErrTimeout):
		return fmt.Errorf("%w; the decision may or may not have been recorded, check 'ccgate approvals list'", err)
	}
	return err
}
