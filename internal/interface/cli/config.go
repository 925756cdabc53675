package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/neilberkman/ccgate/internal/core/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Long: `Show every setting with the place it came from.

Precedence is flag, then environment, then config file, then default.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func printConfig(w io.Writer, c *config.Config) {
	if c.Path != "" {
		fmt.Fprintf(w, "Config file: %s\n\n", c.Path)
	} else {
		fmt.Fprintf(w, "Config file: %s\n\n", dimStyle.Render("none (looked in "+config.Dir()+")"))
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range c.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Key, e.Value, dimStyle.Render(string(e.Source)))
	}
	_ = tw.Flush()
}
