package main

import (
	"distribution/internal/api"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAgentsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents [agent]",
		Short: "List agents or show one agent's queues",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer out.Flush()

			if len(args) == 0 {
				var agents []api.AgentSummary
				if err := c.getJSON(cmd.Context(), agentPath("agents"), &agents); err != nil {
					return fmt.Errorf("agents: %w", err)
				}
				fmt.Fprintln(out, "NAME\tSTATE\tENABLED\tQUEUES")
				for _, a := range agents {
					fmt.Fprintf(out, "%s\t%s\t%t\t%s\n", a.Name, a.State, a.Enabled, strings.Join(a.Queues, ","))
				}
				return nil
			}

			var status api.AgentStatus
			if err := c.getJSON(cmd.Context(), agentPath("agents", args[0]), &status); err != nil {
				return fmt.Errorf("agents: %w", err)
			}
			fmt.Fprintf(out, "agent %s: %s (enabled=%t)\n", status.Name, status.State, status.Enabled)
			fmt.Fprintln(out, "QUEUE\tSTATE\tSIZE")
			for _, q := range status.Queues {
				fmt.Fprintf(out, "%s\t%s\t%d\n", q.Name, q.State, q.Size)
			}
			return nil
		},
	}
}
