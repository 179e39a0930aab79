package main

import (
	"distribution/internal/api"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newQueueCmd(opts *globalOptions) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "queue <agent> <queue>",
		Short: "Show the items of an agent queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("offset", strconv.Itoa(offset))
			q.Set("limit", strconv.Itoa(limit))

			var summary api.QueueSummary
			path := agentPath("agents", args[0], "queues", args[1]) + "?" + q.Encode()
			if err := opts.client().getJSON(cmd.Context(), path, &summary); err != nil {
				return fmt.Errorf("queue: %w", err)
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer out.Flush()
			fmt.Fprintf(out, "queue %s: %s, %d items\n", summary.Name, summary.State, summary.Size)
			if len(summary.Items) == 0 {
				return nil
			}
			fmt.Fprintln(out, "ITEM\tSTATE\tATTEMPTS\tACTION\tPATHS\tERROR")
			for _, e := range summary.Items {
				fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\t%s\n",
					e.Item.ID, e.Status.State, e.Status.Attempts,
					e.Item.Info.RequestType(), strings.Join(e.Item.Info.Paths(), ","), e.Status.LastError)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "index of the first item")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of items")
	return cmd
}
