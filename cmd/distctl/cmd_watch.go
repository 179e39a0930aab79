package main

import (
	"bufio"
	"distribution/internal/trigger"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var sec int
	cmd := &cobra.Command{
		Use:   "watch <trigger>",
		Short: "Print the requests emitted by a trigger",
		Long:  "Subscribe to a trigger's event stream and print one line per request until\nthe server ends the stream after --sec seconds.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"sec": {strconv.Itoa(sec)}}
			resp, err := opts.client().do(cmd.Context(), http.MethodGet, agentPath("triggers", args[0])+"?"+q.Encode(), nil, "")
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				data, ok := strings.CutPrefix(scanner.Text(), "data:")
				if !ok {
					continue
				}
				req, err := trigger.ParseEvent(strings.TrimSpace(data))
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipping event %q: %v\n", data, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), req.String())
			}
			if err := scanner.Err(); err != nil && cmd.Context().Err() == nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&sec, "sec", 60, "stream duration in seconds")
	return cmd
}
