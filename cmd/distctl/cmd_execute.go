package main

import (
	"distribution/internal/distribution"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newExecuteCmd(opts *globalOptions) *cobra.Command {
	var (
		action  string
		paths   []string
		deep    []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "execute <agent>",
		Short: "Send a distribution request to an agent",
		Long:  "Submit an ADD, DELETE, PULL or TEST request to an agent and print its response.\nThe command fails when the agent reports ERROR.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd.Context(), timeout)
			defer cancel()

			form := requestForm(action, paths, deep)
			resp, err := opts.client().send(ctx, http.MethodPost, agentPath("agents", args[0]),
				strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
			if err != nil {
				return fmt.Errorf("execute: %w", err)
			}
			defer resp.Body.Close()

			// 400 carries a response body when the agent itself failed the request.
			if resp.StatusCode >= 300 && resp.StatusCode != http.StatusBadRequest {
				return fmt.Errorf("execute: %w", readError(resp))
			}
			var out struct {
				distribution.Response
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("execute: decode response: %w", err)
			}
			if out.State == "" {
				return fmt.Errorf("execute: %w", &apiError{Status: resp.StatusCode, Message: out.Error})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s: %s\n", out.State, out.Message)
			for _, item := range out.Items {
				fmt.Fprintf(w, "  %s queue=%s item=%s %s\n", item.State, item.Queue, item.ItemID, item.Message)
			}
			if out.State == distribution.StateError {
				return fmt.Errorf("execute: request failed: %s", out.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&action, "action", "a", "ADD", "request type: ADD, DELETE, PULL or TEST")
	cmd.Flags().StringArrayVarP(&paths, "path", "p", nil, "content path, repeatable")
	cmd.Flags().StringArrayVar(&deep, "deep", nil, "path to distribute with its subtree, repeatable")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout, 0 for none")
	return cmd
}
