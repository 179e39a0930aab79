package main

import (
	"distribution/internal/transport"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newExportCmd(opts *globalOptions) *cobra.Command {
	var (
		action string
		paths  []string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <exporter>",
		Short: "Fetch one package from an exporter",
		Long:  "Ask an exporter for a package and write its payload to --output or stdout.\nPackage headers are printed to stderr.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			form := requestForm(action, paths, nil)
			resp, err := opts.client().do(cmd.Context(), http.MethodPost, agentPath("exporters", args[0]),
				strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			defer resp.Body.Close()

			var dst io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("export: %w", err)
				}
				defer f.Close()
				dst = f
			}
			n, err := io.Copy(dst, resp.Body)
			if err != nil {
				return fmt.Errorf("export: read package: %w", err)
			}

			h := resp.Header
			fmt.Fprintf(cmd.ErrOrStderr(), "package %s (%s %s %s), %d bytes\n",
				h.Get(transport.HeaderID), h.Get(transport.HeaderType), h.Get(transport.HeaderAction),
				strings.Join(h.Values(transport.HeaderPath), " "), n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&action, "action", "a", "PULL", "request type sent to the exporter")
	cmd.Flags().StringArrayVarP(&paths, "path", "p", nil, "content path, repeatable")
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write the package to, - for stdout")
	return cmd
}
