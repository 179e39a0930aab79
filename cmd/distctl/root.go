package main

import (
	"distribution/internal/config"

	"github.com/spf13/cobra"
)

// globalOptions are the connection flags shared by every subcommand.
type globalOptions struct {
	url      string
	user     string
	password string
	token    string
}

func (o *globalOptions) client() *client {
	return newClient(o.url, o.user, o.password, o.token)
}

// newRootCmd creates the root distctl command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "distctl",
		Short:         "Content distribution client",
		Long:          "distctl talks to a distribution service: it lists agents and queues,\nissues distribution requests and moves packages between exporters and importers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.url, "url", config.GetEnv("DISTCTL_URL", "http://localhost:8080"), "service base URL")
	flags.StringVar(&opts.user, "user", config.GetEnv("DISTCTL_USER", ""), "basic auth user")
	flags.StringVar(&opts.password, "password", config.GetEnv("DISTCTL_PASSWORD", ""), "basic auth password")
	flags.StringVar(&opts.token, "token", config.GetEnv("DISTCTL_TOKEN", ""), "bearer token, takes precedence over basic auth")

	cmd.AddCommand(
		newAgentsCmd(opts),
		newExecuteCmd(opts),
		newQueueCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newWatchCmd(opts),
	)
	return cmd
}
