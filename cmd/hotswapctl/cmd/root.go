package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the hotswapctl application
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hotswapctl",
		Short: "Operate a hotswap module runtime",
		Long: `hotswapctl runs and operates a hotswap runtime: a single process that
hosts sandboxed, versioned modules and replaces them at runtime through
gated, revertible transactions.

The serve command runs the runtime; the remaining commands talk to a
running runtime's admin endpoint.`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	cmd.PersistentFlags().String("addr", "http://127.0.0.1:8090", "admin endpoint of the running runtime")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewDeployCommand())
	cmd.AddCommand(NewReloadCommand())
	cmd.AddCommand(NewRollbackCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewAuditCommand())
	cmd.AddCommand(NewCheckpointsCommand())

	return cmd
}

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("hotswapctl v%s (commit: %s, built on: %s)", Version, Commit, Date)
}
