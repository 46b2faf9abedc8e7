package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [module]",
		Short: "Show module instance status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				var status map[string]any
				if err := client.get("/status/"+args[0], &status); err != nil {
					return err
				}
				return printJSON(cmd, status)
			}
			var statuses []map[string]any
			if err := client.get("/status", &statuses); err != nil {
				return err
			}
			return printJSON(cmd, statuses)
		},
	}
}

// NewAuditCommand creates the audit command.
func NewAuditCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Tail the runtime audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			var entries []map[string]any
			if err := client.get(fmt.Sprintf("/audit?limit=%d", limit), &entries); err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of most recent entries")
	return cmd
}

// NewCheckpointsCommand creates the checkpoints command.
func NewCheckpointsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <module>",
		Short: "List a module's checkpoint chain, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			var chain []map[string]any
			if err := client.get("/checkpoints/"+args[0], &chain); err != nil {
				return err
			}
			return printJSON(cmd, chain)
		},
	}
}
