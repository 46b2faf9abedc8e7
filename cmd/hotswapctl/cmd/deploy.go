package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewDeployCommand creates the deploy command: first-time load or
// reload of a module from a descriptor file.
func NewDeployCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <descriptor.yaml>",
		Short: "Load or reload a module from a descriptor file",
		Long: `Deploys the descriptor through the running runtime. A new module name
is loaded; an existing one goes through the full gated reload
transaction. The descriptor path is resolved on the runtime host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.post("/modules", map[string]string{"descriptor": path}, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployed %s\n", path)
			return nil
		},
	}
}

// NewReloadCommand creates the reload command, which requires the
// module to already be running.
func NewReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <module> <descriptor.yaml>",
		Short: "Replace a running module through a reload transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			var out struct {
				Transaction string `json:"transaction"`
				Outcome     string `json:"outcome"`
			}
			if err := client.post("/modules/"+args[0]+"/reload", map[string]string{"descriptor": path}, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reload of %s committed (transaction %s)\n", args[0], out.Transaction)
			return nil
		},
	}
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand() *cobra.Command {
	var checkpoint string
	cmd := &cobra.Command{
		Use:   "rollback <module>",
		Short: "Revert a module to a recorded checkpoint",
		Long: `Reverts the module through the same transactional machine a forward
reload uses. Without --checkpoint the most recent prior checkpoint is
the target.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			var out struct {
				Transaction string `json:"transaction"`
				Outcome     string `json:"outcome"`
			}
			body := map[string]string{}
			if checkpoint != "" {
				body["checkpoint"] = checkpoint
			}
			if err := client.post("/modules/"+args[0]+"/rollback", body, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rollback of %s committed (transaction %s)\n", args[0], out.Transaction)
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint id to revert to")
	return cmd
}
