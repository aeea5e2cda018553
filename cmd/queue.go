package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/henrik/opsync/internal/output"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "Inspect and manage the operation queue",
	GroupID: "queue",
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		ops, err := a.queue.ListPending()
		if err != nil {
			output.Error("list queue: %v", err)
			return err
		}

		if asJSON {
			return output.JSON(ops)
		}
		if len(ops) == 0 {
			output.Info("queue is empty")
			return nil
		}
		now := time.Now()
		for i := range ops {
			output.Info("%s", output.FormatOperation(&ops[i], now))
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-arm an abandoned or conflicted operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		id, err := a.resolveOpID(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if err := a.engine.RetryOperation(cmd.Context(), id); err != nil {
			output.Error("retry: %v", err)
			return err
		}
		output.Success("retried %s", output.ShortID(id))
		return nil
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending operation and revert its local patch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		id, err := a.resolveOpID(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if err := a.queue.Cancel(id); err != nil {
			output.Error("cancel: %v", err)
			return err
		}
		output.Success("cancelled %s", output.ShortID(id))
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation and revert local patches",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			output.Warning("this drops all unsynced local changes; re-run with --force")
			return nil
		}

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		if err := a.engine.ClearQueue(); err != nil {
			output.Error("clear queue: %v", err)
			return err
		}
		output.Success("queue cleared")
		return nil
	},
}

func init() {
	addJSONFlag(queueListCmd.Flags())
	queueClearCmd.Flags().Bool("force", false, "confirm dropping unsynced changes")
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueCancelCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}
