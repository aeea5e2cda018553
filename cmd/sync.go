package cmd

import (
	"github.com/spf13/cobra"

	"github.com/henrik/opsync/internal/output"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Deliver queued mutations to the server now",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		before, err := a.queue.Counts()
		if err != nil {
			output.Error("counts: %v", err)
			return err
		}
		if before.Pending == 0 {
			output.Info("nothing to sync")
			return nil
		}

		if err := a.engine.SyncNow(cmd.Context()); err != nil {
			output.Error("sync: %v", err)
			return err
		}

		after, err := a.queue.Counts()
		if err != nil {
			output.Error("counts: %v", err)
			return err
		}

		delivered := before.Pending - after.Pending
		if delivered > 0 {
			output.Success("delivered %d operation(s)", delivered)
		}
		if after.Pending > 0 {
			output.Info("%d operation(s) still pending (backoff or ordering)", after.Pending)
		}
		if after.Failed > 0 {
			output.Warning("%d operation(s) abandoned after repeated failures", after.Failed)
		}
		if after.Conflicted > 0 {
			output.Warning("%d conflict(s) need resolution (run: opsync conflicts)", after.Conflicted)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
