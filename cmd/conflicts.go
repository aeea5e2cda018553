package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/henrik/opsync/internal/engine"
	"github.com/henrik/opsync/internal/models"
	"github.com/henrik/opsync/internal/output"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List conflicted operations awaiting a decision",
	GroupID: "queue",
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

		var conflicted []models.Operation
		for i := range ops {
			if ops[i].Status == models.StatusConflicted {
				conflicted = append(conflicted, ops[i])
			}
		}

		if asJSON {
			return output.JSON(conflicted)
		}
		if len(conflicted) == 0 {
			output.Info("no conflicts")
			return nil
		}
		for i := range conflicted {
			output.Info("%s", output.FormatConflict(&conflicted[i]))
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve <id>",
	Short:   "Resolve a conflicted operation",
	GroupID: "queue",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		acceptLocal, _ := cmd.Flags().GetBool("accept-local")
		acceptRemote, _ := cmd.Flags().GetBool("accept-remote")
		cancel, _ := cmd.Flags().GetBool("cancel")

		var decision engine.Resolution
		switch {
		case acceptLocal && !acceptRemote && !cancel:
			decision = engine.ResolveAcceptLocal
		case acceptRemote && !acceptLocal && !cancel:
			decision = engine.ResolveAcceptRemote
		case cancel && !acceptLocal && !acceptRemote:
			decision = engine.ResolveCancel
		default:
			output.Error("pass exactly one of --accept-local, --accept-remote, --cancel")
			return fmt.Errorf("invalid resolution flags")
		}

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
		if err := a.engine.ResolveConflict(cmd.Context(), id, decision); err != nil {
			output.Error("resolve: %v", err)
			return err
		}
		output.Success("resolved %s (%s)", output.ShortID(id), decision)
		return nil
	},
}

func init() {
	addJSONFlag(conflictsCmd.Flags())
	resolveCmd.Flags().Bool("accept-local", false, "re-deliver the local change against the remote version")
	resolveCmd.Flags().Bool("accept-remote", false, "adopt the server state and drop the local change")
	resolveCmd.Flags().Bool("cancel", false, "drop the local change and restore the base snapshot")
	rootCmd.AddCommand(conflictsCmd, resolveCmd)
}
