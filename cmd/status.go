package cmd

import (
	"github.com/spf13/cobra"

	"github.com/henrik/opsync/internal/output"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show queue totals and sync state",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		st, err := a.engine.Status(false)
		if err != nil {
			output.Error("status: %v", err)
			return err
		}

		if asJSON {
			return output.JSON(st)
		}

		output.Info("pending:    %d", st.Pending)
		output.Info("abandoned:  %d", st.Failed)
		output.Info("conflicted: %d", st.Conflicted)
		if st.Processing {
			output.Info("sync pass in progress")
		}
		if st.Conflicted > 0 {
			output.Warning("conflicts need resolution (run: opsync conflicts)")
		}
		return nil
	},
}

func init() {
	addJSONFlag(statusCmd.Flags())
	rootCmd.AddCommand(statusCmd)
}
