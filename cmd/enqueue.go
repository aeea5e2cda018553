package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/henrik/opsync/internal/models"
	"github.com/henrik/opsync/internal/output"
	"github.com/henrik/opsync/internal/queue"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <create|update|delete> <collection> [target-id]",
	Short:   "Queue a mutation for delivery",
	GroupID: "queue",
	Args:    cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := models.Kind(args[0])
		collection := args[1]
		targetID := ""
		if len(args) == 3 {
			targetID = args[2]
		}

		payloadStr, _ := cmd.Flags().GetString("payload")
		priority, _ := cmd.Flags().GetInt("priority")
		asJSON, _ := cmd.Flags().GetBool("json")

		var payload json.RawMessage
		if payloadStr != "" {
			if !json.Valid([]byte(payloadStr)) {
				output.Error("payload is not valid JSON")
				return fmt.Errorf("invalid payload")
			}
			payload = json.RawMessage(payloadStr)
		}

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		op, err := a.queue.Enqueue(queue.EnqueueRequest{
			Kind:       kind,
			Collection: collection,
			TargetID:   targetID,
			Payload:    payload,
			Priority:   priority,
		})
		if err != nil {
			output.Error("enqueue: %v", err)
			return err
		}

		if asJSON {
			return output.JSON(op)
		}
		output.Success("queued %s %s (%s)", op.Kind, op.TargetKey(), output.ShortID(op.ID))
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("payload", "", "mutation payload as a JSON object")
	enqueueCmd.Flags().Int("priority", 0, "delivery priority (lower is sooner)")
	addJSONFlag(enqueueCmd.Flags())
	rootCmd.AddCommand(enqueueCmd)
}
