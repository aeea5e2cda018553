package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/henrik/opsync/internal/config"
	"github.com/henrik/opsync/internal/output"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Run the sync loop in the foreground until interrupted",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		intervalStr, _ := cmd.Flags().GetString("interval")
		interval := config.GetSyncInterval()
		if intervalStr != "" {
			d, err := time.ParseDuration(intervalStr)
			if err != nil {
				output.Error("invalid interval: %v", err)
				return err
			}
			interval = d
		}

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		output.Info("syncing every %s (ctrl-c to stop)", interval)
		if err := a.engine.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			output.Warning("initial sync: %v", err)
		}

		err = a.engine.Run(ctx, interval)
		if errors.Is(err, context.Canceled) {
			output.Info("stopped")
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().String("interval", "", "sync interval (default from config, 30s)")
	rootCmd.AddCommand(watchCmd)
}
