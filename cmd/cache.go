package cmd

import (
	"github.com/spf13/cobra"

	"github.com/henrik/opsync/internal/output"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	Short:   "Inspect and manage the local record cache",
	GroupID: "cache",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <collection> <key>",
	Short: "Read a record through the cache",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		entry, err := a.engine.GetRecord(cmd.Context(), args[0], args[1])
		if err != nil {
			output.Error("get: %v", err)
			return err
		}
		return output.JSON(entry)
	},
}

var cacheRefreshCmd = &cobra.Command{
	Use:   "refresh <collection> <key>",
	Short: "Force-fetch the authoritative record state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		entry, err := a.engine.RefreshRecord(cmd.Context(), args[0], args[1])
		if err != nil {
			output.Error("refresh: %v", err)
			return err
		}
		output.Success("refreshed %s:%s (version %d)", entry.Collection, entry.Key, entry.Version)
		return nil
	},
}

var cacheListCmd = &cobra.Command{
	Use:     "list [collection]",
	Aliases: []string{"ls"},
	Short:   "List cached records",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := ""
		if len(args) == 1 {
			collection = args[0]
		}

		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		entries, err := a.store.ListCache(collection)
		if err != nil {
			output.Error("list cache: %v", err)
			return err
		}
		return output.JSON(entries)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [collection]",
	Short: "Drop cached records for a collection, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			if err := a.engine.InvalidateCollection(args[0]); err != nil {
				output.Error("clear: %v", err)
				return err
			}
			output.Success("cleared cache for %s", args[0])
			return nil
		}
		if err := a.engine.ClearCache(); err != nil {
			output.Error("clear: %v", err)
			return err
		}
		output.Success("cache cleared")
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Evict records past the hard expiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		n, err := a.engine.PruneExpired()
		if err != nil {
			output.Error("prune: %v", err)
			return err
		}
		output.Success("pruned %d entries", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheGetCmd, cacheRefreshCmd, cacheListCmd, cacheClearCmd, cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}
