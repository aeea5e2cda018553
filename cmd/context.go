package cmd

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/henrik/opsync/internal/clock"
	"github.com/henrik/opsync/internal/config"
	"github.com/henrik/opsync/internal/engine"
	"github.com/henrik/opsync/internal/models"
	"github.com/henrik/opsync/internal/policy"
	"github.com/henrik/opsync/internal/queue"
	"github.com/henrik/opsync/internal/remote"
	"github.com/henrik/opsync/internal/resolver"
	"github.com/henrik/opsync/internal/store"
)

// app bundles the wired client components for one command invocation.
type app struct {
	store  *store.Store
	queue  *queue.Manager
	engine *engine.Engine
}

// openApp wires the store, queue, remote client, and engine from the
// user's configuration. The caller must Close it.
func openApp() (*app, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	deviceID, err := config.GetDeviceID()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("get device id: %w", err)
	}

	clk := clock.System()
	q := queue.New(st, clk, config.GetMaxAttempts())
	client := remote.New(config.GetServerURL(), config.GetAPIKey(), deviceID)

	pol := policy.Default()
	pol.Default = config.GetFreshness()
	pol.HardExpiry = config.GetHardExpiry()
	pol.Windows = config.GetFreshnessWindows()

	cfg := engine.DefaultConfig()
	cfg.Concurrency = config.GetConcurrency()

	eng := engine.New(st, q, client, resolver.New(), pol, clk, cfg)
	return &app{store: st, queue: q, engine: eng}, nil
}

// Close releases the store.
func (a *app) Close() error {
	return a.store.Close()
}

// addJSONFlag registers the shared --json output flag.
func addJSONFlag(fs *pflag.FlagSet) {
	fs.Bool("json", false, "output as JSON")
}

// resolveOpID expands a (possibly shortened) operation id prefix to the
// full id. Errors when the prefix is ambiguous or unknown.
func (a *app) resolveOpID(prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("empty operation id")
	}
	ops, err := a.queue.ListPending()
	if err != nil {
		return "", err
	}
	var match *models.Operation
	for i := range ops {
		if ops[i].ID == prefix {
			return prefix, nil
		}
		if len(prefix) >= 4 && len(ops[i].ID) >= len(prefix) && ops[i].ID[:len(prefix)] == prefix {
			if match != nil {
				return "", fmt.Errorf("ambiguous operation id %q", prefix)
			}
			match = &ops[i]
		}
	}
	if match == nil {
		return "", fmt.Errorf("no operation matching %q", prefix)
	}
	return match.ID, nil
}
