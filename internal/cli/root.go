// Package cli wires configuration, storage and the HTTP server into the
// fulfillmentd command tree.
package cli

import (
	"fmt"

	"github.com/safar/go-fulfillment/internal/config"
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	Backend string
	cfg     *config.Config
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "fulfillmentd",
		Short:         "fulfillmentd - digital goods order fulfillment",
		Long:          "Checkout, credential allocation and order lifecycle for digital goods storefronts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.Backend != "" {
				if !isValidBackend(opts.Backend) {
					return fmt.Errorf("invalid backend %q: must be one of %v", opts.Backend, validBackends)
				}
				cfg.Engine.StorageBackend = opts.Backend
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "storage backend (postgres|memory), overrides STORAGE_BACKEND")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

var validBackends = []string{config.StorageBackendPostgres, config.StorageBackendMemory}

func isValidBackend(b string) bool {
	for _, v := range validBackends {
		if v == b {
			return true
		}
	}
	return false
}
