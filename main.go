package main

import (
	"fmt"
	"os"

	"modsync/internal"

	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose bool

	config internal.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "modsync",
		Short: "Keep a local module catalog in sync with a remote repository",
		Long: `modsync mirrors a remote Magisk module catalog.

It authenticates against the catalog service, reconciles each snapshot into
a local catalog, caches it, and publishes one event per changed or removed
module.`,
		PersistentPreRunE: initializeGlobals,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config.yaml", "path to config file (env: MODSYNC_CONFIG)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newTokenCmd())
	return root
}

func initializeGlobals(cmd *cobra.Command, _ []string) error {
	path := flagConfig
	if !cmd.Flags().Changed("config") {
		if env := os.Getenv("MODSYNC_CONFIG"); env != "" {
			path = env
		}
	}
	cfg, err := internal.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagVerbose {
		cfg.Log.Verbose = true
	}
	internal.SetupLogging(cfg.Log)
	config = cfg
	internal.NewLogger("cli").Debug("config loaded", "path", path, "repository", cfg.Repository.ID, "environment", cfg.Repository.Environment)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
