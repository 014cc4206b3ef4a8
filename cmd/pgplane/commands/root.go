package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgplane/pgplane/pkg/config"
	"github.com/pgplane/pgplane/pkg/inventory"
	"github.com/pgplane/pgplane/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pgplane",
		Short: "pgplane - RDS-compatible Postgres control plane",
		Long: `pgplane provisions and manages PostgreSQL instances on a private
virtualization cluster behind an AWS RDS compatible API.

Machines are cloned from a template on a pluggable backend (libvirt or
vSphere), provisioned over SSH, and tracked in a durable inventory that
a pool of workers reconciles.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging := telemetry.DefaultConfig().Logging
			if verbose {
				logging.Level = "debug"
			}
			if jsonOutput {
				logging.Format = "json"
			}
			return telemetry.SetupLogging(logging)
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "log in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newBootstrapCommand())
	rootCmd.AddCommand(newGenerateCredentialsCommand())

	return rootCmd
}

// loadSettings resolves the layered configuration for a subcommand.
func loadSettings() (*config.Settings, error) {
	return config.Load(configPath)
}

// openStore opens and initializes the inventory store.
func openStore(ctx context.Context, cfg *config.Settings) (*inventory.Store, error) {
	store, err := inventory.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
