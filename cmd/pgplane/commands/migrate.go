package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var dry bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the inventory schema",
		Long: `Inspect or apply pending schema migrations of the inventory store.

By default the command only lists what would be applied. Pass
--dry=false to apply the migrations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			pending, err := store.PendingMigrations(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				log.Info().Msg("Database already up to date.")
				return nil
			}

			for _, version := range pending {
				if dry {
					log.Info().Str("version", version).Msg("Would apply.")
				} else {
					log.Info().Str("version", version).Msg("Applying.")
				}
			}
			if dry {
				log.Info().Msg("Check terminated.")
				return nil
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Msg("Database updated.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&dry, "dry", true, "list pending migrations without applying them")

	return cmd
}
