package commands

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/config"
	"github.com/pgplane/pgplane/pkg/iaas"
	"github.com/pgplane/pgplane/pkg/inventory"
	"github.com/pgplane/pgplane/pkg/operator"
)

func newBootstrapCommand() *cobra.Command {
	var (
		identifier string
		pgversion  string
		size       int
		password   string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Provision the control plane's own instance",
		Long: `Provision a guest and Postgres database for the control plane itself,
initialize the inventory schema, then register the new instance as
available. Registering an already known identifier is tolerated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if size < 5 || size > 300 {
				return apperrors.NewKnown("size must be between 5 and 300 gigabytes")
			}

			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			if _, err := cfg.RequireDeployKey(); err != nil {
				return err
			}
			if password == "" {
				password = config.GenerateSecret()
				log.Info().Msgf("Generated master password: %s", password)
			}

			data := inventory.InstanceData{
				DBInstanceIdentifier: identifier,
				AllocatedStorage:     size,
				Engine:               "postgres",
				EngineVersion:        pgversion,
				MasterUsername:       "postgres",
				MasterUserPassword:   password,
			}

			log.Info().Str("identifier", identifier).Msg("Creating instance.")
			backend, err := iaas.Connect(ctx, cfg.IaasURL, cfg)
			if err != nil {
				return err
			}
			endpoint, err := operator.New(backend, cfg).CreateDBInstance(ctx, data)
			if cerr := backend.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("Failed to close backend connection")
			}
			if err != nil {
				return err
			}

			log.Info().Msg("Creating schema.")
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			log.Info().Msg("Registering own instance to inventory.")
			data.MasterUserPassword = ""
			data.Endpoint = endpoint
			instance := &inventory.Instance{
				ID:         uuid.New().String(),
				Identifier: identifier,
				Status:     inventory.StatusAvailable,
				Data:       data,
			}
			if err := store.CreateInstance(ctx, instance); err != nil {
				if !apperrors.IsKnown(err) {
					return err
				}
				log.Debug().Msg("Already registered.")
				return nil
			}
			log.Debug().Msg("Done.")
			return nil
		},
	}

	cmd.Flags().StringVar(&identifier, "identifier", "pgplane", "identifier of the control plane instance")
	cmd.Flags().StringVar(&pgversion, "pgversion", "11", "Postgres engine version to deploy")
	cmd.Flags().IntVar(&size, "size", 5, "allocated storage size in gigabytes")
	cmd.Flags().StringVar(&password, "master-password", "", "master password (generated when empty)")

	return cmd
}
