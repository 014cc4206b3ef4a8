package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/iaas"
	"github.com/pgplane/pgplane/pkg/operator"
	"github.com/pgplane/pgplane/pkg/remote"
)

func newRecoverCommand() *cobra.Command {
	var identifier string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Ensure the control plane's own machine is up",
		Long: `Start the machine backing the control plane's own instance, wait for
its Postgres port to open and verify the engine answers. Instances of
the fleet are recovered by the worker's recovery sweep, not by this
command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			if _, err := cfg.RequireDeployKey(); err != nil {
				return err
			}

			backend, err := iaas.Connect(ctx, cfg.IaasURL, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := backend.Close(); cerr != nil {
					log.Warn().Err(cerr).Msg("Failed to close backend connection")
				}
			}()

			if err := backend.StartMachine(ctx, identifier, iaas.DefaultStartWait); err != nil {
				return err
			}
			address := backend.Endpoint(identifier)
			log.Info().Str("address", address).Msg("Waiting for Postgres port.")
			if err := remote.WaitHost(ctx, address, 5432); err != nil {
				return err
			}
			if !operator.New(backend, cfg).IsRunning(ctx, identifier) {
				return apperrors.NewKnown("machine %s is up but Postgres is not answering", identifier)
			}
			log.Info().Str("identifier", identifier).Msg("Control plane is ready to run.")
			return nil
		},
	}

	cmd.Flags().StringVar(&identifier, "identifier", "pgplane", "identifier of the control plane instance")

	return cmd
}
