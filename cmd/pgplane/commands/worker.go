package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pgplane/pgplane/pkg/apperrors"
	"github.com/pgplane/pgplane/pkg/telemetry"
	"github.com/pgplane/pgplane/pkg/worker"
)

func newWorkerCommand() *cobra.Command {
	var (
		workers      int
		recoverFleet bool
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the task engine",
		Long: `Run the pool of workers draining the durable task queue.

Tasks left running by a previous process are requeued on startup. The
pool stops when the process receives an interrupt.`,
		Example: `  # Run with the configured pool size
  pgplane worker

  # Re-assert the recorded power state of every instance on startup
  pgplane worker --recover-fleet`,
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
			if len(pending) > 0 {
				return apperrors.NewKnown(
					"database schema is behind, run pgplane migrate --dry=false")
			}

			tcfg := telemetry.DefaultConfig()
			if metricsAddr != "" {
				tcfg.Metrics.ListenAddress = metricsAddr
			}
			metrics, err := telemetry.NewMetrics(tcfg.Metrics)
			if err != nil {
				return err
			}
			if tcfg.Metrics.Enabled {
				if err := metrics.StartMetricsServer(); err != nil {
					return err
				}
			}
			tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
			if err != nil {
				return err
			}
			defer func() {
				if err := tracer.Shutdown(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Failed to shut down tracer")
				}
			}()

			deps := &worker.Deps{
				Store:   store,
				Config:  cfg,
				Metrics: metrics,
			}

			if recoverFleet {
				if _, err := store.EnqueueTask(ctx, worker.TaskRecoverFleet, ""); err != nil {
					return err
				}
				log.Info().Msg("Fleet recovery enqueued.")
			}

			if workers == 0 {
				workers = cfg.Workers
			}
			return worker.NewPool(deps, workers).Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "pool size (defaults to the configured value)")
	cmd.Flags().BoolVar(&recoverFleet, "recover-fleet", false, "enqueue a fleet recovery sweep on startup")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address")

	return cmd
}
