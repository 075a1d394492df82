package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/axion66/A2rchi-sub000/internal/deploy"
	"github.com/axion66/A2rchi-sub000/internal/scheduler"
)

var (
	flagSchedulerConfig     string
	flagSchedulerStatusFile string
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Ingestion scheduler (C10)",
}

var schedulerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler worker until interrupted, hot-reloading its schedule from the deployment config",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		loader := scheduler.LoaderFunc(func(ctx context.Context) (map[string]string, error) {
			doc, err := deploy.Load(flagSchedulerConfig)
			if err != nil {
				return nil, err
			}
			return doc.ScheduleMap(), nil
		})

		sched := scheduler.New(scheduler.Config{
			Log:         log,
			Loader:      loader,
			StatusStore: &scheduler.FileStatusStore{Path: flagSchedulerStatusFile},
			Factory: func(name string) scheduler.Callback {
				// Real collectors (git/web/ticketing) are external
				// collaborators per spec.md section 1; this factory is the
				// integration seam a deployment overrides by constructing
				// its own scheduler.Config.Factory instead of using this
				// CLI's default no-op callback.
				return func(ctx context.Context, lastRun *time.Time) error {
					log.Info().Str("source", name).Msg("scheduler: no collector wired for this source, skipping")
					return nil
				}
			},
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := sched.ReloadSchedules(ctx); err != nil {
			log.Warn().Err(err).Msg("scheduler: initial reload failed")
		}
		sched.Start(ctx)
		log.Info().Msg("scheduler: started")

		<-ctx.Done()
		log.Info().Msg("scheduler: shutting down")
		sched.Stop()
		return nil
	},
}

func init() {
	schedulerServeCmd.Flags().StringVar(&flagSchedulerConfig, "config", "config.yaml", "Deployment config path to hot-reload the ingestion schedule from")
	schedulerServeCmd.Flags().StringVar(&flagSchedulerStatusFile, "status-file", "ingestion_status.json", "Path to write the ingestion status document")
	schedulerCmd.AddCommand(schedulerServeCmd)
}
