package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Omer1970/ShippingAPP-sub001/internal/messaging"
	"github.com/Omer1970/ShippingAPP-sub001/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const reconcileLimit = 500

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background sync worker",
	Long: `Start the background worker that consumes sync requests from Azure Service
Bus, pushes confirmations into the ERP and periodically re-queues confirmations
that were never synced`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	processor := rt.newProcessor()
	reconciler := services.NewReconciler(rt.confirmations, processor, cfg.Sync.ReconcileGrace, reconcileLimit)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.sink.Run(ctx)
		return nil
	})

	if cfg.Azure.QueueConnStr != "" {
		bus, err := messaging.NewServiceBusClient(cfg.Azure, "worker")
		if err != nil {
			return err
		}
		defer bus.Close()

		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.SyncQueueName).Msg("Starting Azure Service Bus consumer")
			return bus.Consume(ctx, services.HandleSyncRequest(processor))
		})
	} else {
		log.Warn().Msg("Service Bus not configured, relying on reconciliation only")
	}

	// Reconciliation catches confirmations whose sync request was lost
	g.Go(func() error {
		log.Info().Dur("interval", cfg.Sync.ReconcileInterval).Msg("Starting sync reconciliation job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Sync.ReconcileInterval),
			gocron.NewTask(func() {
				added, err := reconciler.Run(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Failed to reconcile unsynced confirmations")
					return
				}
				if added > 0 {
					log.Info().Int("queued", added).Msg("Reconciliation queued unsynced confirmations")
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return err
		}
		if err := rt.startHealthChecks(ctx, scheduler); err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Sync queue did not drain before shutdown")
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
