package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/api"
	"github.com/Omer1970/ShippingAPP-sub001/internal/api/handlers"
	"github.com/Omer1970/ShippingAPP-sub001/internal/messaging"
	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/offline"
	"github.com/Omer1970/ShippingAPP-sub001/internal/services"
	"github.com/Omer1970/ShippingAPP-sub001/internal/signature"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long: `Start the HTTP API server that accepts delivery confirmations, buffers
captures of offline devices and exposes the manual review ledger`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	// Syncs go to the worker over Service Bus when it is configured,
	// otherwise the API runs its own sync queue.
	var (
		scheduler services.Scheduler
		processor *services.SyncQueueProcessor
	)
	if cfg.Azure.QueueConnStr != "" {
		bus, err := messaging.NewServiceBusClient(cfg.Azure, "api")
		if err != nil {
			return err
		}
		defer bus.Close()
		scheduler = services.NewPublishingScheduler(bus, services.SourceQueue)
		log.Info().Str("queue", cfg.Azure.SyncQueueName).Msg("Publishing sync requests to Azure Service Bus")
	} else {
		processor = rt.newProcessor()
		scheduler = processor
		log.Info().Msg("Service Bus not configured, syncing in process")
	}

	confirmations := services.NewConfirmationService(
		rt.confirmations,
		signature.NewEngine(),
		rt.photos,
		scheduler,
		rt.indexer,
		rt.tracer,
		rt.metrics,
		rt.prom,
	)
	reviews := services.NewReviewService(rt.orchestrator, rt.confirmations, rt.ledger, scheduler, rt.sink, rt.indexer)

	files, err := offline.NewFileStore(cfg.Offline.FallbackDir)
	if err != nil {
		return err
	}
	prober := offline.NewNetworkProber(cfg.Offline.ProbeAddress, cfg.Offline.HealthURL, cfg.Offline.ProbeTimeout)
	queue := offline.NewQueue(cfg.Offline, rt.cache, files, prober, confirmations, rt.metrics)

	var prom *metrics.PromCollectors
	if cfg.Server.MetricsEnabled {
		prom = rt.prom
	}

	server := api.NewServer(cfg, api.Dependencies{
		Deliveries: handlers.NewDeliveryHandler(confirmations, reviews, queue, rt.tracer),
		Offline:    handlers.NewOfflineHandler(queue),
		Reviews:    handlers.NewReviewHandler(reviews),
		Metrics:    handlers.NewMetricsHandler(rt.metrics, prom, rt.tracer),
		Calls:      queue,
		Tracer:     rt.tracer,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.sink.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return server.Start()
	})

	g.Go(func() error {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		if err := rt.startHealthChecks(gctx, sched); err != nil {
			return err
		}
		sched.Start()

		<-gctx.Done()
		return sched.Shutdown()
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		if processor != nil {
			if err := processor.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Sync queue did not drain before shutdown")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server error")
		return err
	}

	log.Info().Msg("API server shut down gracefully")
	return nil
}
