package cmd

import (
	"context"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/config"
	"github.com/Omer1970/ShippingAPP-sub001/internal/cache"
	"github.com/Omer1970/ShippingAPP-sub001/internal/database"
	"github.com/Omer1970/ShippingAPP-sub001/internal/erp"
	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/repositories"
	"github.com/Omer1970/ShippingAPP-sub001/internal/search"
	"github.com/Omer1970/ShippingAPP-sub001/internal/services"
	"github.com/Omer1970/ShippingAPP-sub001/internal/storage"
	"github.com/Omer1970/ShippingAPP-sub001/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

const healthCheckInterval = 30 * time.Second

// runtime holds the infrastructure shared by the api and worker commands
type runtime struct {
	cfg           config.Config
	db            *database.Database
	cache         *cache.RedisCache
	tracer        tracing.Tracer
	indexer       search.Indexer
	photos        storage.PhotoStore
	metrics       *metrics.Metrics
	prom          *metrics.PromCollectors
	sink          *metrics.ChannelSink
	confirmations *repositories.ConfirmationRepository
	ledger        *repositories.FailedSyncRepository
	orchestrator  *services.ErpSyncOrchestrator
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		db:      db,
		metrics: metrics.NewMetrics(),
		prom:    metrics.NewPromCollectors(),
		indexer: search.NopIndexer{},
	}
	if err := database.RegisterMetricsHooks(db.Write, rt.metrics); err != nil {
		log.Warn().Err(err).Msg("Failed to register database metrics hooks")
	}

	rt.cache, err = cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, offline queue will use file storage only")
		rt.cache = cache.NewRedisCacheFromClient(nil)
	}

	rt.tracer, err = tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		rt.tracer = tracing.Disabled()
	}

	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
		} else {
			rt.indexer = elasticClient
		}
	}

	photos, err := storage.NewMinioPhotoStore(ctx, cfg.Minio)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize photo storage, photos will not be stored or synced")
	} else {
		rt.photos = photos
	}

	rt.sink = metrics.NewChannelSink(cfg.Sync.MetricsBuffer, rt.metrics, rt.prom)
	rt.confirmations = repositories.NewConfirmationRepository(db.Write, db.Read)
	rt.ledger = repositories.NewFailedSyncRepository(db.Write, db.Read)

	rt.orchestrator = services.NewErpSyncOrchestrator(
		rt.confirmations,
		erp.NewHTTPGateway(cfg.ERP),
		erp.NewHTTPRenderer(cfg.Renderer),
		rt.photos,
		rt.indexer,
		rt.tracer,
	)
	rt.orchestrator.SetMaxAttempts(cfg.Sync.MaxAttempts)
	rt.orchestrator.SetAttemptTimeout(cfg.Sync.AttemptTimeout)

	return rt, nil
}

// newProcessor builds the background sync queue
func (rt *runtime) newProcessor() *services.SyncQueueProcessor {
	return services.NewSyncQueueProcessor(
		rt.orchestrator,
		rt.confirmations,
		rt.ledger,
		rt.sink,
		services.ProcessorConfig{
			BatchSize:     rt.cfg.Sync.BatchSize,
			BatchTimeout:  rt.cfg.Sync.BatchTimeout,
			BatchDelay:    rt.cfg.Sync.BatchDelay,
			RatePerSecond: rt.cfg.Sync.RatePerSecond,
		},
		services.WithCollectors(rt.metrics, rt.prom),
		services.WithIndexer(rt.indexer),
	)
}

// checkHealth refreshes the component health reported on /health
func (rt *runtime) checkHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sqlDB, err := rt.db.Write.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	rt.metrics.SetHealth("database", err == nil)
	if err != nil {
		log.Warn().Err(err).Msg("Database health check failed")
	}

	if rt.cfg.Redis.Enabled {
		rt.metrics.SetHealth("redis", rt.cache.Ping(ctx) == nil)
	}
}

// startHealthChecks runs checkHealth on a schedule until ctx is done
func (rt *runtime) startHealthChecks(ctx context.Context, scheduler gocron.Scheduler) error {
	rt.checkHealth(ctx)
	_, err := scheduler.NewJob(
		gocron.DurationJob(healthCheckInterval),
		gocron.NewTask(func() { rt.checkHealth(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

func (rt *runtime) close() {
	rt.sink.Close()
	rt.tracer.Close()
	if err := rt.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis cache")
	}
	if err := rt.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}
