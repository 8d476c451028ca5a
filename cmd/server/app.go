package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"estatefeed/server/config"
	"estatefeed/server/internal/aggregate"
	"estatefeed/server/internal/amenity"
	"estatefeed/server/internal/checkpoint"
	"estatefeed/server/internal/database"
	"estatefeed/server/internal/geocoding"
	"estatefeed/server/internal/metrics"
	"estatefeed/server/internal/models"
	"estatefeed/server/internal/processor"
	"estatefeed/server/internal/property"
	"estatefeed/server/internal/proximity"
	"estatefeed/server/internal/scheduler"
	"estatefeed/server/internal/source"
)

// app holds the wired components shared by serve mode and single-job mode.
type app struct {
	cfg         *config.Config
	logger      *logrus.Logger
	db          *gorm.DB
	rdb         *redis.Client
	registry    *prometheus.Registry
	checkpoints checkpoint.Store
	runner      *scheduler.Runner
	cancelJobs  context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	logger.WithField("driver", cfg.Database.Driver).Info("Opening database")
	db, err := database.Open(database.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Running database migrations...")
	if err := database.MigrateSchema(db); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db, registry: registry}

	if cfg.Redis.Address != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	if cfg.Checkpoint.Backend == "redis" {
		a.checkpoints = checkpoint.NewRedisStore(a.rdb, "", 0)
	} else {
		a.checkpoints = checkpoint.NewGormStore(db)
	}

	if err := a.syncRegions(ctx); err != nil {
		logger.WithError(err).Warn("Region sync failed, using regions already stored")
	}

	regions := database.NewRegionStore(db)
	client := source.NewClient(source.ClientConfig{
		BaseURL:     cfg.Source.BaseURL,
		ServiceKey:  cfg.Source.ServiceKey,
		SalePath:    cfg.Source.SalePath,
		LeasePath:   cfg.Source.LeasePath,
		SchoolPath:  cfg.Source.SchoolPath,
		StationPath: cfg.Source.StationPath,
		PageSize:    cfg.Source.PageSize,
		PageDelay:   cfg.Source.PageDelay,
		Timeout:     cfg.Source.Timeout,
	}, logger)

	// Without an API key properties are stored unlocated and the backfill job is a no-op.
	var (
		geocoder   property.Geocoder
		backfiller *geocoding.Backfiller
	)
	if cfg.Geocoding.APIKey != "" {
		kakao := geocoding.NewKakaoClient(cfg.Geocoding.BaseURL, cfg.Geocoding.APIKey, cfg.Geocoding.Delay, cfg.Geocoding.Timeout, logger)
		resolver := geocoding.NewResolver(kakao, regions, logger, m)
		geocoder = resolver
		backfiller = geocoding.NewBackfiller(db, resolver, cfg.Geocoding.BackfillBatchSize, logger)
	} else {
		logger.Warn("GEOCODE_API_KEY not set, geocoding disabled")
	}

	properties := property.NewResolver(db, geocoder, regions, logger, m)
	batches := processor.NewBatchProcessor(db, properties, aggregate.NewRebuilder(logger, m), a.checkpoints, processor.Config{
		BatchSize:  cfg.Ingest.BatchSize,
		InsertMode: cfg.Ingest.InsertMode,
		MaxRetries: cfg.Ingest.MaxRetries,
		RetryDelay: cfg.Ingest.RetryDelay,
	}, logger, m)
	pool := processor.NewPool(batches, client, regions, processor.PoolConfig{
		Workers:          cfg.Ingest.Workers,
		ProvincePrefixes: cfg.Ingest.ProvincePrefixes,
	}, logger, m)

	var locker *redislock.Client
	if a.rdb != nil {
		locker = redislock.New(a.rdb)
	}
	materializer := proximity.NewMaterializer(db, locker, proximity.Config{
		RadiusKm:  cfg.Proximity.RadiusKm,
		BatchSize: cfg.Proximity.BatchSize,
		LockTTL:   cfg.Proximity.LockTTL,
	}, logger, m)
	syncer := amenity.NewSyncer(db, client, logger)

	jobCtx, cancel := context.WithCancel(context.Background())
	a.cancelJobs = cancel
	a.runner = scheduler.NewRunner(jobCtx, logger, m)

	ingest := func(trade models.TradeType) scheduler.JobFunc {
		return func(ctx context.Context) error {
			_, err := pool.Run(ctx, trade, cfg.YearMonths(time.Now()))
			return err
		}
	}
	a.runner.Register(scheduler.JobTypeIngestSale, ingest(models.TradeSale))
	a.runner.Register(scheduler.JobTypeIngestLease, ingest(models.TradeLease))

	a.runner.Register(scheduler.JobTypeGeocode, func(ctx context.Context) error {
		if backfiller == nil {
			logger.Info("Geocoding disabled, skipping backfill")
			return nil
		}
		_, err := backfiller.Run(ctx)
		return err
	})

	a.runner.Register(scheduler.JobTypeAmenities, func(ctx context.Context) error {
		for _, kind := range models.AmenityKinds {
			if _, err := syncer.Sync(ctx, kind); err != nil {
				return err
			}
		}
		return nil
	})

	a.runner.Register(scheduler.JobTypeProximity, func(ctx context.Context) error {
		_, err := materializer.Run(ctx)
		if errors.Is(err, proximity.ErrLocked) {
			logger.Warn("Proximity refresh already running elsewhere, skipping")
			return nil
		}
		return err
	})

	a.runner.Register(scheduler.JobTypeRegions, a.syncRegions)

	return a, nil
}

func (a *app) syncRegions(ctx context.Context) error {
	entries, err := config.LoadRegionFile(a.cfg.Regions.File)
	if err != nil {
		return err
	}
	n, err := database.SyncRegions(ctx, a.db, entries)
	if err != nil {
		return err
	}
	a.logger.WithField("regions", n).Info("Region reference data synced")
	return nil
}

// Close releases connections. It is safe to call more than once.
func (a *app) Close() {
	if a.cancelJobs != nil {
		a.cancelJobs()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.WithError(err).Warn("Failed to close redis client")
		}
		a.rdb = nil
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		a.db = nil
	}
}
