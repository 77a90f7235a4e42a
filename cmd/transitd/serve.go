package main

import (
	"context"
	"database/sql"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"transit-predictor/internal/api"
	"transit-predictor/internal/config"
	"transit-predictor/internal/db"
	"transit-predictor/internal/geo"
	"transit-predictor/internal/history"
	"transit-predictor/internal/ingest"
	"transit-predictor/internal/metrics"
	"transit-predictor/internal/predict"
	"transit-predictor/internal/reference"
	"transit-predictor/internal/tracker"
)

func serve(parent context.Context, cfg *config.Config) error {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mcol := metrics.NewCollector(cfg.Freshness, cfg.QueryTimeout)
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Route network
	source := referenceSource(cfg)
	if dbSource, ok := source.(*reference.DBSource); ok {
		defer dbSource.Close()
	}
	index := geo.NewIndex(geo.Dataset{})
	refresher := reference.NewRefresher(index, source, referenceOptions(cfg), cfg.ReferenceRefresh, mcol)
	if err := refresher.Refresh(ctx); err != nil {
		return err
	}
	refresher.Start(ctx)
	defer refresher.Stop()

	// Historical samples
	histOpts := []history.Option{history.WithMetrics(mcol)}
	var sampleDB *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		if sampleDB, err = openSampleStore(ctx, cfg); err != nil {
			return err
		}
		defer sampleDB.Close()
		histOpts = append(histOpts, history.WithPersister(db.NewSampleStore(sampleDB)))
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer client.Close()
		bandCache := cache.New[string](redisstore.NewRedis(client, store.WithExpiration(cfg.CacheTTL)))
		histOpts = append(histOpts, history.WithCache(bandCache))
		log.Info().Str("addr", cfg.RedisAddr).Msg("Caching velocity bands in Redis")
	}
	hist := history.New(history.Config{
		FlushInterval: cfg.FlushInterval,
		MaxSpeedKmh:   cfg.MaxSpeedKmh,
		Retention:     cfg.HistoryRetention,
		Location:      cfg.Location,
		CacheTTL:      cfg.CacheTTL,
	}, histOpts...)
	if sampleDB != nil {
		seedHistory(ctx, hist, db.NewSampleStore(sampleDB), cfg.HistoryRetention)
	}
	hist.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hist.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("Final history flush failed")
		}
	}()

	// Vehicle state
	trk := tracker.New(index, tracker.Config{
		HistorySize:   cfg.HistorySize,
		Freshness:     cfg.Freshness,
		MinInterval:   cfg.MinReportInterval,
		SegmentLength: cfg.SegmentLengthKm,
		MaxOffRoute:   cfg.MaxOffRouteKm,
	}, tracker.WithSink(hist), tracker.WithMetrics(mcol))
	trk.Start(ctx, time.Minute)
	defer trk.Stop()

	// Ingest
	pipe := ingest.NewPipeline(trk, cfg.IngestWorkers, cfg.IngestQueueSize, mcol)
	pipe.Start()
	defer pipe.Stop()
	resolver := ingest.Resolver{Index: index, MaxOffRoute: cfg.MaxOffRouteKm}

	if cfg.NATSURL != "" {
		sub, err := connectNATS(ctx, cfg, resolver, pipe, mcol)
		if err != nil {
			return err
		}
		defer sub.Close()
	}
	if cfg.GTFSRTURL != "" {
		poller := ingest.NewGTFSRTPoller(cfg.GTFSRTURL, cfg.GTFSRTPollInterval, resolver, pipe, mcol)
		done := make(chan struct{})
		go func() {
			defer close(done)
			poller.Run(ctx)
		}()
		defer func() { <-done }()
	}

	predictor := predict.New(index, trk, hist, predict.Config{
		InstantWeight:   cfg.InstantWeight,
		StoppedSpeedKmh: cfg.StoppedSpeedKmh,
		DefaultSpeedKmh: cfg.DefaultSpeedKmh,
	}, predict.WithMetrics(mcol))

	webApp := api.New(api.Deps{
		Index:        index,
		Predictor:    predictor,
		History:      hist,
		Tracker:      trk,
		Pipeline:     pipe,
		Resolver:     resolver,
		Metrics:      mcol,
		Location:     cfg.Location,
		QueryTimeout: cfg.QueryTimeout,
	})

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP listening")
		errc <- webApp.Listen(cfg.ListenAddr)
	}()

	select {
	case err := <-errc:
		cancel()
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	// Deferred stops run in reverse: ingest sources, pipeline, tracker, history.
	if err := webApp.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	return nil
}

func referenceSource(cfg *config.Config) reference.Source {
	if cfg.GTFSStaticPath != "" {
		return reference.ZipSource{Path: cfg.GTFSStaticPath}
	}
	return reference.NewDBSource(cfg.DatabaseURL, cfg.City)
}

func referenceOptions(cfg *config.Config) reference.Options {
	return reference.Options{LoopRoutes: cfg.LoopRoutes}
}

func openSampleStore(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.NewSampleStore(sqlDB).EnsureSchema(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.Info().Str("dsn", db.Redact(cfg.DatabaseURL)).Msg("Persisting segment samples")
	return sqlDB, nil
}

func seedHistory(ctx context.Context, hist *history.Aggregator, samples *db.SampleStore, retention time.Duration) {
	since := time.Time{}
	if retention > 0 {
		since = time.Now().Add(-retention)
	}
	loaded, err := samples.LoadSamples(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Starting without historical samples")
		return
	}
	hist.Seed(loaded)
	log.Info().Int("samples", len(loaded)).Msg("Seeded historical samples")
}

// connectNATS retries the initial connection so the service can start
// before the broker does.
func connectNATS(ctx context.Context, cfg *config.Config, resolver ingest.Resolver, pipe *ingest.Pipeline, mcol *metrics.Collector) (*ingest.NATSSubscriber, error) {
	opts := ingest.NATSOptions{Subject: cfg.NATSSubject, Queue: cfg.NATSQueue, Routes: cfg.NATSRoutes}
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = time.Minute
	var sub *ingest.NATSSubscriber
	err := backoff.RetryNotify(func() error {
		var err error
		sub, err = ingest.NewNATSSubscriber(cfg.NATSURL, opts, resolver, pipe, mcol)
		return err
	}, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("NATS connect failed")
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return sub, nil
}
