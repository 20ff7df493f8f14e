package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-assignment/internal/assignment"
	"github.com/example/rider-assignment/internal/config"
	"github.com/example/rider-assignment/internal/dispatch"
	"github.com/example/rider-assignment/internal/geo"
	httpapi "github.com/example/rider-assignment/internal/http"
	"github.com/example/rider-assignment/internal/ingest"
	"github.com/example/rider-assignment/internal/lock"
	"github.com/example/rider-assignment/internal/logging"
	"github.com/example/rider-assignment/internal/ranking"
	"github.com/example/rider-assignment/internal/retry"
	"github.com/example/rider-assignment/internal/scheduler"
	"github.com/example/rider-assignment/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	a := cfg.Assignment
	policy := retry.Policy{Attempts: a.RetryAttempts, Initial: a.RetryInitial, Max: a.RetryMax, CallTimeout: a.CallTimeout}

	var store storage.Store
	var readyChecks []func(context.Context) error
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = pg
		readyChecks = append(readyChecks, pg.Ping)
	} else {
		logger.Warn("PG_DSN not set; using in-memory store")
		store = storage.NewMemoryStore()
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		readyChecks = append(readyChecks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	var g geo.Geo = geo.NewIndex(store, uint(cfg.GeohashPrecision))
	if cfg.GeoBackend == "redis" {
		g = geo.NewRedisGeo(rc, cfg.RedisGeoKey, uint(cfg.GeohashPrecision))
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if rc != nil {
		locker = lock.NewRedisLocker(rc, "rider-assignment:claim:")
	}

	ws := dispatch.NewWSRegistry()
	var fallback dispatch.Notifier = &dispatch.LogNotifier{Logger: logger}
	if cfg.PushEndpoint != "" {
		fallback = dispatch.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)
	}
	notifier := dispatch.NewFallback(ws, fallback)

	ranker := &ranking.Ranker{
		Geo:   g,
		Store: store,
		Config: ranking.Config{
			Rings:          a.Rings,
			Freshness:      a.RiderFreshness,
			TieEpsilonKm:   a.TieEpsilonKm,
			FairnessWindow: a.FairnessWindow,
			MaxResults:     a.MaxResults,
		},
	}
	machine := assignment.New(store, ranker, notifier, assignment.Config{OfferTimeout: a.OfferTimeout, Retry: policy}, logger)

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, ingest.Topics{
			Locations:   cfg.Topics.Locations,
			Jobs:        cfg.Topics.Jobs,
			Assignments: cfg.Topics.Assignments,
		})
		defer producer.Close()
		machine.Events = producer
	}

	sched := scheduler.New(machine, store, locker, scheduler.Config{
		Workers:       a.Workers,
		QueueSize:     a.QueueSize,
		SweepInterval: a.SweepInterval,
		StaleJobGrace: a.StaleJobGrace,
		ClaimTTL:      a.ClaimTTL,
		SweepBatch:    scheduler.DefaultConfig().SweepBatch,
	}, logger)

	deps := httpapi.Deps{
		Geo:       g,
		Store:     store,
		Machine:   machine,
		Scheduler: sched,
		WSReg:     ws,
		Retry:     policy,
		Ready: func(ctx context.Context) error {
			for _, check := range readyChecks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	if producer != nil {
		deps.Kafka = producer
	}
	srv := httpapi.NewServer(deps, logger)

	background := []func(context.Context){
		func(ctx context.Context) { _ = sched.Run(ctx) },
	}
	if cfg.ConsumeEvents {
		consumers := []*ingest.Consumer{
			ingest.NewConsumer(cfg.KafkaBrokers, cfg.Topics.Jobs, cfg.KafkaGroup+"-jobs", ingest.JobEventHandler(machine, sched, logger), logger),
			ingest.NewConsumer(cfg.KafkaBrokers, cfg.Topics.Locations, cfg.KafkaGroup+"-locations", ingest.LocationHandler(g, policy), logger),
		}
		for _, c := range consumers {
			c := c
			background = append(background, func(ctx context.Context) {
				defer c.Close()
				if err := c.Run(ctx); err != nil {
					logger.Error("consumer stopped", "error", err)
				}
			})
		}
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Info("rider-assignment listening", "addr", cfg.HTTPAddr, "geo_backend", cfg.GeoBackend)
	return serve(ctx, httpSrv, cfg.ShutdownTimeout, logger, background...)
}

// serve runs the background loops and the HTTP server until ctx is done or
// the server fails, then stops both and waits for the loops to return.
func serve(ctx context.Context, httpSrv *http.Server, shutdownTimeout time.Duration, logger *slog.Logger, background ...func(context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, fn := range background {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(fn)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	wg.Wait()
	return serveErr
}
