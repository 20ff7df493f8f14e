package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/rider-assignment/internal/config"
	"github.com/example/rider-assignment/internal/geo"
	"github.com/example/rider-assignment/internal/ingest"
	"github.com/example/rider-assignment/internal/logging"
	"github.com/example/rider-assignment/internal/retry"
)

// The consumer applies rider location pings from Kafka to the Redis geo
// index shared with API instances running GEO_BACKEND=redis.
func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	g := geo.NewRedisGeo(rc, cfg.RedisGeoKey, uint(cfg.GeohashPrecision))

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: healthMux(g.Ping), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := ingest.NewConsumer(cfg.KafkaBrokers, cfg.Topic, cfg.Group, ingest.LocationHandler(g, policyFor(cfg)), logger)
	defer c.Close()
	logger.Info("consumer starting", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)
	if err := c.Run(ctx); err != nil {
		logger.Error("consumer stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func policyFor(cfg config.ConsumerConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.Attempts = cfg.RetryAttempts
	p.Initial = cfg.RetryInitial
	return p
}

func healthMux(ping func(context.Context) error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
