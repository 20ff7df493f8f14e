package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/rider-assignment/internal/ranking"
)

// ServerConfig captures all tunable parameters for the API and scheduler
// process. Values are loaded from environment variables with defaults that
// run locally without Redis, Kafka or PostgreSQL.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	// GeoBackend is "index" (geohash buckets in the store) or "redis".
	GeoBackend       string
	GeohashPrecision int

	KafkaBrokers []string
	KafkaGroup   string
	Topics       Topics
	// ConsumeEvents starts the job and location consumers in-process.
	ConsumeEvents bool

	PGDSN string

	PushEndpoint string
	PushKey      string

	Assignment AssignmentConfig

	LogLevel      string
	RunMigrations bool
}

type Topics struct {
	Locations   string
	Jobs        string
	Assignments string
}

// AssignmentConfig holds the ranking, offer and scheduling tunables.
type AssignmentConfig struct {
	OfferTimeout   time.Duration
	SweepInterval  time.Duration
	StaleJobGrace  time.Duration
	RiderFreshness time.Duration

	Rings          []ranking.Ring
	TieEpsilonKm   float64
	FairnessWindow time.Duration
	MaxResults     int

	Workers   int
	QueueSize int
	ClaimTTL  time.Duration

	CallTimeout   time.Duration
	RetryAttempts int
	RetryInitial  time.Duration
	RetryMax      time.Duration
}

// ConsumerConfig is the standalone location ingest worker's configuration.
type ConsumerConfig struct {
	MetricsAddr      string
	KafkaBrokers     []string
	Topic            string
	Group            string
	RedisAddr        string
	RedisPassword    string
	RedisGeoKey      string
	GeohashPrecision int
	RetryAttempts    int
	RetryInitial     time.Duration
	LogLevel         string
}

func defaultAssignmentConfig() AssignmentConfig {
	return AssignmentConfig{
		OfferTimeout:   30 * time.Second,
		SweepInterval:  5 * time.Second,
		StaleJobGrace:  15 * time.Second,
		RiderFreshness: 10 * time.Minute,
		Rings:          ranking.DefaultRings(),
		TieEpsilonKm:   0.01,
		FairnessWindow: 24 * time.Hour,
		MaxResults:     200,
		Workers:        4,
		QueueSize:      256,
		ClaimTTL:       10 * time.Second,
		CallTimeout:    5 * time.Second,
		RetryAttempts:  3,
		RetryInitial:   200 * time.Millisecond,
		RetryMax:       2 * time.Second,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "riders_geo",
		GeoBackend:       "index",
		GeohashPrecision: 7,
		KafkaGroup:       "rider-assignment",
		Topics:           Topics{Locations: "rider-locations", Jobs: "delivery-jobs", Assignments: "assignment-events"},
		Assignment:       defaultAssignmentConfig(),
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.GeoBackend, "GEO_BACKEND")
	cfg.GeoBackend = strings.ToLower(cfg.GeoBackend)
	setIntFromEnv(&cfg.GeohashPrecision, "GEOHASH_PRECISION", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.Topics.Locations, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.Topics.Jobs, "KAFKA_JOBS_TOPIC")
	setStringFromEnv(&cfg.Topics.Assignments, "KAFKA_ASSIGNMENTS_TOPIC")
	cfg.ConsumeEvents = strings.EqualFold(os.Getenv("CONSUME_EVENTS"), "true")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	loadAssignment(&cfg.Assignment, &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	switch cfg.GeoBackend {
	case "index":
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("GEO_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("GEO_BACKEND must be index or redis, got %q", cfg.GeoBackend))
	}
	if cfg.GeohashPrecision < 1 || cfg.GeohashPrecision > 12 {
		errs = append(errs, fmt.Errorf("GEOHASH_PRECISION must be between 1 and 12"))
	}
	if cfg.ConsumeEvents && len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("CONSUME_EVENTS requires KAFKA_BROKERS"))
	}

	return cfg, errors.Join(errs...)
}

func loadAssignment(a *AssignmentConfig, errs *[]error) {
	setDurationFromEnv(&a.OfferTimeout, "OFFER_TIMEOUT", errs)
	setDurationFromEnv(&a.SweepInterval, "SWEEP_INTERVAL", errs)
	setDurationFromEnv(&a.StaleJobGrace, "STALE_JOB_GRACE", errs)
	setDurationFromEnv(&a.RiderFreshness, "RIDER_FRESHNESS", errs)
	if v := strings.TrimSpace(os.Getenv("RANKER_RINGS")); v != "" {
		rings, err := ranking.ParseRings(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid RANKER_RINGS: %w", err))
		} else {
			a.Rings = rings
		}
	}
	setFloatFromEnv(&a.TieEpsilonKm, "RANKER_TIE_EPSILON_KM", errs)
	setDurationFromEnv(&a.FairnessWindow, "RANKER_FAIRNESS_WINDOW", errs)
	setIntFromEnv(&a.MaxResults, "RANKER_MAX_RESULTS", errs)
	setIntFromEnv(&a.Workers, "SCHEDULER_WORKERS", errs)
	setIntFromEnv(&a.QueueSize, "SCHEDULER_QUEUE_SIZE", errs)
	setDurationFromEnv(&a.ClaimTTL, "CLAIM_TTL", errs)
	setDurationFromEnv(&a.CallTimeout, "CALL_TIMEOUT", errs)
	setIntFromEnv(&a.RetryAttempts, "RETRY_ATTEMPTS", errs)
	setDurationFromEnv(&a.RetryInitial, "RETRY_INITIAL", errs)
	setDurationFromEnv(&a.RetryMax, "RETRY_MAX", errs)

	if a.OfferTimeout <= 0 {
		*errs = append(*errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if a.SweepInterval <= 0 {
		*errs = append(*errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if a.TieEpsilonKm < 0 {
		*errs = append(*errs, fmt.Errorf("RANKER_TIE_EPSILON_KM must be >= 0"))
	}
	if a.Workers <= 0 {
		*errs = append(*errs, fmt.Errorf("SCHEDULER_WORKERS must be > 0"))
	}
	if a.RetryAttempts <= 0 {
		*errs = append(*errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:      ":2112",
		KafkaBrokers:     []string{"localhost:9092"},
		Topic:            "rider-locations",
		Group:            "rider-assignment-locations",
		RedisAddr:        "localhost:6379",
		RedisGeoKey:      "riders_geo",
		GeohashPrecision: 7,
		RetryAttempts:    3,
		RetryInitial:     200 * time.Millisecond,
		LogLevel:         "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.GeohashPrecision, "GEOHASH_PRECISION", &errs)
	setIntFromEnv(&cfg.RetryAttempts, "RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryInitial, "RETRY_INITIAL", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
