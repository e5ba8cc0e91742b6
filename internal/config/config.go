package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisGeoKey    string
	SearchRadiusKm float64

	KafkaBrokers       []string
	KafkaTripTopic     string
	KafkaPresenceTopic string

	PGDSN string

	RoutingProvider string // google, osrm or straight
	GoogleMapsKey   string
	OSRMEndpoint    string
	RouteTimeout    time.Duration
	RouteCacheTTL   time.Duration
	StraightKmh     float64

	AcceptTimeout time.Duration
	AutoDispatch  bool

	FareBase  float64
	FarePerKm float64

	RetryAttempts  int
	RetryBaseDelay time.Duration

	DriverPushEndpoint string
	DriverPushKey      string

	LogLevel      string
	RunMigrations bool
	MigrationsDir string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		SearchRadiusKm:     10,
		KafkaTripTopic:     "trip-events",
		KafkaPresenceTopic: "driver-presence",
		RoutingProvider:    "straight",
		RouteTimeout:       3 * time.Second,
		RouteCacheTTL:      5 * time.Minute,
		StraightKmh:        30,
		AcceptTimeout:      15 * time.Second,
		AutoDispatch:       true,
		FareBase:           300,
		FarePerKm:          150,
		RetryAttempts:      3,
		RetryBaseDelay:     100 * time.Millisecond,
		LogLevel:           "info",
		MigrationsDir:      "migrations",
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
	setFloatFromEnv(&cfg.SearchRadiusKm, "REDIS_SEARCH_RADIUS_KM", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTripTopic, "KAFKA_TRIP_TOPIC")
	setStringFromEnv(&cfg.KafkaPresenceTopic, "KAFKA_PRESENCE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("ROUTING_PROVIDER"); v != "" {
		cfg.RoutingProvider = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.GoogleMapsKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.RouteTimeout, "ROUTE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.StraightKmh, "ROUTE_STRAIGHT_KMH", &errs)

	setDurationFromEnv(&cfg.AcceptTimeout, "DISPATCH_ACCEPT_TIMEOUT", &errs)
	setBoolFromEnv(&cfg.AutoDispatch, "DISPATCH_AUTO", &errs)

	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)

	setIntFromEnv(&cfg.RetryAttempts, "UPSTREAM_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBaseDelay, "UPSTREAM_RETRY_BASE_DELAY", &errs)

	setStringFromEnv(&cfg.DriverPushEndpoint, "DRIVER_PUSH_ENDPOINT")
	cfg.DriverPushKey = os.Getenv("DRIVER_PUSH_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	switch cfg.RoutingProvider {
	case "straight":
	case "google":
		if cfg.GoogleMapsKey == "" {
			errs = append(errs, fmt.Errorf("GOOGLE_MAPS_API_KEY is required for ROUTING_PROVIDER=google"))
		}
	case "osrm":
		if cfg.OSRMEndpoint == "" {
			errs = append(errs, fmt.Errorf("OSRM_ENDPOINT is required for ROUTING_PROVIDER=osrm"))
		}
	default:
		errs = append(errs, fmt.Errorf("ROUTING_PROVIDER must be google, osrm or straight, got %q", cfg.RoutingProvider))
	}
	if cfg.AcceptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ACCEPT_TIMEOUT must be > 0"))
	}
	if cfg.FareBase < 0 || cfg.FarePerKm < 0 {
		errs = append(errs, fmt.Errorf("FARE_BASE and FARE_PER_KM must be >= 0"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_RETRY_ATTEMPTS must be > 0"))
	}
	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_SEARCH_RADIUS_KM must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the presence projector in cmd/consumer.
type ConsumerConfig struct {
	MetricsAddr    string
	KafkaBrokers   []string
	PresenceTopic  string
	GroupID        string
	RedisAddr      string
	RedisPassword  string
	RedisGeoKey    string
	RetryAttempts  int
	RetryBaseDelay time.Duration
	LogLevel       string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:    ":2112",
		KafkaBrokers:   []string{"localhost:9092"},
		PresenceTopic:  "driver-presence",
		GroupID:        "ride-dispatch-presence",
		RedisAddr:      "localhost:6379",
		RedisGeoKey:    "drivers_map",
		RetryAttempts:  3,
		RetryBaseDelay: 200 * time.Millisecond,
		LogLevel:       "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.PresenceTopic, "KAFKA_PRESENCE_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_MAP_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "UPSTREAM_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBaseDelay, "UPSTREAM_RETRY_BASE_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_RETRY_ATTEMPTS must be > 0"))
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

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
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
