// Command server runs the ride dispatch HTTP and websocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

const migrationFile = "001_create_trips.sql"

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid_config", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server_failed", "err", err)
		os.Exit(1)
	}
}

type closer func() error

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		closers []closer
		checks  []func(context.Context) error
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close_failed", "err", err)
			}
		}
	}()

	var (
		trips   storage.TripStore
		drivers storage.DriverStore
		fares   fare.SettingsStore
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pg.Close)
		checks = append(checks, pg.Ping)
		if cfg.RunMigrations {
			if err := migrate(ctx, pg, cfg.MigrationsDir, logger); err != nil {
				return err
			}
		}
		if err := seedFares(ctx, pg, cfg); err != nil {
			return err
		}
		trips, drivers, fares = pg, pg, pg
		logger.Info("storage_ready", "backend", "postgres")
	} else {
		mem := storage.NewMemoryStore()
		trips, drivers = mem, mem
		fares = fare.NewMemorySettings(models.FareSettings{BaseFare: cfg.FareBase, PerKmRate: cfg.FarePerKm})
		logger.Info("storage_ready", "backend", "memory")
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey, cfg.SearchRadiusKm)
		logger.Info("geo_index_ready", "backend", "redis", "key", cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex()
		logger.Info("geo_index_ready", "backend", "memory")
	}

	hub := events.NewHub()
	hub.OnDrop(func(topic string) {
		kind, _, _ := strings.Cut(topic, ".")
		observability.EventsDropped.WithLabelValues(kind).Inc()
	})
	pub := events.Multi{hub}
	if len(cfg.KafkaBrokers) > 0 {
		k := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTripTopic, cfg.KafkaPresenceTopic)
		closers = append(closers, k.Close)
		pub = append(pub, k)
		logger.Info("kafka_publisher_ready", "brokers", cfg.KafkaBrokers, "trip_topic", cfg.KafkaTripTopic, "presence_topic", cfg.KafkaPresenceTopic)
	}

	oracle, err := buildOracle(cfg)
	if err != nil {
		return err
	}

	rcfg := retry.DefaultConfig()
	rcfg.Attempts = cfg.RetryAttempts
	rcfg.BaseDelay = cfg.RetryBaseDelay

	tripSvc := trip.NewService(trip.Deps{
		Store:  trips,
		Fares:  fares,
		Oracle: oracle,
		Pub:    pub,
		Retry:  retry.New(rcfg, logger),
		Log:    logger,
	})
	sessions := session.NewManager(index, drivers, pub, logger)

	wsreg := notify.NewWSRegistry()
	notifier := notify.Chain{wsreg}
	if cfg.DriverPushEndpoint != "" {
		notifier = append(notifier, notify.NewPushNotifier(cfg.DriverPushEndpoint, cfg.DriverPushKey))
	}

	coord := dispatch.NewCoordinator(tripSvc, sessions, index, notifier,
		dispatch.Config{AcceptTimeout: cfg.AcceptTimeout, AutoDispatch: cfg.AutoDispatch}, logger)
	defer coord.Close()
	sessions.OnOnline(func(ctx context.Context, driverID string) {
		n, err := coord.RedispatchWaiting(ctx)
		if err != nil {
			logger.Warn("redispatch_failed", "driver_id", driverID, "err", err)
			return
		}
		if n > 0 {
			logger.Info("redispatch_done", "driver_id", driverID, "assigned", n)
		}
	})

	api := httpapi.NewServer(httpapi.Deps{
		Coordinator: coord,
		Trips:       tripSvc,
		Drivers:     sessions,
		Fares:       fares,
		Hub:         hub,
		WSReg:       wsreg,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, c := range checks {
				errs = append(errs, c(ctx))
			}
			return errors.Join(errs...)
		},
		Logger: logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server_listening", "addr", cfg.HTTPAddr, "routing", cfg.RoutingProvider, "auto_dispatch", cfg.AutoDispatch)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("server_shutting_down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildOracle(cfg config.ServerConfig) (routing.Oracle, error) {
	var next routing.Oracle
	switch cfg.RoutingProvider {
	case "google":
		g, err := routing.NewGoogleOracle(cfg.GoogleMapsKey)
		if err != nil {
			return nil, fmt.Errorf("google maps client: %w", err)
		}
		next = g
	case "osrm":
		next = routing.NewOSRMClient(cfg.OSRMEndpoint)
	default:
		next = routing.StraightLine{SpeedKmh: cfg.StraightKmh}
	}
	guarded := routing.Guarded{Next: next, Timeout: cfg.RouteTimeout, Name: cfg.RoutingProvider}
	if cfg.RouteCacheTTL <= 0 {
		return guarded, nil
	}
	return routing.NewCache(guarded, cfg.RouteCacheTTL), nil
}

func migrate(ctx context.Context, pg *storage.PostgresStore, dir string, logger *slog.Logger) error {
	path := filepath.Join(dir, migrationFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", path, err)
	}
	if err := pg.Migrate(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	logger.Info("migration_applied", "file", migrationFile)
	return nil
}

// seedFares stores the configured rates when no admin has saved any yet.
func seedFares(ctx context.Context, pg *storage.PostgresStore, cfg config.ServerConfig) error {
	cur, err := pg.GetFareSettings(ctx)
	if err != nil {
		return fmt.Errorf("read fare settings: %w", err)
	}
	if !cur.UpdatedAt.IsZero() {
		return nil
	}
	return pg.PutFareSettings(ctx, models.FareSettings{BaseFare: cfg.FareBase, PerKmRate: cfg.FarePerKm})
}
