// Command consumer projects driver presence events from Kafka into the Redis
// geo read model behind the live driver map.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/retry"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid_config", "err", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	rcfg := retry.DefaultConfig()
	rcfg.Attempts = cfg.RetryAttempts
	rcfg.BaseDelay = cfg.RetryBaseDelay
	p := &projector{
		index: geo.NewRedisIndex(rc, cfg.RedisGeoKey, 0),
		retry: retry.New(rcfg, logger),
		log:   logger,
	}

	go serveHealth(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.PresenceTopic, GroupID: cfg.GroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer_started", "topic", cfg.PresenceTopic, "brokers", cfg.KafkaBrokers, "group", cfg.GroupID)
	consume(ctx, r, p, logger)
	logger.Info("consumer_stopped")
}

func serveHealth(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics_listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics_server_stopped", "err", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx is cancelled. Broker errors back off up to 30s;
// a message that cannot be projected is logged and skipped.
func consume(ctx context.Context, r messageReader, p *projector, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka_read_failed", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		outcome, err := p.apply(ctx, m.Value)
		observability.PresenceConsumed.WithLabelValues(outcome).Inc()
		if err != nil {
			logger.Warn("presence_projection_failed", "outcome", outcome, "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

const (
	outcomeUpserted = "upserted"
	outcomeRemoved  = "removed"
	outcomeInvalid  = "invalid"
	outcomeFailed   = "failed"
)

// projector applies one presence event to the geo index. Offline drivers are
// removed; everything else is an upsert, and the index drops writes older than
// what it already holds, so replays are harmless.
type projector struct {
	index geo.Index
	retry *retry.Retrier
	log   *slog.Logger
}

func (p *projector) apply(ctx context.Context, value []byte) (string, error) {
	var ev models.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return outcomeInvalid, apperr.InvalidArgument("consumer.apply", "decode presence event: %v", err)
	}
	if ev.Type != models.EventDriverPresence || ev.Driver == nil || ev.Driver.DriverID == "" {
		return outcomeInvalid, apperr.InvalidArgument("consumer.apply", "not a presence event: type=%q", ev.Type)
	}
	d := *ev.Driver
	if !d.IsOnline {
		err := p.retry.Do(ctx, "consumer.remove", func(ctx context.Context) error {
			return p.index.Remove(ctx, d.DriverID, d.LastUpdatedAt)
		})
		if err != nil {
			return outcomeFailed, err
		}
		return outcomeRemoved, nil
	}
	err := p.retry.Do(ctx, "consumer.upsert", func(ctx context.Context) error {
		return p.index.Upsert(ctx, d)
	})
	if err != nil {
		return outcomeFailed, err
	}
	p.log.Debug("presence_projected", "driver_id", d.DriverID, "cell", ev.Cell)
	return outcomeUpserted, nil
}
