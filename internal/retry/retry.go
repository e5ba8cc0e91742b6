// Package retry runs calls against flaky upstreams with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
)

type Config struct {
	Attempts   int // total tries, including the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	// Retryable decides whether err is worth another try. Defaults to
	// UpstreamUnavailable only.
	Retryable func(error) bool
}

func DefaultConfig() Config {
	return Config{
		Attempts:   3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

type Retrier struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Retrier {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.Retryable == nil {
		cfg.Retryable = isUpstream
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retrier{cfg: cfg, log: log}
}

func isUpstream(err error) bool {
	return apperr.KindOf(err) == apperr.KindUpstreamUnavailable
}

// Do calls fn until it succeeds, returns a non-retryable error, or runs out of
// attempts. The last error is returned unchanged so callers can still match its kind.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 0 {
				r.log.Info("upstream_recovered", "op", op, "attempt", attempt+1)
			}
			return nil
		}
		if !r.cfg.Retryable(err) || attempt == r.cfg.Attempts-1 {
			break
		}
		delay := r.delay(attempt)
		r.log.Debug("upstream_retry", "op", op, "attempt", attempt+1, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return apperr.Upstream(op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}

func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt))
	if r.cfg.MaxDelay > 0 && d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	if r.cfg.Jitter {
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}
