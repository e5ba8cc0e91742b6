package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
)

func fastConfig(attempts int) Config {
	return Config{Attempts: attempts, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	start := time.Now()
	err := New(fastConfig(3), nil).Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return apperr.Upstream("test", errors.New("connection refused"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "5ms + 10ms backoff")
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := New(fastConfig(5), nil).Do(context.Background(), "test", func(context.Context) error {
		calls++
		return apperr.InvalidArgument("test", "bad input")
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := New(fastConfig(3), nil).Do(context.Background(), "test", func(context.Context) error {
		calls++
		return apperr.Upstream("test", errors.New("timeout"))
	})
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	assert.Equal(t, 3, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(10)
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := New(cfg, nil).Do(ctx, "test", func(context.Context) error {
		return apperr.Upstream("test", errors.New("down"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestDelayIsCapped(t *testing.T) {
	r := New(Config{Attempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}, nil)
	assert.Equal(t, 10*time.Millisecond, r.delay(0))
	assert.Equal(t, 40*time.Millisecond, r.delay(2))
	assert.Equal(t, 50*time.Millisecond, r.delay(6))
}
