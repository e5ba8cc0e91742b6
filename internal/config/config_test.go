package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Second, cfg.AcceptTimeout)
	assert.True(t, cfg.AutoDispatch)
	assert.Equal(t, "straight", cfg.RoutingProvider)
	assert.Equal(t, 300.0, cfg.FareBase)
	assert.Equal(t, 150.0, cfg.FarePerKm)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DISPATCH_ACCEPT_TIMEOUT", "20s")
	t.Setenv("DISPATCH_AUTO", "false")
	t.Setenv("ROUTING_PROVIDER", "OSRM")
	t.Setenv("OSRM_ENDPOINT", "http://osrm:5000")
	t.Setenv("FARE_BASE", "250")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 20*time.Second, cfg.AcceptTimeout)
	assert.False(t, cfg.AutoDispatch)
	assert.Equal(t, "osrm", cfg.RoutingProvider)
	assert.Equal(t, 250.0, cfg.FareBase)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("DISPATCH_AUTO", "maybe")
	t.Setenv("ROUTING_PROVIDER", "google")
	t.Setenv("UPSTREAM_RETRY_ATTEMPTS", "0")

	_, err := LoadServerConfig()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "HTTP_READ_TIMEOUT")
	assert.Contains(t, msg, "DISPATCH_AUTO")
	assert.Contains(t, msg, "GOOGLE_MAPS_API_KEY")
	assert.Contains(t, msg, "UPSTREAM_RETRY_ATTEMPTS")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP", "projector")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "projector", cfg.GroupID)
	assert.Equal(t, "driver-presence", cfg.PresenceTopic)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)

	t.Setenv("KAFKA_BROKERS", " , ")
	_, err = LoadConsumerConfig()
	assert.Error(t, err)
}
