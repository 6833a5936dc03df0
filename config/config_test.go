package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("DB_DRIVER", "")

	cfg := Load()

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Business.SweepInterval)
	assert.Equal(t, "signing", cfg.Payment.Provider)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "-5")
	t.Setenv("SETTINGS_CACHE_TTL_SECONDS", "0")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("PAYMENT_PROVIDER", "stripe")

	cfg := Load()

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Business.SweepInterval)
	assert.Equal(t, time.Duration(0), cfg.Business.SettingsCacheTTL)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "stripe", cfg.Payment.Provider)
}
