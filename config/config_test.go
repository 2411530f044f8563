package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYMENT_DETAIL_MAX_ATTEMPTS", "")
	t.Setenv("QR_EXPIRY_MINUTES", "")

	cfg := Load()

	assert.Equal(t, 3, cfg.Business.DetailMaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Business.DetailBackoff)
	assert.Equal(t, 15*time.Minute, cfg.Business.QRExpiry)
	assert.Equal(t, "local", cfg.Kafka.JobTransport)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QR_EXPIRY_MINUTES", "30")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg := Load()

	assert.Equal(t, 30*time.Minute, cfg.Business.QRExpiry)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 4, cfg.Business.WorkerConcurrency)
}
