package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"DB_HOST":     "localhost",
		"DB_PORT":     "5432",
		"DB_USER":     "stock",
		"DB_PASSWORD": "secret",
		"DB_NAME":     "stock",
		"REDIS_ADDR":  "localhost:6379",
	} {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg := Load(zap.NewNop())
	assert.Equal(t, ":8080", cfg.HTTPPort)
	assert.Equal(t, "main", cfg.DefaultWarehouseID)
	assert.Equal(t, "disable", cfg.DB.SSLMode)
	assert.Equal(t, 50, cfg.DB.MaxOpenConns)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 10*time.Second, cfg.Lock.WaitTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Reservation.DefaultTTL)
	assert.False(t, cfg.Reservation.SweepEnabled)
	assert.Equal(t, 100, cfg.Reservation.SweepBatch)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Nil(t, cfg.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.Backoff)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LOCK_BACKEND", "ZooKeeper")
	t.Setenv("ZK_SERVERS", "zk1:2181, zk2:2181,,")
	t.Setenv("RESERVATION_DEFAULT_TTL", "1d")
	t.Setenv("RESERVATION_SWEEP_ENABLED", "true")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka:9092")
	t.Setenv("RETRY_ATTEMPTS", "5")
	t.Setenv("DEFAULT_WAREHOUSE_ID", "WH001")

	cfg := Load(zap.NewNop())
	assert.Equal(t, "zookeeper", cfg.Lock.Backend)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Lock.ZKServers)
	assert.Equal(t, 24*time.Hour, cfg.Reservation.DefaultTTL)
	assert.True(t, cfg.Reservation.SweepEnabled)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, "WH001", cfg.DefaultWarehouseID)
}

func TestLoad_MissingRequiredPanics(t *testing.T) {
	setRequired(t)
	t.Setenv("DB_HOST", "")
	// пустое значение допустимо
	require.NotPanics(t, func() { Load(zap.NewNop()) })

	require.NoError(t, os.Unsetenv("REDIS_ADDR"))
	require.PanicsWithValue(t, "missing required environment variable: REDIS_ADDR", func() { Load(zap.NewNop()) })
}

func TestParseDurationWithDays(t *testing.T) {
	assert.Equal(t, 48*time.Hour, parseDurationWithDays("2d"))
	assert.Equal(t, 90*time.Second, parseDurationWithDays("90s"))
	assert.Equal(t, time.Duration(0), parseDurationWithDays("soon"))
	assert.Equal(t, time.Duration(0), parseDurationWithDays("xd"))
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(""))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a ,b, "))
}
