package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"stock-service/internal/pkg/database"

	"go.uber.org/zap"
)

type Config struct {
	HTTPPort           string
	GRPCPort           string
	DefaultWarehouseID string

	DB          DB
	Redis       Redis
	Lock        Lock
	Reservation Reservation
	Kafka       Kafka
	Retry       Retry
}

type DB struct {
	database.Config
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type Lock struct {
	Backend     string // redis | zookeeper | local
	TTL         time.Duration
	WaitTimeout time.Duration
	ZKServers   []string
}

type Reservation struct {
	DefaultTTL    time.Duration
	SweepEnabled  bool
	SweepInterval time.Duration
	SweepBatch    int
}

type Kafka struct {
	Enabled          bool
	Brokers          []string
	StockEventsTopic string
	ReleaseTopic     string
	GroupID          string
}

type Retry struct {
	Attempts int
	Backoff  time.Duration
}

func Load(log *zap.Logger) *Config {
	return &Config{
		HTTPPort:           getEnvDefault("HTTP_PORT", ":8080"),
		GRPCPort:           getEnvDefault("GRPC_PORT", ":9090"),
		DefaultWarehouseID: getEnvDefault("DEFAULT_WAREHOUSE_ID", "main"),
		DB: DB{
			Config: database.Config{
				Host:            getEnv("DB_HOST", log),
				Port:            getEnv("DB_PORT", log),
				User:            getEnv("DB_USER", log),
				Password:        getEnv("DB_PASSWORD", log),
				Name:            getEnv("DB_NAME", log),
				SSLMode:         getEnvDefault("DB_SSLMODE", "disable"),
				MaxOpenConns:    atoiDefault(os.Getenv("DB_MAX_OPEN_CONNS"), 50),
				MaxIdleConns:    atoiDefault(os.Getenv("DB_MAX_IDLE_CONNS"), 10),
				ConnMaxLifetime: parseDurationWithDays(getEnvDefault("DB_CONN_MAX_LIFETIME", "30m")),
			},
		},
		Redis: Redis{
			Addr:     getEnv("REDIS_ADDR", log),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       atoiDefault(os.Getenv("REDIS_DB"), 0),
		},
		Lock: Lock{
			Backend:     strings.ToLower(getEnvDefault("LOCK_BACKEND", "redis")),
			TTL:         parseDurationWithDays(getEnvDefault("LOCK_TTL", "30s")),
			WaitTimeout: parseDurationWithDays(getEnvDefault("LOCK_WAIT_TIMEOUT", "10s")),
			ZKServers:   splitAndTrim(os.Getenv("ZK_SERVERS")),
		},
		Reservation: Reservation{
			DefaultTTL:    parseDurationWithDays(getEnvDefault("RESERVATION_DEFAULT_TTL", "15m")),
			SweepEnabled:  os.Getenv("RESERVATION_SWEEP_ENABLED") == "true",
			SweepInterval: parseDurationWithDays(getEnvDefault("RESERVATION_SWEEP_INTERVAL", "1m")),
			SweepBatch:    atoiDefault(os.Getenv("RESERVATION_SWEEP_BATCH"), 100),
		},
		Kafka: Kafka{
			Enabled:          os.Getenv("KAFKA_ENABLED") == "true",
			Brokers:          splitAndTrim(os.Getenv("KAFKA_BROKERS")),
			StockEventsTopic: getEnvDefault("KAFKA_TOPIC_STOCK_EVENTS", "stock.events"),
			ReleaseTopic:     getEnvDefault("KAFKA_TOPIC_RELEASE", "stock.reservation.release"),
			GroupID:          getEnvDefault("KAFKA_GROUP_ID", "stock-service"),
		},
		Retry: Retry{
			Attempts: atoiDefault(os.Getenv("RETRY_ATTEMPTS"), 3),
			Backoff:  parseDurationWithDays(getEnvDefault("RETRY_BACKOFF", "50ms")),
		},
	}
}

func getEnv(key string, log *zap.Logger) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	log.Error("Обязательная переменная окружения не установлена", zap.String("key", key))
	panic("missing required environment variable: " + key)
}

func getEnvDefault(key, def string) string {
	if val, exists := os.LookupEnv(key); exists && val != "" {
		return val
	}
	return def
}

func parseDurationWithDays(s string) time.Duration {
	if strings.HasSuffix(s, "d") {
		daysStr := strings.TrimSuffix(s, "d")
		days, err := time.ParseDuration(daysStr + "h")
		if err != nil {
			log.Printf("Ошибка парсинга TTL: %v", err)
			return 0
		}
		return time.Duration(24) * days
	}

	duration, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return duration
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := []string{}
	for _, p := range strings.Split(s, ",") {
		pt := strings.TrimSpace(p)
		if pt != "" {
			parts = append(parts, pt)
		}
	}
	return parts
}
