package main

import (
	"context"
	"fmt"
	"os"

	"stock-service/config"
	"stock-service/internal/cache"
	"stock-service/internal/cleanup"
	"stock-service/internal/lock"
	"stock-service/internal/pkg/database"
	"stock-service/internal/pkg/logger"
	"stock-service/internal/repository"
	"stock-service/internal/service"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	isDev := os.Getenv("ENV") == "development"
	if err := logger.Init(isDev); err != nil {
		panic(err)
	}
	defer logger.Sync()

	log := logger.L()
	cfg := config.Load(log)

	if len(os.Args) > 1 && os.Args[1] != "holds" {
		fmt.Println("Usage: go run cmd/cleanup/main.go [holds]")
		fmt.Println("  holds - return locked stock of expired short-lived reservations (default)")
		os.Exit(1)
	}

	db := database.ConnectDB(&cfg.DB.Config, log)
	defer database.CloseDB(db, log)

	redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal("failed to create redis client", zap.Error(err))
	}
	defer redisClient.Close()

	// тот же бэкенд, что и у работающих инстансов, иначе проход с ними не сериализуется
	locker, closeLocker, err := lock.New(lock.Options{
		Backend:   cfg.Lock.Backend,
		TTL:       cfg.Lock.TTL,
		Redis:     redisClient.Client(),
		ZKServers: cfg.Lock.ZKServers,
	}, log)
	if err != nil {
		log.Fatal("failed to create locker", zap.Error(err))
	}
	defer closeLocker()

	reservationSvc := service.NewReservationService(repository.New(db), redisClient, locker, nil, service.ReservationOptions{
		LockWait:         cfg.Lock.WaitTimeout,
		DefaultTTL:       cfg.Reservation.DefaultTTL,
		DefaultWarehouse: cfg.DefaultWarehouseID,
		Retry:            service.RetryPolicy{Attempts: cfg.Retry.Attempts, Backoff: cfg.Retry.Backoff},
	}, log)

	sweeper := cleanup.NewHoldSweeper(redisClient, reservationSvc, cfg.Reservation.SweepBatch, log)
	scheduler := cleanup.NewScheduler(sweeper, cfg.Reservation.SweepInterval, log)

	log.Info("running expired holds sweep")
	res, err := scheduler.RunOnceNow(context.Background())
	if err != nil {
		log.Fatal("failed to sweep expired holds", zap.Error(err))
	}

	log.Info("cleanup completed successfully",
		zap.Int("scanned", res.Scanned),
		zap.Int("released", res.Released),
		zap.Int("failed", res.Failed),
	)
}
