package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stock-service/config"
	"stock-service/internal/cache"
	"stock-service/internal/cleanup"
	"stock-service/internal/consumer"
	"stock-service/internal/lock"
	"stock-service/internal/pkg/database"
	"stock-service/internal/pkg/logger"
	"stock-service/internal/producer"
	"stock-service/internal/repository"
	"stock-service/internal/router"
	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
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

	db := database.ConnectDB(&cfg.DB.Config, log)
	defer database.CloseDB(db, log)

	repos := repository.New(db)

	redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal("failed to create redis client", zap.Error(err))
	}
	defer redisClient.Close()

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

	var events service.EventPublisher = service.NoopPublisher()
	if cfg.Kafka.Enabled {
		p := producer.NewStockEventProducer(cfg.Kafka.Brokers, cfg.Kafka.StockEventsTopic)
		defer p.Close()
		events = p
		log.Info("Kafka stock events enabled", zap.String("topic", cfg.Kafka.StockEventsTopic))
	} else {
		log.Info("Kafka disabled, stock events are dropped")
	}

	retry := service.RetryPolicy{Attempts: cfg.Retry.Attempts, Backoff: cfg.Retry.Backoff}

	stockSvc := service.NewStockService(repos, events, retry, cfg.DefaultWarehouseID, log)
	reservationSvc := service.NewReservationService(repos, redisClient, locker, events, service.ReservationOptions{
		LockWait:         cfg.Lock.WaitTimeout,
		DefaultTTL:       cfg.Reservation.DefaultTTL,
		DefaultWarehouse: cfg.DefaultWarehouseID,
		Retry:            retry,
	}, log)
	tccSvc := service.NewTccService(repos, events, retry, cfg.DefaultWarehouseID, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var scheduler *cleanup.Scheduler
	if cfg.Reservation.SweepEnabled {
		sweeper := cleanup.NewHoldSweeper(redisClient, reservationSvc, cfg.Reservation.SweepBatch, log)
		scheduler = cleanup.NewScheduler(sweeper, cfg.Reservation.SweepInterval, log)
		scheduler.Start(ctx)
	} else {
		log.Info("Expired hold sweep disabled, locked stock of expired holds is left for external reconciliation")
	}

	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	httpSrv := &http.Server{
		Addr: cfg.HTTPPort,
		Handler: router.Router(router.Services{
			Stock:        stockSvc,
			Reservations: reservationSvc,
			Tcc:          tccSvc,
		}, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()

	// Health server
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)

	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		log.Fatal("failed to listen", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Starting HTTP server", zap.String("addr", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info("Starting gRPC health server", zap.String("addr", cfg.GRPCPort))
		return grpcServer.Serve(lis)
	})

	if cfg.Kafka.Enabled {
		releaseConsumer := consumer.NewKafkaReleaseConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.ReleaseTopic, reservationSvc, log)
		defer releaseConsumer.Close()
		g.Go(func() error { return releaseConsumer.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down servers...")
		healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

		if scheduler != nil {
			scheduler.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown", zap.Error(err))
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return
	}
	log.Info("Servers stopped gracefully")
}
