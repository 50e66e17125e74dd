package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"stock-service/config"
	"stock-service/internal/migrate"
	"stock-service/internal/pkg/database"
	"stock-service/internal/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// parseFlags: по умолчанию создаётся вся схема остатков.
func parseFlags(args []string) (migrate.MigrateOptions, time.Duration, error) {
	opts := migrate.DefaultMigrateOptions()
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.BoolVar(&opts.CreateChecks, "checks", opts.CreateChecks, "CHECK-ограничения на счётчики остатков и статусы TCC")
	fs.BoolVar(&opts.CreateIndexes, "indexes", opts.CreateIndexes, "дополнительные индексы stock_records / tcc_reservations")
	fs.BoolVar(&opts.CreateUpdatedAtTrigger, "triggers", opts.CreateUpdatedAtTrigger, "триггеры updated_at")
	timeout := fs.Duration("timeout", 5*time.Minute, "ограничение на всю миграцию")
	if err := fs.Parse(args); err != nil {
		return opts, 0, err
	}
	if *timeout <= 0 {
		return opts, 0, fmt.Errorf("timeout must be positive, got %s", *timeout)
	}
	return opts, *timeout, nil
}

func main() {
	opts, timeout, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	_ = godotenv.Load()
	isDev := os.Getenv("ENV") == "development"
	if err := logger.Init(isDev); err != nil {
		panic(err)
	}
	defer logger.Sync()

	log := logger.L()
	cfg := config.Load(log)

	log.Info("Миграция базы остатков",
		zap.String("host", cfg.DB.Host),
		zap.String("db", cfg.DB.Name),
		zap.Bool("checks", opts.CreateChecks),
		zap.Bool("indexes", opts.CreateIndexes),
		zap.Bool("triggers", opts.CreateUpdatedAtTrigger),
	)

	db := database.ConnectDBForMigration(&cfg.DB.Config, log)
	defer database.CloseDB(db, log)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := migrate.MigrateStockDB(ctx, db, log, opts); err != nil {
		log.Error("Ошибка миграции базы остатков", zap.String("db", cfg.DB.Name), zap.Error(err))
		cancel()
		database.CloseDB(db, log)
		logger.Sync()
		os.Exit(1)
	}

	log.Info("База остатков готова", zap.String("db", cfg.DB.Name))
}
