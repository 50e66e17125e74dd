package migrate

import (
	"context"
	"stock-service/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MigrateOptions struct {
	CreateExtensions       bool // pgcrypto для gen_random_uuid()
	CreateChecks           bool // CHECK-constraint'ы на счётчики и статусы
	CreateIndexes          bool // индексы и UNIQUE
	CreateUpdatedAtTrigger bool // триггеры updated_at
}

func DefaultMigrateOptions() MigrateOptions {
	return MigrateOptions{
		CreateExtensions:       true,
		CreateChecks:           true,
		CreateIndexes:          true,
		CreateUpdatedAtTrigger: true,
	}
}

type step struct {
	name string
	sql  string
}

func exec(ctx context.Context, db *gorm.DB, log *zap.Logger, steps []step) error {
	for _, s := range steps {
		if err := db.WithContext(ctx).Exec(s.sql).Error; err != nil {
			log.Error(s.name, zap.Error(err))
			return err
		}
	}
	return nil
}

func MigrateStockDB(ctx context.Context, db *gorm.DB, log *zap.Logger, opt MigrateOptions) error {
	log.Info("Начало миграции базы остатков")

	if opt.CreateExtensions {
		log.Info("Создание расширений PostgreSQL")
		if err := exec(ctx, db, log, []step{
			{"pgcrypto error", `CREATE EXTENSION IF NOT EXISTS pgcrypto`},
		}); err != nil {
			return err
		}
	}

	log.Info("Создание таблиц: stock_records, tcc_reservations, stock_flows")
	if err := db.WithContext(ctx).AutoMigrate(&models.StockRecord{}, &models.TccReservation{}, &models.StockFlow{}); err != nil {
		log.Error("AutoMigrate error", zap.Error(err))
		return err
	}
	log.Info("Таблицы созданы")

	if opt.CreateUpdatedAtTrigger {
		log.Info("Создание триггеров updated_at")
		if err := exec(ctx, db, log, []step{{"triggers error", `
CREATE OR REPLACE FUNCTION set_updated_at() RETURNS trigger AS $$
BEGIN NEW.updated_at = now(); RETURN NEW; END; $$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_stock_records_updated ON stock_records;
CREATE TRIGGER trg_stock_records_updated BEFORE UPDATE ON stock_records
FOR EACH ROW EXECUTE FUNCTION set_updated_at();

DROP TRIGGER IF EXISTS trg_tcc_reservations_updated ON tcc_reservations;
CREATE TRIGGER trg_tcc_reservations_updated BEFORE UPDATE ON tcc_reservations
FOR EACH ROW EXECUTE FUNCTION set_updated_at();
`}}); err != nil {
			return err
		}
		log.Info("Триггеры созданы")
	}

	if opt.CreateChecks {
		log.Info("Создание CHECK-ограничений")
		if err := exec(ctx, db, log, []step{
			{"chk stock_records non negative", `
ALTER TABLE stock_records
	DROP CONSTRAINT IF EXISTS chk_stock_records_non_negative,
	ADD CONSTRAINT chk_stock_records_non_negative
	CHECK (available_stock >= 0 AND locked_stock >= 0 AND damaged_stock >= 0 AND safety_stock >= 0);
`},
			{"chk stock_records balance", `
ALTER TABLE stock_records
	DROP CONSTRAINT IF EXISTS chk_stock_records_balance,
	ADD CONSTRAINT chk_stock_records_balance
	CHECK (total_stock = available_stock + locked_stock + damaged_stock);
`},
			// пустой откат может прийти без количества, поэтому допускаем 0
			{"chk tcc_reservations.qty", `
ALTER TABLE tcc_reservations
	DROP CONSTRAINT IF EXISTS chk_tcc_reservations_quantity_non_negative,
	ADD CONSTRAINT chk_tcc_reservations_quantity_non_negative
	CHECK (quantity >= 0);
`},
			{"chk tcc_reservations.status", `
ALTER TABLE tcc_reservations
	DROP CONSTRAINT IF EXISTS chk_tcc_reservations_status_allowed,
	ADD CONSTRAINT chk_tcc_reservations_status_allowed
	CHECK (status IN ('TRYING','CONFIRMED','CANCELLED'));
`},
		}); err != nil {
			return err
		}
		log.Info("CHECK-и созданы")
	}

	if opt.CreateIndexes {
		log.Info("Создание индексов")
		if err := exec(ctx, db, log, []step{
			{"ix tcc status_try_time", `
CREATE INDEX IF NOT EXISTS ix_tcc_reservations_status_try_time
ON tcc_reservations (status, try_time);
`},
			{"ix stock_records low stock", `
CREATE INDEX IF NOT EXISTS ix_stock_records_warehouse_available
ON stock_records (warehouse_id, available_stock)
WHERE deleted_at IS NULL;
`},
		}); err != nil {
			return err
		}
		log.Info("Индексы созданы")
	}

	log.Info("Миграция базы остатков успешно завершена")
	return nil
}
