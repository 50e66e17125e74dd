package repository

import (
	"context"
	"errors"
	"time"

	"stock-service/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Delta: набор приращений счётчиков. Для каждого отрицательного приращения
// в WHERE добавляется условие col + delta >= 0, поэтому запись никогда не уходит в минус.
type Delta struct {
	Available int64
	Locked    int64
	Damaged   int64
	Total     int64

	UnitCost float64 // пересчёт средней себестоимости при поступлении
	Inbound  bool
	Outbound bool
}

type StockStats struct {
	SkuCount        int64
	TotalStock      int64
	AvailableStock  int64
	LockedStock     int64
	DamagedStock    int64
	LowStockCount   int64
	OutOfStockCount int64
}

type StockRepo interface {
	Get(ctx context.Context, skuID, warehouseID string) (*models.StockRecord, error)
	// GetForUpdate берёт строчную блокировку (SELECT ... FOR UPDATE), работает только внутри транзакции.
	GetForUpdate(ctx context.Context, skuID, warehouseID string) (*models.StockRecord, error)
	BatchGet(ctx context.Context, skuIDs []string, warehouseID string) ([]models.StockRecord, error)
	// EnsureRow создаёт пустую строку; мягко удалённую строку восстанавливает вместе со счётчиками.
	EnsureRow(ctx context.Context, skuID, warehouseID string, safetyStock int64) error
	Stats(ctx context.Context, warehouseID string) (StockStats, error)

	// Apply применяет дельту атомарно; false: ни одна строка не подошла под условие.
	Apply(ctx context.Context, skuID, warehouseID string, d Delta) (bool, error)

	// TryReserve: available -= q, locked += q, если available >= q
	TryReserve(ctx context.Context, skuID, warehouseID string, qty int64) (bool, error)
	// Release: locked -= q, available += q, если locked >= q
	Release(ctx context.Context, skuID, warehouseID string, qty int64) (bool, error)
	// Confirm: locked -= q, total -= q (товар окончательно покидает склад)
	Confirm(ctx context.Context, skuID, warehouseID string, qty int64) (bool, error)
}

type stockRepo struct{ db *gorm.DB }

func NewStockRepo(db *gorm.DB) StockRepo { return &stockRepo{db: db} }

func (r *stockRepo) Get(ctx context.Context, skuID, warehouseID string) (*models.StockRecord, error) {
	var rec models.StockRecord
	err := r.db.WithContext(ctx).
		Where("sku_id = ? AND warehouse_id = ?", skuID, warehouseID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *stockRepo) GetForUpdate(ctx context.Context, skuID, warehouseID string) (*models.StockRecord, error) {
	var rec models.StockRecord
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("sku_id = ? AND warehouse_id = ?", skuID, warehouseID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *stockRepo) BatchGet(ctx context.Context, skuIDs []string, warehouseID string) ([]models.StockRecord, error) {
	if len(skuIDs) == 0 {
		return []models.StockRecord{}, nil
	}
	var list []models.StockRecord
	err := r.db.WithContext(ctx).
		Where("warehouse_id = ? AND sku_id IN ?", warehouseID, skuIDs).
		Order("sku_id ASC").
		Find(&list).Error
	return list, err
}

func (r *stockRepo) EnsureRow(ctx context.Context, skuID, warehouseID string, safetyStock int64) error {
	rec := models.StockRecord{
		SkuID:       skuID,
		WarehouseID: warehouseID,
		SafetyStock: safetyStock,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sku_id"}, {Name: "warehouse_id"}},
			DoUpdates: clause.Assignments(map[string]any{"deleted_at": nil}),
			// живую строку не трогаем, иначе сработает триггер updated_at
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "stock_records.deleted_at IS NOT NULL"},
			}},
		}).
		Create(&rec).Error
	return translate(err)
}

func (r *stockRepo) Stats(ctx context.Context, warehouseID string) (StockStats, error) {
	var st StockStats
	q := r.db.WithContext(ctx).Model(&models.StockRecord{}).Select(`
COUNT(*)                                                              AS sku_count,
COALESCE(SUM(total_stock), 0)                                         AS total_stock,
COALESCE(SUM(available_stock), 0)                                     AS available_stock,
COALESCE(SUM(locked_stock), 0)                                        AS locked_stock,
COALESCE(SUM(damaged_stock), 0)                                       AS damaged_stock,
COUNT(*) FILTER (WHERE available_stock > 0 AND available_stock <= safety_stock) AS low_stock_count,
COUNT(*) FILTER (WHERE available_stock = 0)                           AS out_of_stock_count`)
	if warehouseID != "" {
		q = q.Where("warehouse_id = ?", warehouseID)
	}
	err := q.Scan(&st).Error
	return st, err
}

func (r *stockRepo) Apply(ctx context.Context, skuID, warehouseID string, d Delta) (bool, error) {
	now := time.Now().UTC()
	set := map[string]any{
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}

	q := r.db.WithContext(ctx).
		Model(&models.StockRecord{}).
		Where("sku_id = ? AND warehouse_id = ?", skuID, warehouseID)

	// Средняя себестоимость считается по старым значениям строки, до применения дельты.
	if d.UnitCost > 0 && d.Total > 0 {
		set["average_cost"] = gorm.Expr(
			"CASE WHEN total_stock + ? > 0 THEN (average_cost * total_stock + ? * ?) / (total_stock + ?) ELSE average_cost END",
			d.Total, d.UnitCost, d.Total, d.Total,
		)
	}

	for _, c := range []struct {
		col   string
		delta int64
	}{
		{"available_stock", d.Available},
		{"locked_stock", d.Locked},
		{"damaged_stock", d.Damaged},
		{"total_stock", d.Total},
	} {
		if c.delta == 0 {
			continue
		}
		set[c.col] = gorm.Expr(c.col+" + ?", c.delta)
		if c.delta < 0 {
			q = q.Where(c.col+" + ? >= 0", c.delta)
		}
	}

	if d.Inbound {
		set["last_inbound_at"] = now
	}
	if d.Outbound {
		set["last_outbound_at"] = now
	}

	tx := q.Updates(set)
	if tx.Error != nil {
		return false, translate(tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (r *stockRepo) TryReserve(ctx context.Context, skuID, warehouseID string, qty int64) (bool, error) {
	return r.Apply(ctx, skuID, warehouseID, Delta{Available: -qty, Locked: qty})
}

func (r *stockRepo) Release(ctx context.Context, skuID, warehouseID string, qty int64) (bool, error) {
	return r.Apply(ctx, skuID, warehouseID, Delta{Available: qty, Locked: -qty})
}

func (r *stockRepo) Confirm(ctx context.Context, skuID, warehouseID string, qty int64) (bool, error) {
	return r.Apply(ctx, skuID, warehouseID, Delta{Locked: -qty, Total: -qty, Outbound: true})
}
