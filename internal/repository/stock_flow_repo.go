package repository

import (
	"context"
	"errors"

	"stock-service/internal/models"

	"gorm.io/gorm"
)

type StockFlowRepo interface {
	Create(ctx context.Context, f *models.StockFlow) error
	ListBySku(ctx context.Context, skuID, warehouseID string, limit int) ([]models.StockFlow, error)
	// LastHoldFlow: последнее движение кратковременного резерва (RESERVE, CONFIRM или RELEASE) по ключу.
	// nil, если по ключу ничего не двигалось.
	LastHoldFlow(ctx context.Context, skuID, warehouseID, businessKey string) (*models.StockFlow, error)
}

var holdFlowTypes = []models.FlowType{models.FlowReserve, models.FlowConfirm, models.FlowRelease}

type stockFlowRepo struct{ db *gorm.DB }

func NewStockFlowRepo(db *gorm.DB) StockFlowRepo { return &stockFlowRepo{db: db} }

func (r *stockFlowRepo) Create(ctx context.Context, f *models.StockFlow) error {
	return r.db.WithContext(ctx).Create(f).Error
}

func (r *stockFlowRepo) ListBySku(ctx context.Context, skuID, warehouseID string, limit int) ([]models.StockFlow, error) {
	if limit <= 0 {
		limit = 50
	}
	var list []models.StockFlow
	err := r.db.WithContext(ctx).
		Where("sku_id = ? AND warehouse_id = ?", skuID, warehouseID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *stockFlowRepo) LastHoldFlow(ctx context.Context, skuID, warehouseID, businessKey string) (*models.StockFlow, error) {
	var f models.StockFlow
	err := r.db.WithContext(ctx).
		Where("sku_id = ? AND warehouse_id = ? AND business_key = ? AND flow_type IN ?",
			skuID, warehouseID, businessKey, holdFlowTypes).
		Order("created_at DESC").
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
