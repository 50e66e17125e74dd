package service

import (
	"context"
	"fmt"
	"time"

	"stock-service/internal/metrics"
	"stock-service/internal/models"
	"stock-service/internal/repository"

	"go.uber.org/zap"
)

type flowEntry struct {
	SkuID       string
	WarehouseID string
	Type        models.FlowType
	Delta       int64
	RefNo       string
	BusinessKey string
	OperatorID  string
}

// recordFlow читает строку после изменения (в той же транзакции) и пишет запись журнала движений.
func recordFlow(ctx context.Context, tx repository.Store, e flowEntry) (*models.StockRecord, error) {
	rec, err := tx.Stocks().Get(ctx, e.SkuID, e.WarehouseID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("stock row %s/%s vanished inside transaction", e.SkuID, e.WarehouseID)
	}
	flow := &models.StockFlow{
		SkuID:          e.SkuID,
		WarehouseID:    e.WarehouseID,
		FlowType:       e.Type,
		Delta:          e.Delta,
		AvailableAfter: rec.AvailableStock,
		LockedAfter:    rec.LockedStock,
		TotalAfter:     rec.TotalStock,
		RefNo:          e.RefNo,
		BusinessKey:    e.BusinessKey,
		OperatorID:     e.OperatorID,
	}
	if err := tx.Flows().Create(ctx, flow); err != nil {
		return nil, err
	}
	return rec, nil
}

func stockEvent(t EventType, rec *models.StockRecord, delta int64, at time.Time) StockEvent {
	ev := StockEvent{Type: t, Delta: delta, OccurredAt: at}
	if rec != nil {
		ev.SkuID = rec.SkuID
		ev.WarehouseID = rec.WarehouseID
		ev.Available = rec.AvailableStock
		ev.Locked = rec.LockedStock
		ev.Total = rec.TotalStock
		ev.Status = string(rec.Status())
	}
	return ev
}

// publish не возвращает ошибку: событие вторично по отношению к закоммиченному изменению.
func publish(ctx context.Context, p EventPublisher, log *zap.Logger, ev StockEvent) {
	if err := p.Publish(ctx, ev); err != nil {
		metrics.IncPublishFailure()
		log.Warn("publish stock event",
			zap.String("type", string(ev.Type)),
			zap.String("sku_id", ev.SkuID),
			zap.String("business_key", ev.BusinessKey),
			zap.Error(err),
		)
	}
}
