package service

import (
	"context"
	"time"

	"stock-service/internal/models"
)

// HoldStore хранит кратковременные резервы с TTL и индекс (sku, warehouse) -> ключи.
type HoldStore interface {
	// Put: SETNX; false, если резерв с таким business key уже есть.
	Put(ctx context.Context, hold *models.ReservationHold, ttl time.Duration) (bool, error)
	Get(ctx context.Context, businessKey string) (*models.ReservationHold, error)
	Delete(ctx context.Context, hold *models.ReservationHold) error
	ListBySku(ctx context.Context, skuID, warehouseID string) ([]models.ReservationHold, error)

	// Журнал истёкших резервов для внешней сверки.
	DueForSweep(ctx context.Context, now time.Time, limit int) ([]models.ReservationHold, error)
	Journaled(ctx context.Context, businessKey string) (bool, error)
	Forget(ctx context.Context, businessKey string) error
}

type EventType string

const (
	EventStockAdjusted        EventType = "STOCK_ADJUSTED"
	EventStockTransferred     EventType = "STOCK_TRANSFERRED"
	EventStockLow             EventType = "STOCK_LOW"
	EventReservationCreated   EventType = "RESERVATION_CREATED"
	EventReservationConfirmed EventType = "RESERVATION_CONFIRMED"
	EventReservationReleased  EventType = "RESERVATION_RELEASED"
	EventReservationExpired   EventType = "RESERVATION_EXPIRED"
	EventTccTried             EventType = "TCC_TRIED"
	EventTccConfirmed         EventType = "TCC_CONFIRMED"
	EventTccCancelled         EventType = "TCC_CANCELLED"
)

type StockEvent struct {
	Type        EventType `json:"type"`
	SkuID       string    `json:"sku_id"`
	WarehouseID string    `json:"warehouse_id"`
	Delta       int64     `json:"delta,omitempty"`
	Available   int64     `json:"available"`
	Locked      int64     `json:"locked"`
	Total       int64     `json:"total"`
	Status      string    `json:"status,omitempty"`
	BusinessKey string    `json:"business_key,omitempty"`
	RefNo       string    `json:"ref_no,omitempty"`
	Xid         string    `json:"xid,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// EventPublisher отправляет события после коммита; ошибка доставки не откатывает операцию.
type EventPublisher interface {
	Publish(ctx context.Context, ev StockEvent) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, StockEvent) error { return nil }

func NoopPublisher() EventPublisher { return noopPublisher{} }
