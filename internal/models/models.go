package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StockRecord: остаток SKU на складе. Все изменения только через условные UPDATE с дельтой.
type StockRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SkuID       string    `gorm:"type:text;not null;uniqueIndex:ux_stock_records_sku_warehouse"`
	WarehouseID string    `gorm:"type:text;not null;uniqueIndex:ux_stock_records_sku_warehouse;index"`

	TotalStock     int64   `gorm:"not null;default:0"`
	AvailableStock int64   `gorm:"not null;default:0"`
	LockedStock    int64   `gorm:"not null;default:0"`
	DamagedStock   int64   `gorm:"not null;default:0"`
	SafetyStock    int64   `gorm:"not null;default:0"`
	AverageCost    float64 `gorm:"type:numeric(18,4);not null;default:0"`
	Version        int64   `gorm:"not null;default:0"`

	LastInboundAt  *time.Time
	LastOutboundAt *time.Time

	CreatedAt time.Time      `gorm:"not null;default:now()"`
	UpdatedAt time.Time      `gorm:"not null;default:now()"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (StockRecord) TableName() string {
	return "stock_records"
}

type StockStatus string

const (
	StockStatusNormal     StockStatus = "NORMAL"
	StockStatusLow        StockStatus = "LOW_STOCK"
	StockStatusOutOfStock StockStatus = "OUT_OF_STOCK"
)

// Status вычисляется и нигде не хранится.
func (s *StockRecord) Status() StockStatus {
	switch {
	case s.AvailableStock <= 0:
		return StockStatusOutOfStock
	case s.AvailableStock <= s.SafetyStock:
		return StockStatusLow
	default:
		return StockStatusNormal
	}
}

// Balanced проверяет total = available + locked + damaged.
func (s *StockRecord) Balanced() bool {
	return s.TotalStock == s.AvailableStock+s.LockedStock+s.DamagedStock &&
		s.AvailableStock >= 0 && s.LockedStock >= 0 && s.DamagedStock >= 0
}

type TccStatus string

const (
	TccTrying    TccStatus = "TRYING"
	TccConfirmed TccStatus = "CONFIRMED"
	TccCancelled TccStatus = "CANCELLED"
)

// TccReservation: durable-запись TCC-ветки. Не более одной на business_key.
type TccReservation struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	BusinessKey string    `gorm:"type:text;not null;uniqueIndex:ux_tcc_reservations_business_key"`
	SkuID       string    `gorm:"type:text;not null;index"`
	WarehouseID string    `gorm:"type:text;not null"`
	Quantity    int64     `gorm:"not null"`
	Xid         string    `gorm:"type:text;not null;index"`
	BranchID    string    `gorm:"type:text"`
	Status      TccStatus `gorm:"type:text;not null;index"`

	TryTime     *time.Time
	ConfirmTime *time.Time
	CancelTime  *time.Time

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

func (TccReservation) TableName() string {
	return "tcc_reservations"
}

type FlowType string

const (
	FlowInbound     FlowType = "INBOUND"
	FlowOutbound    FlowType = "OUTBOUND"
	FlowStocktake   FlowType = "STOCKTAKE"
	FlowDamage      FlowType = "DAMAGE"
	FlowTransferIn  FlowType = "TRANSFER_IN"
	FlowTransferOut FlowType = "TRANSFER_OUT"
	FlowReserve     FlowType = "RESERVE"
	FlowConfirm     FlowType = "CONFIRM"
	FlowRelease     FlowType = "RELEASE"
)

// StockFlow: журнал движений, пишется в той же транзакции, что и изменение остатка.
type StockFlow struct {
	ID          uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	SkuID       string    `gorm:"type:text;not null;index:ix_stock_flows_sku_warehouse"`
	WarehouseID string    `gorm:"type:text;not null;index:ix_stock_flows_sku_warehouse"`
	FlowType    FlowType  `gorm:"type:text;not null"`
	Delta       int64     `gorm:"not null"`

	AvailableAfter int64 `gorm:"not null"`
	LockedAfter    int64 `gorm:"not null"`
	TotalAfter     int64 `gorm:"not null"`

	RefNo       string `gorm:"type:text;index"`
	BusinessKey string `gorm:"type:text;index"`
	OperatorID  string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:now();index"`
}

func (StockFlow) TableName() string {
	return "stock_flows"
}

// ReservationHold: кратковременный резерв в Redis, не персистится в БД.
type ReservationHold struct {
	BusinessKey string    `json:"business_key"`
	SkuID       string    `json:"sku_id"`
	WarehouseID string    `json:"warehouse_id"`
	Quantity    int64     `json:"quantity"`
	Requester   string    `json:"requester,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
