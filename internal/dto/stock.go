package dto

import "time"

type AdjustRequest struct {
	SkuID       string  `json:"sku_id" binding:"required"`
	WarehouseID string  `json:"warehouse_id"`
	Type        string  `json:"type" binding:"omitempty,oneof=INBOUND OUTBOUND STOCKTAKE DAMAGE"`
	Delta       int64   `json:"delta" binding:"required"`
	UnitCost    float64 `json:"unit_cost" binding:"gte=0"`
	OperatorID  string  `json:"operator_id"`
	RefNo       string  `json:"ref_no"`
}

type TransferRequest struct {
	SkuID           string `json:"sku_id" binding:"required"`
	FromWarehouseID string `json:"from_warehouse_id" binding:"required"`
	ToWarehouseID   string `json:"to_warehouse_id" binding:"required"`
	Quantity        int64  `json:"quantity" binding:"required,gt=0"`
	OperatorID      string `json:"operator_id"`
	RefNo           string `json:"ref_no"`
}

type InitStockRequest struct {
	SkuID       string `json:"sku_id" binding:"required"`
	WarehouseID string `json:"warehouse_id"`
	SafetyStock int64  `json:"safety_stock" binding:"gte=0"`
}

type BatchQueryRequest struct {
	SkuIDs      []string `json:"sku_ids" binding:"required,min=1,max=500"`
	WarehouseID string   `json:"warehouse_id"`
}

type StockResponse struct {
	SkuID          string     `json:"sku_id"`
	WarehouseID    string     `json:"warehouse_id"`
	TotalStock     int64      `json:"total_stock"`
	AvailableStock int64      `json:"available_stock"`
	LockedStock    int64      `json:"locked_stock"`
	DamagedStock   int64      `json:"damaged_stock"`
	SafetyStock    int64      `json:"safety_stock"`
	AverageCost    float64    `json:"average_cost"`
	Status         string     `json:"status"`
	Version        int64      `json:"version"`
	LastInboundAt  *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time `json:"last_outbound_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type TransferResponse struct {
	From StockResponse `json:"from"`
	To   StockResponse `json:"to"`
}

type StockStatsResponse struct {
	WarehouseID     string `json:"warehouse_id,omitempty"`
	SkuCount        int64  `json:"sku_count"`
	TotalStock      int64  `json:"total_stock"`
	AvailableStock  int64  `json:"available_stock"`
	LockedStock     int64  `json:"locked_stock"`
	DamagedStock    int64  `json:"damaged_stock"`
	LowStockCount   int64  `json:"low_stock_count"`
	OutOfStockCount int64  `json:"out_of_stock_count"`
}

type StockFlowResponse struct {
	FlowType       string    `json:"flow_type"`
	Delta          int64     `json:"delta"`
	AvailableAfter int64     `json:"available_after"`
	LockedAfter    int64     `json:"locked_after"`
	TotalAfter     int64     `json:"total_after"`
	RefNo          string    `json:"ref_no,omitempty"`
	BusinessKey    string    `json:"business_key,omitempty"`
	OperatorID     string    `json:"operator_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type ReserveRequest struct {
	SkuID       string `json:"sku_id" binding:"required"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int64  `json:"quantity" binding:"required,gt=0"`
	BusinessKey string `json:"business_key" binding:"required"`
	TTLSeconds  int64  `json:"ttl_seconds" binding:"gte=0"`
	Requester   string `json:"requester"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type ExistsResponse struct {
	BusinessKey string           `json:"business_key"`
	Exists      bool             `json:"exists"`
	Hold        *ReservationHold `json:"hold,omitempty"`
}

type ReservationHold struct {
	SkuID       string    `json:"sku_id"`
	WarehouseID string    `json:"warehouse_id"`
	Quantity    int64     `json:"quantity"`
	Requester   string    `json:"requester,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type ReservedQuantityResponse struct {
	SkuID       string `json:"sku_id"`
	WarehouseID string `json:"warehouse_id"`
	Reserved    int64  `json:"reserved"`
}

// TccRequest: тело обратного вызова ветки TCC (try/confirm/cancel).
type TccRequest struct {
	BusinessKey string `json:"business_key" binding:"required"`
	SkuID       string `json:"sku_id"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int64  `json:"quantity" binding:"gte=0"`
	Xid         string `json:"xid"`
	BranchID    string `json:"branch_id"`
}

type TccBranchResponse struct {
	BusinessKey string     `json:"business_key"`
	SkuID       string     `json:"sku_id"`
	WarehouseID string     `json:"warehouse_id"`
	Quantity    int64      `json:"quantity"`
	Xid         string     `json:"xid"`
	BranchID    string     `json:"branch_id,omitempty"`
	Status      string     `json:"status"`
	TryTime     *time.Time `json:"try_time,omitempty"`
	ConfirmTime *time.Time `json:"confirm_time,omitempty"`
	CancelTime  *time.Time `json:"cancel_time,omitempty"`
}
