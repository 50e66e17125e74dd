package service

import (
	"errors"
	"fmt"

	"stock-service/internal/lock"
)

var (
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrLockUnavailable         = lock.ErrLockUnavailable
	ErrAdjustmentPersistFailed = errors.New("stock adjustment not persisted, concurrent modification")
	ErrSystemBusy              = errors.New("system busy, please retry")

	ErrInvalidTransfer = errors.New("source and destination warehouse must differ")
	ErrInvalidQuantity = errors.New("quantity must be > 0")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownAdjust   = errors.New("unknown adjustment type")

	ErrStockNotFound       = errors.New("stock record not found")
	ErrReservationNotFound = errors.New("reservation not found")

	ErrTccAlreadyCancelled = errors.New("tcc branch already cancelled")
)

// InsufficientStockError несёт запрошенное и доступное количество для сообщения клиенту.
type InsufficientStockError struct {
	SkuID       string
	WarehouseID string
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for sku %s in warehouse %s: requested %d, available %d",
		e.SkuID, e.WarehouseID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

func insufficient(skuID, warehouseID string, requested, available int64) error {
	return &InsufficientStockError{
		SkuID:       skuID,
		WarehouseID: warehouseID,
		Requested:   requested,
		Available:   available,
	}
}
