// Package lock: advisory-блокировки для сериализации read-validate-update по (sku, warehouse).
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	ErrLockUnavailable = errors.New("lock unavailable")
	ErrLockNotHeld     = errors.New("lock not held")
)

type Handle interface {
	Release(ctx context.Context) error
}

// Locker захватывает блокировку по ключу, ожидая не дольше wait.
// По истечении ожидания возвращает ErrLockUnavailable.
type Locker interface {
	TryLock(ctx context.Context, key string, wait time.Duration) (Handle, error)
}

func StockKey(skuID, warehouseID string) string {
	return "stock:" + skuID + ":" + warehouseID
}
