package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stock-service/internal/lock"
	"stock-service/internal/models"
	"stock-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reservationFixture struct {
	svc   *service.ReservationService
	store *memStore
	holds *memHolds
	clock *fakeClock
	pub   *recordingPublisher
}

func newReservations(t *testing.T, locker lock.Locker) *reservationFixture {
	t.Helper()
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	clock := newFakeClock()
	f := &reservationFixture{
		store: newMemStore(),
		holds: newMemHolds(clock),
		clock: clock,
		pub:   &recordingPublisher{},
	}
	f.svc = service.NewReservationService(f.store, f.holds, locker, f.pub, service.ReservationOptions{
		LockWait:         2 * time.Second,
		DefaultTTL:       15 * time.Minute,
		DefaultWarehouse: wh,
		Retry:            service.RetryPolicy{Attempts: 2, Backoff: time.Millisecond},
	}, zap.NewNop())
	return f
}

func reserveCmd(key string, qty int64) service.ReserveCommand {
	return service.ReserveCommand{SkuID: "SKU-1", Quantity: qty, BusinessKey: key, Requester: "order-svc"}
}

func TestReserve_MovesStockAndStoresHold(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)

	ok, err := f.svc.Reserve(ctx, reserveCmd("order-1", 10))
	require.NoError(t, err)
	assert.True(t, ok)

	rec := f.store.stock("SKU-1", wh)
	assert.Equal(t, int64(90), rec.AvailableStock)
	assert.Equal(t, int64(10), rec.LockedStock)
	requireBalanced(t, rec)

	exists, err := f.svc.Exists(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, exists)

	h, err := f.svc.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Quantity)
	assert.Equal(t, wh, h.WarehouseID)
	assert.Equal(t, "order-svc", h.Requester)

	qty, err := f.svc.ReservedQuantity(ctx, "SKU-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), qty)

	assert.Equal(t, []service.EventType{service.EventReservationCreated}, f.pub.types())
}

func TestReserve_SameKeyReservesOnce(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)

	for i := 0; i < 3; i++ {
		ok, err := f.svc.Reserve(ctx, reserveCmd("order-1", 10))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, int64(90), f.store.stock("SKU-1", wh).AvailableStock)
	assert.Equal(t, []models.FlowType{models.FlowReserve}, f.store.flowTypes("SKU-1", wh))
}

func TestReserve_Insufficient(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 5, 0, 0, 0)

	ok, err := f.svc.Reserve(ctx, reserveCmd("order-1", 6))
	require.ErrorIs(t, err, service.ErrInsufficientStock)
	assert.False(t, ok)

	var ise *service.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, int64(5), ise.Available)

	_, err = f.svc.Reserve(ctx, service.ReserveCommand{SkuID: "SKU-NONE", Quantity: 1, BusinessKey: "order-2"})
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, int64(0), ise.Available)

	_, err = f.svc.Get(ctx, "order-1")
	assert.ErrorIs(t, err, service.ErrReservationNotFound)
	assert.Equal(t, int64(5), f.store.stock("SKU-1", wh).AvailableStock)
}

func TestReserve_Validation(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()

	_, err := f.svc.Reserve(ctx, reserveCmd("", 1))
	assert.ErrorIs(t, err, service.ErrInvalidArgument)

	_, err = f.svc.Reserve(ctx, reserveCmd("k", 0))
	assert.ErrorIs(t, err, service.ErrInvalidQuantity)
}

func TestReserve_ConcurrentRequestsNeverOversell(t *testing.T) {
	const (
		workers  = 20
		quantity = 3
		short    = 5
	)
	f := newReservations(t, nil)
	ctx := context.Background()
	initial := int64(workers*quantity - short)
	f.store.seed("SKU-1", wh, initial, 0, 0, 0)

	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int64
		insufficient atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := f.svc.Reserve(ctx, reserveCmd(fmt.Sprintf("order-%d", i), quantity))
			switch {
			case err == nil && ok:
				succeeded.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected result: ok=%v err=%v", ok, err)
			}
		}(i)
	}
	wg.Wait()

	// ceil(5/3) = 2 запроса не хватило
	assert.Equal(t, int64(workers-2), succeeded.Load())
	assert.Equal(t, int64(2), insufficient.Load())

	rec := f.store.stock("SKU-1", wh)
	assert.Equal(t, initial-succeeded.Load()*quantity, rec.AvailableStock)
	assert.Equal(t, succeeded.Load()*quantity, rec.LockedStock)
	assert.GreaterOrEqual(t, rec.AvailableStock, int64(0))
	requireBalanced(t, rec)
}

func TestConfirm_DeductsOnce(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)
	_, err := f.svc.Reserve(ctx, reserveCmd("order-1", 10))
	require.NoError(t, err)

	ok, err := f.svc.Confirm(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec := f.store.stock("SKU-1", wh)
	assert.Equal(t, int64(90), rec.AvailableStock)
	assert.Equal(t, int64(0), rec.LockedStock)
	assert.Equal(t, int64(90), rec.TotalStock)
	requireBalanced(t, rec)

	exists, err := f.svc.Exists(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = f.svc.Confirm(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(90), f.store.stock("SKU-1", wh).TotalStock)

	assert.Equal(t, []service.EventType{service.EventReservationCreated, service.EventReservationConfirmed}, f.pub.types())
}

func TestRelease_ReturnsStockOnce(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)
	_, err := f.svc.Reserve(ctx, reserveCmd("order-1", 10))
	require.NoError(t, err)

	ok, err := f.svc.Release(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec := f.store.stock("SKU-1", wh)
	assert.Equal(t, int64(100), rec.AvailableStock)
	assert.Equal(t, int64(0), rec.LockedStock)

	ok, err = f.svc.Release(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(100), f.store.stock("SKU-1", wh).AvailableStock)
	assert.Equal(t, []models.FlowType{models.FlowReserve, models.FlowRelease}, f.store.flowTypes("SKU-1", wh))
}

func TestConfirmRelease_UnknownKey(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()

	ok, err := f.svc.Confirm(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.Release(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelease_LedgerAlreadyReturnedStillClearsHold(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)
	_, err := f.svc.Reserve(ctx, reserveCmd("order-1", 10))
	require.NoError(t, err)

	// locked уже вернули в обход резерва
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)

	ok, err := f.svc.Release(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, ok)

	exists, _ := f.svc.Exists(ctx, "order-1")
	assert.False(t, exists)
	assert.Equal(t, int64(100), f.store.stock("SKU-1", wh).AvailableStock)
}

func TestConfirm_LostUpdateKeepsHold(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)
	_, err := f.svc.Reserve(ctx, reserveCmd("order-1", 10))
	require.NoError(t, err)

	f.store.setFailApply(10)
	ok, err := f.svc.Confirm(ctx, "order-1")
	require.ErrorIs(t, err, service.ErrSystemBusy)
	assert.False(t, ok)

	exists, _ := f.svc.Exists(ctx, "order-1")
	assert.True(t, exists)

	f.store.setFailApply(0)
	ok, err = f.svc.Confirm(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(90), f.store.stock("SKU-1", wh).TotalStock)
}

func TestReserve_HoldWriteFailureCompensates(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)
	f.holds.putErr = errors.New("redis: connection refused")

	ok, err := f.svc.Reserve(ctx, reserveCmd("order-1", 10))
	require.Error(t, err)
	assert.False(t, ok)

	rec := f.store.stock("SKU-1", wh)
	assert.Equal(t, int64(100), rec.AvailableStock)
	assert.Equal(t, int64(0), rec.LockedStock)
	requireBalanced(t, rec)
	assert.Equal(t, []models.FlowType{models.FlowReserve, models.FlowRelease}, f.store.flowTypes("SKU-1", wh))
	assert.Empty(t, f.pub.types())
}

func TestReserve_CancelledDuringHoldWriteStillCompensates(t *testing.T) {
	f := newReservations(t, nil)
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.holds.putHook = func(putCtx context.Context) error {
		// клиент отключился, пока шла запись в Redis
		cancel()
		assert.NoError(t, putCtx.Err())
		return errors.New("redis: i/o timeout")
	}

	ok, err := f.svc.Reserve(ctx, reserveCmd("order-1", 10))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "compensate")
	assert.False(t, ok)

	rec := f.store.stock("SKU-1", wh)
	assert.Equal(t, int64(100), rec.AvailableStock)
	assert.Equal(t, int64(0), rec.LockedStock)
	requireBalanced(t, rec)
	assert.Equal(t, []models.FlowType{models.FlowReserve, models.FlowRelease}, f.store.flowTypes("SKU-1", wh))
}

func TestConfirm_StaleHoldAfterFailedDeleteDeductsOnce(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)
	for _, key := range []string{"order-A", "order-B"} {
		_, err := f.svc.Reserve(ctx, reserveCmd(key, 10))
		require.NoError(t, err)
	}
	f.holds.deleteErr = errors.New("redis: i/o timeout")

	ok, err := f.svc.Confirm(ctx, "order-A")
	require.NoError(t, err)
	assert.True(t, ok)

	// резерв в Redis остался, но повтор не должен списать чужой locked
	exists, err := f.svc.Exists(ctx, "order-A")
	require.NoError(t, err)
	require.True(t, exists)

	ok, err = f.svc.Confirm(ctx, "order-A")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Release(ctx, "order-A")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := f.store.stock("SKU-1", wh)
	assert.Equal(t, int64(80), rec.AvailableStock)
	assert.Equal(t, int64(10), rec.LockedStock)
	assert.Equal(t, int64(90), rec.TotalStock)
	requireBalanced(t, rec)
	assert.Equal(t,
		[]models.FlowType{models.FlowReserve, models.FlowReserve, models.FlowConfirm},
		f.store.flowTypes("SKU-1", wh))

	// после TTL сверка возвращает только неподтверждённый B
	f.clock.Advance(20 * time.Minute)
	due, err := f.holds.DueForSweep(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	byKey := map[string]models.ReservationHold{}
	for _, h := range due {
		byKey[h.BusinessKey] = h
	}

	released, err := f.svc.ReconcileExpired(ctx, byKey["order-A"])
	require.NoError(t, err)
	assert.False(t, released)

	released, err = f.svc.ReconcileExpired(ctx, byKey["order-B"])
	require.NoError(t, err)
	assert.True(t, released)

	rec = f.store.stock("SKU-1", wh)
	assert.Equal(t, int64(90), rec.AvailableStock)
	assert.Equal(t, int64(0), rec.LockedStock)
	assert.Equal(t, int64(90), rec.TotalStock)
	requireBalanced(t, rec)

	journaled, err := f.holds.Journaled(ctx, "order-A")
	require.NoError(t, err)
	assert.False(t, journaled)
}

func TestReserve_LockBusyEndsAsSystemBusy(t *testing.T) {
	var attempts atomic.Int32
	locker := &MockLocker{
		TryLockFunc: func(ctx context.Context, key string, wait time.Duration) (lock.Handle, error) {
			attempts.Add(1)
			assert.Equal(t, lock.StockKey("SKU-1", wh), key)
			return nil, lock.ErrLockUnavailable
		},
	}
	f := newReservations(t, locker)
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)

	ok, err := f.svc.Reserve(context.Background(), reserveCmd("order-1", 10))
	require.ErrorIs(t, err, service.ErrSystemBusy)
	assert.ErrorIs(t, err, service.ErrLockUnavailable)
	assert.False(t, ok)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int64(100), f.store.stock("SKU-1", wh).AvailableStock)
}

func TestExpiredHold_StaysLockedUntilReconciled(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)

	cmd := reserveCmd("order-1", 10)
	cmd.TTL = time.Minute
	_, err := f.svc.Reserve(ctx, cmd)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)

	exists, err := f.svc.Exists(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, exists)

	// TTL не возвращает остаток сам по себе
	assert.Equal(t, int64(10), f.store.stock("SKU-1", wh).LockedStock)

	ok, err := f.svc.Release(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, ok)

	due, err := f.holds.DueForSweep(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	released, err := f.svc.ReconcileExpired(ctx, due[0])
	require.NoError(t, err)
	assert.True(t, released)

	rec := f.store.stock("SKU-1", wh)
	assert.Equal(t, int64(100), rec.AvailableStock)
	assert.Equal(t, int64(0), rec.LockedStock)
	requireBalanced(t, rec)

	released, err = f.svc.ReconcileExpired(ctx, due[0])
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, int64(100), f.store.stock("SKU-1", wh).AvailableStock)

	assert.Contains(t, f.pub.types(), service.EventReservationExpired)
}

func TestReconcileExpired_SkipsLiveHold(t *testing.T) {
	f := newReservations(t, nil)
	ctx := context.Background()
	f.store.seed("SKU-1", wh, 100, 0, 0, 0)
	_, err := f.svc.Reserve(ctx, reserveCmd("order-1", 10))
	require.NoError(t, err)

	h, err := f.svc.Get(ctx, "order-1")
	require.NoError(t, err)

	released, err := f.svc.ReconcileExpired(ctx, *h)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, int64(10), f.store.stock("SKU-1", wh).LockedStock)
}
