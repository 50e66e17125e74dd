package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stock-service/internal/lock"
	"stock-service/internal/metrics"
	"stock-service/internal/models"
	"stock-service/internal/repository"

	"go.uber.org/zap"
)

type ReserveCommand struct {
	SkuID       string
	WarehouseID string
	Quantity    int64
	BusinessKey string
	TTL         time.Duration // 0: значение по умолчанию из конфига
	Requester   string
}

type ReservationOptions struct {
	LockWait         time.Duration
	DefaultTTL       time.Duration
	DefaultWarehouse string
	Retry            RetryPolicy
}

// ReservationService ведёт кратковременные резервы: остаток двигается в БД, сам резерв живёт в Redis с TTL.
// По истечении TTL остаток не возвращается автоматически, это делает внешняя сверка (cleanup.HoldSweeper).
type ReservationService struct {
	store  repository.Store
	holds  HoldStore
	locker lock.Locker
	events EventPublisher
	opts   ReservationOptions
	now    func() time.Time
	log    *zap.Logger
}

func NewReservationService(
	store repository.Store,
	holds HoldStore,
	locker lock.Locker,
	events EventPublisher,
	opts ReservationOptions,
	log *zap.Logger,
) *ReservationService {
	if events == nil {
		events = NoopPublisher()
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 10 * time.Second
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	return &ReservationService{
		store:  store,
		holds:  holds,
		locker: locker,
		events: events,
		opts:   opts,
		now:    time.Now,
		log:    log,
	}
}

// withStockLock выполняет fn под блокировкой (sku, warehouse).
func (s *ReservationService) withStockLock(ctx context.Context, skuID, warehouseID string, fn func() error) error {
	start := time.Now()
	h, err := s.locker.TryLock(ctx, lock.StockKey(skuID, warehouseID), s.opts.LockWait)
	metrics.ObserveLockWait(start, err == nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.log.Warn("release stock lock",
				zap.String("sku_id", skuID),
				zap.String("warehouse_id", warehouseID),
				zap.Error(rerr),
			)
		}
	}()
	return fn()
}

func (s *ReservationService) Reserve(ctx context.Context, cmd ReserveCommand) (ok bool, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveOp("reserve", start, metrics.Outcome(err, ErrInsufficientStock, ErrInvalidQuantity, ErrInvalidArgument))
	}()

	cmd.BusinessKey = strings.TrimSpace(cmd.BusinessKey)
	cmd.SkuID = strings.TrimSpace(cmd.SkuID)
	if cmd.BusinessKey == "" || cmd.SkuID == "" {
		return false, fmt.Errorf("%w: business key and sku id are required", ErrInvalidArgument)
	}
	if cmd.Quantity <= 0 {
		return false, ErrInvalidQuantity
	}
	if cmd.WarehouseID == "" {
		cmd.WarehouseID = s.opts.DefaultWarehouse
	}
	if cmd.TTL <= 0 {
		cmd.TTL = s.opts.DefaultTTL
	}

	existing, err := s.holds.Get(ctx, cmd.BusinessKey)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return true, nil
	}

	err = s.opts.Retry.do(ctx, s.log, "reserve", func() error {
		return s.withStockLock(ctx, cmd.SkuID, cmd.WarehouseID, func() error {
			return s.reserveLocked(ctx, cmd)
		})
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *ReservationService) reserveLocked(ctx context.Context, cmd ReserveCommand) error {
	// повтор под блокировкой: параллельный вызов с тем же ключом мог успеть раньше
	existing, err := s.holds.Get(ctx, cmd.BusinessKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	rec, err := s.store.Stocks().Get(ctx, cmd.SkuID, cmd.WarehouseID)
	if err != nil {
		return err
	}
	if rec == nil {
		return insufficient(cmd.SkuID, cmd.WarehouseID, cmd.Quantity, 0)
	}
	if rec.AvailableStock < cmd.Quantity {
		return insufficient(cmd.SkuID, cmd.WarehouseID, cmd.Quantity, rec.AvailableStock)
	}

	var snapshot *models.StockRecord
	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		ok, err := tx.Stocks().TryReserve(ctx, cmd.SkuID, cmd.WarehouseID, cmd.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			// защитное условие WHERE сработало: кто-то списал в обход блокировки
			cur, err := tx.Stocks().Get(ctx, cmd.SkuID, cmd.WarehouseID)
			if err != nil {
				return err
			}
			var available int64
			if cur != nil {
				available = cur.AvailableStock
			}
			return insufficient(cmd.SkuID, cmd.WarehouseID, cmd.Quantity, available)
		}
		snapshot, err = recordFlow(ctx, tx, flowEntry{
			SkuID:       cmd.SkuID,
			WarehouseID: cmd.WarehouseID,
			Type:        models.FlowReserve,
			Delta:       -cmd.Quantity,
			BusinessKey: cmd.BusinessKey,
			OperatorID:  cmd.Requester,
		})
		return err
	})
	if err != nil {
		return err
	}

	now := s.now().UTC()
	hold := &models.ReservationHold{
		BusinessKey: cmd.BusinessKey,
		SkuID:       cmd.SkuID,
		WarehouseID: cmd.WarehouseID,
		Quantity:    cmd.Quantity,
		Requester:   cmd.Requester,
		CreatedAt:   now,
		ExpiresAt:   now.Add(cmd.TTL),
	}
	// остаток уже перемещён: запись резерва и компенсация не должны обрываться вместе с запросом
	bg := context.WithoutCancel(ctx)
	put, perr := s.holds.Put(bg, hold, cmd.TTL)
	if perr != nil || !put {
		s.log.Error("hold write failed, compensating ledger",
			zap.String("business_key", cmd.BusinessKey),
			zap.Bool("key_taken", perr == nil && !put),
			zap.Error(perr),
		)
		if cerr := s.compensate(bg, hold); cerr != nil {
			s.log.Error("compensation failed, locked stock needs manual release",
				zap.String("business_key", cmd.BusinessKey),
				zap.String("sku_id", cmd.SkuID),
				zap.Int64("quantity", cmd.Quantity),
				zap.Error(cerr),
			)
			// не временная ошибка: повтор резерва списал бы остаток ещё раз
			return fmt.Errorf("compensate hold %s: %v", cmd.BusinessKey, cerr)
		}
		if perr != nil {
			return perr
		}
		// ключ занят: резерв уже существует, второй раз не списываем
		return nil
	}

	ev := stockEvent(EventReservationCreated, snapshot, -cmd.Quantity, now)
	ev.BusinessKey = cmd.BusinessKey
	publish(bg, s.events, s.log, ev)
	return nil
}

func (s *ReservationService) compensate(ctx context.Context, hold *models.ReservationHold) error {
	return s.store.WithTx(ctx, func(tx repository.Store) error {
		ok, err := tx.Stocks().Release(ctx, hold.SkuID, hold.WarehouseID, hold.Quantity)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: compensate %s", ErrAdjustmentPersistFailed, hold.BusinessKey)
		}
		_, err = recordFlow(ctx, tx, flowEntry{
			SkuID:       hold.SkuID,
			WarehouseID: hold.WarehouseID,
			Type:        models.FlowRelease,
			Delta:       hold.Quantity,
			BusinessKey: hold.BusinessKey,
			OperatorID:  hold.Requester,
		})
		return err
	})
}

// Confirm списывает зарезервированный товар. false: резерва нет (истёк, уже подтверждён или снят).
func (s *ReservationService) Confirm(ctx context.Context, businessKey string) (ok bool, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("confirm", start, metrics.Outcome(err)) }()

	hold, err := s.holds.Get(ctx, businessKey)
	if err != nil {
		return false, err
	}
	if hold == nil {
		return false, nil
	}

	err = s.opts.Retry.do(ctx, s.log, "confirm", func() error {
		return s.withStockLock(ctx, hold.SkuID, hold.WarehouseID, func() error {
			var lerr error
			ok, lerr = s.finishLocked(ctx, businessKey, models.FlowConfirm)
			return lerr
		})
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release возвращает резерв в свободный остаток.
func (s *ReservationService) Release(ctx context.Context, businessKey string) (ok bool, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("release", start, metrics.Outcome(err)) }()

	hold, err := s.holds.Get(ctx, businessKey)
	if err != nil {
		return false, err
	}
	if hold == nil {
		return false, nil
	}

	err = s.opts.Retry.do(ctx, s.log, "release", func() error {
		return s.withStockLock(ctx, hold.SkuID, hold.WarehouseID, func() error {
			var lerr error
			ok, lerr = s.finishLocked(ctx, businessKey, models.FlowRelease)
			return lerr
		})
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// finishLocked закрывает резерв подтверждением или отменой; вызывается под блокировкой.
func (s *ReservationService) finishLocked(ctx context.Context, businessKey string, kind models.FlowType) (bool, error) {
	hold, err := s.holds.Get(ctx, businessKey)
	if err != nil {
		return false, err
	}
	if hold == nil {
		return false, nil
	}

	var (
		snapshot *models.StockRecord
		applied  bool
		finished models.FlowType
	)
	err = s.store.WithTx(ctx, func(tx repository.Store) error {
		// журнал движений: резерв мог быть закрыт раньше, а запись в Redis не удалилась
		last, err := tx.Flows().LastHoldFlow(ctx, hold.SkuID, hold.WarehouseID, hold.BusinessKey)
		if err != nil {
			return err
		}
		if last != nil && last.FlowType != models.FlowReserve {
			finished = last.FlowType
			return nil
		}

		switch kind {
		case models.FlowConfirm:
			applied, err = tx.Stocks().Confirm(ctx, hold.SkuID, hold.WarehouseID, hold.Quantity)
			if err == nil && !applied {
				// резерв остаётся, вызывающий может повторить
				return fmt.Errorf("%w: confirm %s", ErrAdjustmentPersistFailed, businessKey)
			}
		default:
			applied, err = tx.Stocks().Release(ctx, hold.SkuID, hold.WarehouseID, hold.Quantity)
		}
		if err != nil {
			return err
		}
		delta := hold.Quantity
		if kind == models.FlowConfirm {
			delta = -delta
		}
		// строка журнала пишется и при 0 строк: по ней повтор увидит, что резерв закрыт
		entry := flowEntry{
			SkuID:       hold.SkuID,
			WarehouseID: hold.WarehouseID,
			Type:        kind,
			Delta:       delta,
			BusinessKey: hold.BusinessKey,
			OperatorID:  hold.Requester,
		}
		if !applied {
			entry.Delta = 0
		}
		snapshot, err = recordFlow(ctx, tx, entry)
		return err
	})
	if err != nil {
		return false, err
	}

	bg := context.WithoutCancel(ctx)
	if finished != "" {
		s.log.Warn("stale hold of an already finished reservation",
			zap.String("business_key", businessKey),
			zap.String("finished_as", string(finished)),
			zap.String("requested", string(kind)),
		)
		s.dropHold(bg, hold, finished)
		return finished == kind, nil
	}

	if !applied {
		s.log.Warn("release affected no rows, clearing hold anyway",
			zap.String("business_key", businessKey),
			zap.String("sku_id", hold.SkuID),
			zap.Int64("quantity", hold.Quantity),
		)
	}
	s.dropHold(bg, hold, kind)

	if applied {
		t, delta := EventReservationReleased, hold.Quantity
		if kind == models.FlowConfirm {
			t, delta = EventReservationConfirmed, -hold.Quantity
		}
		ev := stockEvent(t, snapshot, delta, s.now().UTC())
		ev.BusinessKey = businessKey
		publish(bg, s.events, s.log, ev)
	}
	return true, nil
}

// dropHold удаляет резерв после коммита. Ошибку наружу не отдаём: повтор распознает
// закрытый резерв по журналу движений и второй раз остаток не тронет.
func (s *ReservationService) dropHold(ctx context.Context, hold *models.ReservationHold, kind models.FlowType) {
	if err := s.holds.Delete(ctx, hold); err != nil {
		s.log.Error("delete hold after commit",
			zap.String("business_key", hold.BusinessKey),
			zap.String("flow", string(kind)),
			zap.Error(err),
		)
	}
}

func (s *ReservationService) Exists(ctx context.Context, businessKey string) (bool, error) {
	h, err := s.holds.Get(ctx, businessKey)
	if err != nil {
		return false, err
	}
	return h != nil, nil
}

func (s *ReservationService) Get(ctx context.Context, businessKey string) (*models.ReservationHold, error) {
	h, err := s.holds.Get(ctx, businessKey)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrReservationNotFound
	}
	return h, nil
}

// ReservedQuantity: сумма активных резервов по (sku, warehouse).
func (s *ReservationService) ReservedQuantity(ctx context.Context, skuID, warehouseID string) (int64, error) {
	if warehouseID == "" {
		warehouseID = s.opts.DefaultWarehouse
	}
	holds, err := s.holds.ListBySku(ctx, skuID, warehouseID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, h := range holds {
		total += h.Quantity
	}
	return total, nil
}

// ReconcileExpired возвращает в свободный остаток резерв, исчезнувший по TTL без confirm/release.
// false: резерв ещё жив или уже обработан.
func (s *ReservationService) ReconcileExpired(ctx context.Context, hold models.ReservationHold) (released bool, err error) {
	err = s.withStockLock(ctx, hold.SkuID, hold.WarehouseID, func() error {
		live, err := s.holds.Get(ctx, hold.BusinessKey)
		if err != nil {
			return err
		}
		if live != nil {
			return nil
		}
		journaled, err := s.holds.Journaled(ctx, hold.BusinessKey)
		if err != nil || !journaled {
			return err
		}

		var (
			snapshot *models.StockRecord
			finished bool
		)
		err = s.store.WithTx(ctx, func(tx repository.Store) error {
			last, err := tx.Flows().LastHoldFlow(ctx, hold.SkuID, hold.WarehouseID, hold.BusinessKey)
			if err != nil {
				return err
			}
			if last != nil && last.FlowType != models.FlowReserve {
				// резерв уже закрыт, в журнале Redis остался хвост
				finished = true
				return nil
			}
			ok, err := tx.Stocks().Release(ctx, hold.SkuID, hold.WarehouseID, hold.Quantity)
			if err != nil || !ok {
				return err
			}
			released = true
			snapshot, err = recordFlow(ctx, tx, flowEntry{
				SkuID:       hold.SkuID,
				WarehouseID: hold.WarehouseID,
				Type:        models.FlowRelease,
				Delta:       hold.Quantity,
				BusinessKey: hold.BusinessKey,
				OperatorID:  "expiry-sweep",
			})
			return err
		})
		if err != nil {
			released = false
			return err
		}
		if !released && !finished {
			s.log.Warn("expired hold: release affected no rows",
				zap.String("business_key", hold.BusinessKey),
				zap.String("sku_id", hold.SkuID),
				zap.Int64("quantity", hold.Quantity),
			)
		}
		if err := s.holds.Forget(ctx, hold.BusinessKey); err != nil {
			return err
		}
		if released {
			ev := stockEvent(EventReservationExpired, snapshot, hold.Quantity, s.now().UTC())
			ev.BusinessKey = hold.BusinessKey
			publish(ctx, s.events, s.log, ev)
		}
		return nil
	})
	return released, err
}
