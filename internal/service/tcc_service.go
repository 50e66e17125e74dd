package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stock-service/internal/metrics"
	"stock-service/internal/models"
	"stock-service/internal/repository"

	"go.uber.org/zap"
)

// TccCommand: параметры обратного вызова ветки от менеджера распределённых транзакций.
type TccCommand struct {
	BusinessKey string
	SkuID       string
	WarehouseID string
	Quantity    int64
	Xid         string
	BranchID    string
}

// errConcurrentInsert: параллельный вызов успел вставить запись по тому же business key.
var errConcurrentInsert = errors.New("tcc record inserted concurrently")

const tccDecisionAttempts = 3

type TccService struct {
	store            repository.Store
	events           EventPublisher
	retry            RetryPolicy
	defaultWarehouse string
	now              func() time.Time
	log              *zap.Logger
}

func NewTccService(store repository.Store, events EventPublisher, retry RetryPolicy, defaultWarehouse string, log *zap.Logger) *TccService {
	if events == nil {
		events = NoopPublisher()
	}
	return &TccService{
		store:            store,
		events:           events,
		retry:            retry,
		defaultWarehouse: defaultWarehouse,
		now:              time.Now,
		log:              log,
	}
}

func (s *TccService) normalize(cmd *TccCommand, phase tccPhase) error {
	cmd.BusinessKey = strings.TrimSpace(cmd.BusinessKey)
	cmd.SkuID = strings.TrimSpace(cmd.SkuID)
	if cmd.BusinessKey == "" {
		return fmt.Errorf("%w: business key is required", ErrInvalidArgument)
	}
	if cmd.WarehouseID == "" {
		cmd.WarehouseID = s.defaultWarehouse
	}
	if phase == phaseTry {
		if cmd.SkuID == "" {
			return fmt.Errorf("%w: sku id is required", ErrInvalidArgument)
		}
		if cmd.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	if cmd.Quantity < 0 {
		return ErrInvalidQuantity
	}
	return nil
}

func (s *TccService) TryReserve(ctx context.Context, cmd TccCommand) (bool, error) {
	return s.run(ctx, phaseTry, cmd)
}

func (s *TccService) ConfirmReserve(ctx context.Context, cmd TccCommand) (bool, error) {
	return s.run(ctx, phaseConfirm, cmd)
}

func (s *TccService) CancelReserve(ctx context.Context, cmd TccCommand) (bool, error) {
	return s.run(ctx, phaseCancel, cmd)
}

// run повторяет решение, если параллельный вызов вставил запись раньше нас:
// на следующей попытке запись уже видна, и таблица переходов даёт идемпотентный ответ.
func (s *TccService) run(ctx context.Context, phase tccPhase, cmd TccCommand) (ok bool, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveOp("tcc_"+string(phase), start,
			metrics.Outcome(err, ErrInsufficientStock, ErrTccAlreadyCancelled, ErrInvalidQuantity, ErrInvalidArgument))
	}()

	if err := s.normalize(&cmd, phase); err != nil {
		return false, err
	}

	err = s.retry.do(ctx, s.log, "tcc_"+string(phase), func() error {
		for attempt := 1; attempt <= tccDecisionAttempts; attempt++ {
			var stepErr error
			ok, stepErr = s.apply(ctx, phase, cmd)
			if !errors.Is(stepErr, errConcurrentInsert) {
				return stepErr
			}
			s.log.Info("tcc record raced, re-reading",
				zap.String("business_key", cmd.BusinessKey),
				zap.String("phase", string(phase)),
				zap.Int("attempt", attempt),
			)
		}
		return fmt.Errorf("%w: %s", ErrAdjustmentPersistFailed, cmd.BusinessKey)
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *TccService) apply(ctx context.Context, phase tccPhase, cmd TccCommand) (bool, error) {
	var (
		step     tccStep
		snapshot *models.StockRecord
		rec      *models.TccReservation
	)
	now := s.now().UTC()

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		rec, err = tx.TccReservations().GetByKeyForUpdate(ctx, cmd.BusinessKey)
		if err != nil {
			return err
		}
		var current *models.TccStatus
		if rec != nil {
			current = &rec.Status
			s.checkParams(rec, cmd)
		}

		step = decideTcc(current, phase)
		switch step.action {
		case tccReserve:
			snapshot, err = s.reserve(ctx, tx, cmd, now)
		case tccDeduct:
			snapshot, err = s.deduct(ctx, tx, rec, now)
		case tccRestore:
			snapshot, err = s.restore(ctx, tx, rec, now)
		case tccPlaceholder:
			err = s.placeholder(ctx, tx, cmd, now)
		}
		return err
	})
	if err != nil {
		return false, err
	}

	switch step.action {
	case tccReserve:
		s.emit(ctx, EventTccTried, snapshot, cmd.BusinessKey, cmd.Xid, -cmd.Quantity)
	case tccDeduct:
		s.emit(ctx, EventTccConfirmed, snapshot, rec.BusinessKey, rec.Xid, -rec.Quantity)
	case tccRestore:
		s.emit(ctx, EventTccCancelled, snapshot, rec.BusinessKey, rec.Xid, rec.Quantity)
	case tccPlaceholder:
		s.log.Info("tcc empty rollback, placeholder stored",
			zap.String("business_key", cmd.BusinessKey),
			zap.String("xid", cmd.Xid),
		)
	case tccNoop:
		if rec == nil && phase == phaseConfirm {
			s.log.Warn("tcc confirm without try rejected",
				zap.String("business_key", cmd.BusinessKey),
				zap.String("xid", cmd.Xid),
			)
		}
	}

	if step.err != nil {
		s.log.Warn("tcc try refused, branch already cancelled",
			zap.String("business_key", cmd.BusinessKey),
			zap.String("xid", cmd.Xid),
		)
		return false, step.err
	}
	return step.result, nil
}

// checkParams: движение остатка всегда идёт по сохранённой записи, расхождение только логируем.
func (s *TccService) checkParams(rec *models.TccReservation, cmd TccCommand) {
	if (cmd.Quantity > 0 && cmd.Quantity != rec.Quantity) || (cmd.SkuID != "" && cmd.SkuID != rec.SkuID) {
		s.log.Warn("tcc callback parameters differ from stored branch",
			zap.String("business_key", rec.BusinessKey),
			zap.String("stored_sku", rec.SkuID),
			zap.Int64("stored_qty", rec.Quantity),
			zap.String("callback_sku", cmd.SkuID),
			zap.Int64("callback_qty", cmd.Quantity),
		)
	}
}

func (s *TccService) reserve(ctx context.Context, tx repository.Store, cmd TccCommand, now time.Time) (*models.StockRecord, error) {
	stock, err := tx.Stocks().GetForUpdate(ctx, cmd.SkuID, cmd.WarehouseID)
	if err != nil {
		return nil, err
	}
	if stock == nil {
		return nil, insufficient(cmd.SkuID, cmd.WarehouseID, cmd.Quantity, 0)
	}
	if stock.AvailableStock < cmd.Quantity {
		return nil, insufficient(cmd.SkuID, cmd.WarehouseID, cmd.Quantity, stock.AvailableStock)
	}

	ok, err := tx.Stocks().TryReserve(ctx, cmd.SkuID, cmd.WarehouseID, cmd.Quantity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, insufficient(cmd.SkuID, cmd.WarehouseID, cmd.Quantity, stock.AvailableStock)
	}

	err = tx.TccReservations().Create(ctx, &models.TccReservation{
		BusinessKey: cmd.BusinessKey,
		SkuID:       cmd.SkuID,
		WarehouseID: cmd.WarehouseID,
		Quantity:    cmd.Quantity,
		Xid:         cmd.Xid,
		BranchID:    cmd.BranchID,
		Status:      models.TccTrying,
		TryTime:     &now,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, errConcurrentInsert
	}
	if err != nil {
		return nil, err
	}

	return recordFlow(ctx, tx, flowEntry{
		SkuID:       cmd.SkuID,
		WarehouseID: cmd.WarehouseID,
		Type:        models.FlowReserve,
		Delta:       -cmd.Quantity,
		RefNo:       cmd.Xid,
		BusinessKey: cmd.BusinessKey,
	})
}

func (s *TccService) deduct(ctx context.Context, tx repository.Store, rec *models.TccReservation, now time.Time) (*models.StockRecord, error) {
	if _, err := tx.Stocks().GetForUpdate(ctx, rec.SkuID, rec.WarehouseID); err != nil {
		return nil, err
	}
	ok, err := tx.Stocks().Confirm(ctx, rec.SkuID, rec.WarehouseID, rec.Quantity)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Error("tcc confirm: locked stock below reserved quantity",
			zap.String("business_key", rec.BusinessKey),
			zap.String("sku_id", rec.SkuID),
			zap.Int64("quantity", rec.Quantity),
		)
		return nil, fmt.Errorf("%w: confirm %s", ErrAdjustmentPersistFailed, rec.BusinessKey)
	}
	if err := s.transition(ctx, tx, rec, models.TccConfirmed, now); err != nil {
		return nil, err
	}
	return recordFlow(ctx, tx, flowEntry{
		SkuID:       rec.SkuID,
		WarehouseID: rec.WarehouseID,
		Type:        models.FlowConfirm,
		Delta:       -rec.Quantity,
		RefNo:       rec.Xid,
		BusinessKey: rec.BusinessKey,
	})
}

func (s *TccService) restore(ctx context.Context, tx repository.Store, rec *models.TccReservation, now time.Time) (*models.StockRecord, error) {
	if _, err := tx.Stocks().GetForUpdate(ctx, rec.SkuID, rec.WarehouseID); err != nil {
		return nil, err
	}
	ok, err := tx.Stocks().Release(ctx, rec.SkuID, rec.WarehouseID, rec.Quantity)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, tx, rec, models.TccCancelled, now); err != nil {
		return nil, err
	}
	if !ok {
		// остаток уже вернули другим путём, статус всё равно закрываем
		s.log.Warn("tcc cancel: release affected no rows",
			zap.String("business_key", rec.BusinessKey),
			zap.String("sku_id", rec.SkuID),
			zap.Int64("quantity", rec.Quantity),
		)
		return tx.Stocks().Get(ctx, rec.SkuID, rec.WarehouseID)
	}
	return recordFlow(ctx, tx, flowEntry{
		SkuID:       rec.SkuID,
		WarehouseID: rec.WarehouseID,
		Type:        models.FlowRelease,
		Delta:       rec.Quantity,
		RefNo:       rec.Xid,
		BusinessKey: rec.BusinessKey,
	})
}

func (s *TccService) placeholder(ctx context.Context, tx repository.Store, cmd TccCommand, now time.Time) error {
	inserted, err := tx.TccReservations().InsertPlaceholder(ctx, &models.TccReservation{
		BusinessKey: cmd.BusinessKey,
		SkuID:       cmd.SkuID,
		WarehouseID: cmd.WarehouseID,
		Quantity:    cmd.Quantity,
		Xid:         cmd.Xid,
		BranchID:    cmd.BranchID,
		Status:      models.TccCancelled,
		CancelTime:  &now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return errConcurrentInsert
	}
	return nil
}

func (s *TccService) transition(ctx context.Context, tx repository.Store, rec *models.TccReservation, to models.TccStatus, now time.Time) error {
	ok, err := tx.TccReservations().Transition(ctx, rec.BusinessKey, rec.Status, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: tcc %s is no longer %s", ErrAdjustmentPersistFailed, rec.BusinessKey, rec.Status)
	}
	return nil
}

func (s *TccService) emit(ctx context.Context, t EventType, rec *models.StockRecord, key, xid string, delta int64) {
	ev := stockEvent(t, rec, delta, s.now().UTC())
	ev.BusinessKey = key
	ev.Xid = xid
	publish(ctx, s.events, s.log, ev)
}

// Branches возвращает ветки одной глобальной транзакции.
func (s *TccService) Branches(ctx context.Context, xid string) ([]models.TccReservation, error) {
	if strings.TrimSpace(xid) == "" {
		return nil, fmt.Errorf("%w: xid is required", ErrInvalidArgument)
	}
	return s.store.TccReservations().ListByXid(ctx, xid)
}
