package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"stock-service/internal/metrics"
	"stock-service/internal/models"
	"stock-service/internal/repository"

	"go.uber.org/zap"
)

type AdjustType string

const (
	AdjustInbound   AdjustType = "INBOUND"   // приёмка: available и total растут
	AdjustOutbound  AdjustType = "OUTBOUND"  // отгрузка без резерва: available и total уменьшаются
	AdjustStocktake AdjustType = "STOCKTAKE" // инвентаризация: знаковая дельта на available и total
	AdjustDamage    AdjustType = "DAMAGE"    // списание брака: available -> damaged, total не меняется
)

type AdjustCommand struct {
	SkuID       string
	WarehouseID string
	Type        AdjustType // пусто: STOCKTAKE
	Delta       int64
	UnitCost    float64
	OperatorID  string
	RefNo       string
}

type TransferCommand struct {
	SkuID           string
	FromWarehouseID string
	ToWarehouseID   string
	Quantity        int64
	OperatorID      string
	RefNo           string
}

type StockView struct {
	*models.StockRecord
	Status models.StockStatus
}

func viewOf(rec *models.StockRecord) *StockView {
	return &StockView{StockRecord: rec, Status: rec.Status()}
}

type TransferResult struct {
	From *StockView
	To   *StockView
}

type StockService struct {
	store            repository.Store
	events           EventPublisher
	retry            RetryPolicy
	defaultWarehouse string
	now              func() time.Time
	log              *zap.Logger
}

func NewStockService(store repository.Store, events EventPublisher, retry RetryPolicy, defaultWarehouse string, log *zap.Logger) *StockService {
	if events == nil {
		events = NoopPublisher()
	}
	return &StockService{
		store:            store,
		events:           events,
		retry:            retry,
		defaultWarehouse: defaultWarehouse,
		now:              time.Now,
		log:              log,
	}
}

func (s *StockService) warehouse(id string) string {
	if id = strings.TrimSpace(id); id == "" {
		return s.defaultWarehouse
	}
	return id
}

// deltaFor переводит команду в приращения счётчиков и тип записи журнала.
func deltaFor(cmd AdjustCommand) (repository.Delta, models.FlowType, error) {
	d := cmd.Delta
	switch cmd.Type {
	case AdjustInbound:
		if d <= 0 {
			return repository.Delta{}, "", ErrInvalidQuantity
		}
		return repository.Delta{Available: d, Total: d, UnitCost: cmd.UnitCost, Inbound: true}, models.FlowInbound, nil
	case AdjustOutbound:
		if d <= 0 {
			return repository.Delta{}, "", ErrInvalidQuantity
		}
		return repository.Delta{Available: -d, Total: -d, Outbound: true}, models.FlowOutbound, nil
	case AdjustDamage:
		if d <= 0 {
			return repository.Delta{}, "", ErrInvalidQuantity
		}
		return repository.Delta{Available: -d, Damaged: d}, models.FlowDamage, nil
	case AdjustStocktake, "":
		if d == 0 {
			return repository.Delta{}, "", ErrInvalidQuantity
		}
		return repository.Delta{Available: d, Total: d}, models.FlowStocktake, nil
	}
	return repository.Delta{}, "", fmt.Errorf("%w: %s", ErrUnknownAdjust, cmd.Type)
}

// Adjust применяет корректировку без резерва. Запись создаётся при первом обращении.
// Потерянное обновление повторяется ограниченное число раз, затем ErrSystemBusy.
func (s *StockService) Adjust(ctx context.Context, cmd AdjustCommand) (view *StockView, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveOp("adjust", start, metrics.Outcome(err, ErrInsufficientStock, ErrInvalidQuantity, ErrInvalidArgument, ErrUnknownAdjust))
	}()

	cmd.SkuID = strings.TrimSpace(cmd.SkuID)
	if cmd.SkuID == "" {
		return nil, fmt.Errorf("%w: sku id is required", ErrInvalidArgument)
	}
	cmd.WarehouseID = s.warehouse(cmd.WarehouseID)
	delta, flowType, err := deltaFor(cmd)
	if err != nil {
		return nil, err
	}

	var rec *models.StockRecord
	err = s.retry.do(ctx, s.log, "adjust", func() error {
		var aerr error
		rec, aerr = s.adjustOnce(ctx, cmd, delta, flowType)
		return aerr
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ev := stockEvent(EventStockAdjusted, rec, delta.Available, now)
	ev.RefNo = cmd.RefNo
	publish(ctx, s.events, s.log, ev)
	if rec.Status() != models.StockStatusNormal {
		publish(ctx, s.events, s.log, stockEvent(EventStockLow, rec, 0, now))
	}
	return viewOf(rec), nil
}

func (s *StockService) adjustOnce(ctx context.Context, cmd AdjustCommand, delta repository.Delta, flowType models.FlowType) (*models.StockRecord, error) {
	var snapshot *models.StockRecord
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.Stocks().EnsureRow(ctx, cmd.SkuID, cmd.WarehouseID, 0); err != nil {
			return err
		}
		rec, err := tx.Stocks().Get(ctx, cmd.SkuID, cmd.WarehouseID)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%w: stock row %s/%s not visible", ErrAdjustmentPersistFailed, cmd.SkuID, cmd.WarehouseID)
		}
		if rec.AvailableStock+delta.Available < 0 {
			return insufficient(cmd.SkuID, cmd.WarehouseID, -delta.Available, rec.AvailableStock)
		}

		ok, err := tx.Stocks().Apply(ctx, cmd.SkuID, cmd.WarehouseID, delta)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrAdjustmentPersistFailed, cmd.SkuID, cmd.WarehouseID)
		}

		snapshot, err = recordFlow(ctx, tx, flowEntry{
			SkuID:       cmd.SkuID,
			WarehouseID: cmd.WarehouseID,
			Type:        flowType,
			Delta:       delta.Available,
			RefNo:       cmd.RefNo,
			OperatorID:  cmd.OperatorID,
		})
		return err
	})
	return snapshot, err
}

// Transfer перемещает свободный остаток между складами одной транзакцией: сначала списание, потом приход.
func (s *StockService) Transfer(ctx context.Context, cmd TransferCommand) (res *TransferResult, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveOp("transfer", start, metrics.Outcome(err, ErrInsufficientStock, ErrInvalidTransfer, ErrInvalidQuantity, ErrInvalidArgument))
	}()

	cmd.SkuID = strings.TrimSpace(cmd.SkuID)
	if cmd.SkuID == "" {
		return nil, fmt.Errorf("%w: sku id is required", ErrInvalidArgument)
	}
	cmd.FromWarehouseID = s.warehouse(cmd.FromWarehouseID)
	cmd.ToWarehouseID = s.warehouse(cmd.ToWarehouseID)
	if cmd.FromWarehouseID == cmd.ToWarehouseID {
		return nil, ErrInvalidTransfer
	}
	if cmd.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	err = s.retry.do(ctx, s.log, "transfer", func() error {
		var terr error
		res, terr = s.transferOnce(ctx, cmd)
		return terr
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	out := stockEvent(EventStockTransferred, res.From.StockRecord, -cmd.Quantity, now)
	out.RefNo = cmd.RefNo
	in := stockEvent(EventStockTransferred, res.To.StockRecord, cmd.Quantity, now)
	in.RefNo = cmd.RefNo
	publish(ctx, s.events, s.log, out)
	publish(ctx, s.events, s.log, in)
	return res, nil
}

func (s *StockService) transferOnce(ctx context.Context, cmd TransferCommand) (*TransferResult, error) {
	res := &TransferResult{}
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.Stocks().EnsureRow(ctx, cmd.SkuID, cmd.ToWarehouseID, 0); err != nil {
			return err
		}

		// строки блокируем в одном порядке, чтобы встречные перемещения не взаимоблокировались
		whs := []string{cmd.FromWarehouseID, cmd.ToWarehouseID}
		sort.Strings(whs)
		locked := make(map[string]*models.StockRecord, 2)
		for _, wh := range whs {
			rec, err := tx.Stocks().GetForUpdate(ctx, cmd.SkuID, wh)
			if err != nil {
				return err
			}
			locked[wh] = rec
		}

		src := locked[cmd.FromWarehouseID]
		if src == nil {
			return insufficient(cmd.SkuID, cmd.FromWarehouseID, cmd.Quantity, 0)
		}
		if src.AvailableStock < cmd.Quantity {
			return insufficient(cmd.SkuID, cmd.FromWarehouseID, cmd.Quantity, src.AvailableStock)
		}

		ok, err := tx.Stocks().Apply(ctx, cmd.SkuID, cmd.FromWarehouseID,
			repository.Delta{Available: -cmd.Quantity, Total: -cmd.Quantity, Outbound: true})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: transfer out of %s", ErrAdjustmentPersistFailed, cmd.FromWarehouseID)
		}
		ok, err = tx.Stocks().Apply(ctx, cmd.SkuID, cmd.ToWarehouseID,
			repository.Delta{Available: cmd.Quantity, Total: cmd.Quantity, UnitCost: src.AverageCost, Inbound: true})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: transfer into %s", ErrAdjustmentPersistFailed, cmd.ToWarehouseID)
		}

		from, err := recordFlow(ctx, tx, flowEntry{
			SkuID: cmd.SkuID, WarehouseID: cmd.FromWarehouseID, Type: models.FlowTransferOut,
			Delta: -cmd.Quantity, RefNo: cmd.RefNo, OperatorID: cmd.OperatorID,
		})
		if err != nil {
			return err
		}
		to, err := recordFlow(ctx, tx, flowEntry{
			SkuID: cmd.SkuID, WarehouseID: cmd.ToWarehouseID, Type: models.FlowTransferIn,
			Delta: cmd.Quantity, RefNo: cmd.RefNo, OperatorID: cmd.OperatorID,
		})
		if err != nil {
			return err
		}
		res.From, res.To = viewOf(from), viewOf(to)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *StockService) Query(ctx context.Context, skuID, warehouseID string) (*StockView, error) {
	rec, err := s.store.Stocks().Get(ctx, skuID, s.warehouse(warehouseID))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrStockNotFound
	}
	return viewOf(rec), nil
}

// BatchQuery возвращает найденные записи; отсутствующие SKU просто пропускаются.
func (s *StockService) BatchQuery(ctx context.Context, skuIDs []string, warehouseID string) ([]StockView, error) {
	seen := make(map[string]struct{}, len(skuIDs))
	ids := make([]string, 0, len(skuIDs))
	for _, id := range skuIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	list, err := s.store.Stocks().BatchGet(ctx, ids, s.warehouse(warehouseID))
	if err != nil {
		return nil, err
	}
	out := make([]StockView, 0, len(list))
	for i := range list {
		out = append(out, *viewOf(&list[i]))
	}
	return out, nil
}

// Stats: сводка по складу; при пустом warehouseID по всем складам.
func (s *StockService) Stats(ctx context.Context, warehouseID string) (repository.StockStats, error) {
	return s.store.Stocks().Stats(ctx, strings.TrimSpace(warehouseID))
}

// InitStock явно создаёт нулевую запись; повторный вызов ничего не меняет.
func (s *StockService) InitStock(ctx context.Context, skuID, warehouseID string, safetyStock int64) (*StockView, error) {
	skuID = strings.TrimSpace(skuID)
	if skuID == "" {
		return nil, fmt.Errorf("%w: sku id is required", ErrInvalidArgument)
	}
	if safetyStock < 0 {
		return nil, ErrInvalidQuantity
	}
	wh := s.warehouse(warehouseID)
	if err := s.store.Stocks().EnsureRow(ctx, skuID, wh, safetyStock); err != nil {
		return nil, err
	}
	return s.Query(ctx, skuID, wh)
}

func (s *StockService) Flows(ctx context.Context, skuID, warehouseID string, limit int) ([]models.StockFlow, error) {
	return s.store.Flows().ListBySku(ctx, skuID, s.warehouse(warehouseID), limit)
}
