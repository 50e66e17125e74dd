package service_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"stock-service/internal/lock"
	"stock-service/internal/models"
	"stock-service/internal/repository"
	"stock-service/internal/service"

	"github.com/google/uuid"
)

// memState: общее состояние in-memory хранилища. Транзакция держит mu целиком,
// поэтому внутри транзакции методы репозиториев mu не берут.
type memState struct {
	mu     sync.Mutex
	stocks map[string]models.StockRecord
	tcc    map[string]models.TccReservation
	flows  []models.StockFlow

	// failApply: сколько следующих Apply вернут «0 строк» (потерянное обновление)
	failApply int
	// hideTccOnce: ключ, который следующий GetByKeyForUpdate «не увидит» (гонка вставки)
	hideTccOnce string
}

type memSnapshot struct {
	stocks map[string]models.StockRecord
	tcc    map[string]models.TccReservation
	flows  []models.StockFlow
}

func (st *memState) snapshot() memSnapshot {
	s := memSnapshot{
		stocks: make(map[string]models.StockRecord, len(st.stocks)),
		tcc:    make(map[string]models.TccReservation, len(st.tcc)),
		flows:  append([]models.StockFlow(nil), st.flows...),
	}
	for k, v := range st.stocks {
		s.stocks[k] = v
	}
	for k, v := range st.tcc {
		s.tcc[k] = v
	}
	return s
}

func (st *memState) restore(s memSnapshot) {
	st.stocks = s.stocks
	st.tcc = s.tcc
	st.flows = s.flows
}

type memStore struct {
	st   *memState
	inTx bool
}

func newMemStore() *memStore {
	return &memStore{st: &memState{
		stocks: map[string]models.StockRecord{},
		tcc:    map[string]models.TccReservation{},
	}}
}

func (s *memStore) guard() func() {
	if s.inTx {
		return func() {}
	}
	s.st.mu.Lock()
	return s.st.mu.Unlock
}

func (s *memStore) Stocks() repository.StockRepo                 { return memStocks{s} }
func (s *memStore) TccReservations() repository.TccReservationRepo { return memTcc{s} }
func (s *memStore) Flows() repository.StockFlowRepo               { return memFlows{s} }

func (s *memStore) WithTx(ctx context.Context, fn func(tx repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	// как gorm: транзакция на отменённом контексте не начинается
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	snap := s.st.snapshot()
	if err := fn(&memStore{st: s.st, inTx: true}); err != nil {
		s.st.restore(snap)
		return err
	}
	return nil
}

// seed кладёт строку напрямую, минуя сервисы.
func (s *memStore) seed(sku, wh string, available, locked, damaged, safety int64) {
	defer s.guard()()
	s.st.stocks[stockKey(sku, wh)] = models.StockRecord{
		ID:             uuid.New(),
		SkuID:          sku,
		WarehouseID:    wh,
		AvailableStock: available,
		LockedStock:    locked,
		DamagedStock:   damaged,
		TotalStock:     available + locked + damaged,
		SafetyStock:    safety,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
}

func (s *memStore) stock(sku, wh string) models.StockRecord {
	defer s.guard()()
	return s.st.stocks[stockKey(sku, wh)]
}

func (s *memStore) tccRecord(key string) (models.TccReservation, bool) {
	defer s.guard()()
	r, ok := s.st.tcc[key]
	return r, ok
}

func (s *memStore) flowTypes(sku, wh string) []models.FlowType {
	defer s.guard()()
	var out []models.FlowType
	for _, f := range s.st.flows {
		if f.SkuID == sku && f.WarehouseID == wh {
			out = append(out, f.FlowType)
		}
	}
	return out
}

func (s *memStore) setFailApply(n int) {
	defer s.guard()()
	s.st.failApply = n
}

func (s *memStore) hideTcc(key string) {
	defer s.guard()()
	s.st.hideTccOnce = key
}

func (s *memStore) putTcc(r models.TccReservation) {
	defer s.guard()()
	s.st.tcc[r.BusinessKey] = r
}

func stockKey(sku, wh string) string { return sku + "|" + wh }

type memStocks struct{ s *memStore }

func (r memStocks) Get(_ context.Context, sku, wh string) (*models.StockRecord, error) {
	defer r.s.guard()()
	rec, ok := r.s.st.stocks[stockKey(sku, wh)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r memStocks) GetForUpdate(ctx context.Context, sku, wh string) (*models.StockRecord, error) {
	return r.Get(ctx, sku, wh)
}

func (r memStocks) BatchGet(_ context.Context, skus []string, wh string) ([]models.StockRecord, error) {
	defer r.s.guard()()
	out := []models.StockRecord{}
	for _, sku := range skus {
		if rec, ok := r.s.st.stocks[stockKey(sku, wh)]; ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SkuID < out[j].SkuID })
	return out, nil
}

func (r memStocks) EnsureRow(_ context.Context, sku, wh string, safety int64) error {
	defer r.s.guard()()
	k := stockKey(sku, wh)
	if _, ok := r.s.st.stocks[k]; ok {
		return nil
	}
	now := time.Now().UTC()
	r.s.st.stocks[k] = models.StockRecord{
		ID: uuid.New(), SkuID: sku, WarehouseID: wh, SafetyStock: safety,
		CreatedAt: now, UpdatedAt: now,
	}
	return nil
}

func (r memStocks) Stats(_ context.Context, wh string) (repository.StockStats, error) {
	defer r.s.guard()()
	var st repository.StockStats
	for _, rec := range r.s.st.stocks {
		if wh != "" && rec.WarehouseID != wh {
			continue
		}
		st.SkuCount++
		st.TotalStock += rec.TotalStock
		st.AvailableStock += rec.AvailableStock
		st.LockedStock += rec.LockedStock
		st.DamagedStock += rec.DamagedStock
		switch {
		case rec.AvailableStock == 0:
			st.OutOfStockCount++
		case rec.AvailableStock <= rec.SafetyStock:
			st.LowStockCount++
		}
	}
	return st, nil
}

func (r memStocks) Apply(_ context.Context, sku, wh string, d repository.Delta) (bool, error) {
	defer r.s.guard()()
	k := stockKey(sku, wh)
	rec, ok := r.s.st.stocks[k]
	if !ok {
		return false, nil
	}
	if r.s.st.failApply > 0 {
		r.s.st.failApply--
		return false, nil
	}
	if rec.AvailableStock+d.Available < 0 || rec.LockedStock+d.Locked < 0 ||
		rec.DamagedStock+d.Damaged < 0 || rec.TotalStock+d.Total < 0 {
		return false, nil
	}
	if d.UnitCost > 0 && d.Total > 0 && rec.TotalStock+d.Total > 0 {
		rec.AverageCost = (rec.AverageCost*float64(rec.TotalStock) + d.UnitCost*float64(d.Total)) /
			float64(rec.TotalStock+d.Total)
	}
	rec.AvailableStock += d.Available
	rec.LockedStock += d.Locked
	rec.DamagedStock += d.Damaged
	rec.TotalStock += d.Total
	rec.Version++
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if d.Inbound {
		rec.LastInboundAt = &now
	}
	if d.Outbound {
		rec.LastOutboundAt = &now
	}
	r.s.st.stocks[k] = rec
	return true, nil
}

func (r memStocks) TryReserve(ctx context.Context, sku, wh string, qty int64) (bool, error) {
	return r.Apply(ctx, sku, wh, repository.Delta{Available: -qty, Locked: qty})
}

func (r memStocks) Release(ctx context.Context, sku, wh string, qty int64) (bool, error) {
	return r.Apply(ctx, sku, wh, repository.Delta{Available: qty, Locked: -qty})
}

func (r memStocks) Confirm(ctx context.Context, sku, wh string, qty int64) (bool, error) {
	return r.Apply(ctx, sku, wh, repository.Delta{Locked: -qty, Total: -qty, Outbound: true})
}

type memTcc struct{ s *memStore }

func (r memTcc) GetByKey(_ context.Context, key string) (*models.TccReservation, error) {
	defer r.s.guard()()
	rec, ok := r.s.st.tcc[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r memTcc) GetByKeyForUpdate(ctx context.Context, key string) (*models.TccReservation, error) {
	unlock := r.s.guard()
	hidden := r.s.st.hideTccOnce == key
	if hidden {
		r.s.st.hideTccOnce = ""
	}
	unlock()
	if hidden {
		return nil, nil
	}
	return r.GetByKey(ctx, key)
}

func (r memTcc) Create(_ context.Context, rec *models.TccReservation) error {
	defer r.s.guard()()
	if _, ok := r.s.st.tcc[rec.BusinessKey]; ok {
		return repository.ErrDuplicate
	}
	rec.ID = uuid.New()
	r.s.st.tcc[rec.BusinessKey] = *rec
	return nil
}

func (r memTcc) InsertPlaceholder(_ context.Context, rec *models.TccReservation) (bool, error) {
	defer r.s.guard()()
	if _, ok := r.s.st.tcc[rec.BusinessKey]; ok {
		return false, nil
	}
	rec.ID = uuid.New()
	r.s.st.tcc[rec.BusinessKey] = *rec
	return true, nil
}

func (r memTcc) Transition(_ context.Context, key string, from, to models.TccStatus, at time.Time) (bool, error) {
	defer r.s.guard()()
	rec, ok := r.s.st.tcc[key]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	switch to {
	case models.TccConfirmed:
		rec.ConfirmTime = &at
	case models.TccCancelled:
		rec.CancelTime = &at
	}
	r.s.st.tcc[key] = rec
	return true, nil
}

func (r memTcc) ListByXid(_ context.Context, xid string) ([]models.TccReservation, error) {
	defer r.s.guard()()
	var out []models.TccReservation
	for _, rec := range r.s.st.tcc {
		if rec.Xid == xid {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessKey < out[j].BusinessKey })
	return out, nil
}

type memFlows struct{ s *memStore }

func (r memFlows) Create(_ context.Context, f *models.StockFlow) error {
	defer r.s.guard()()
	f.ID = uuid.New()
	f.CreatedAt = time.Now().UTC()
	r.s.st.flows = append(r.s.st.flows, *f)
	return nil
}

func (r memFlows) ListBySku(_ context.Context, sku, wh string, limit int) ([]models.StockFlow, error) {
	defer r.s.guard()()
	if limit <= 0 {
		limit = 50
	}
	var out []models.StockFlow
	for i := len(r.s.st.flows) - 1; i >= 0 && len(out) < limit; i-- {
		f := r.s.st.flows[i]
		if f.SkuID == sku && f.WarehouseID == wh {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r memFlows) LastHoldFlow(_ context.Context, sku, wh, key string) (*models.StockFlow, error) {
	defer r.s.guard()()
	for i := len(r.s.st.flows) - 1; i >= 0; i-- {
		f := r.s.st.flows[i]
		if f.SkuID != sku || f.WarehouseID != wh || f.BusinessKey != key {
			continue
		}
		switch f.FlowType {
		case models.FlowReserve, models.FlowConfirm, models.FlowRelease:
			return &f, nil
		}
	}
	return nil, nil
}

// fakeClock: управляемое время для TTL резервов.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memHolds: HoldStore в памяти с TTL по fakeClock.
type memHolds struct {
	mu      sync.Mutex
	clock   *fakeClock
	holds   map[string]models.ReservationHold
	expiry  map[string]time.Time
	journal map[string]models.ReservationHold

	putErr error
	putNo  bool
	// putHook вызывается до записи; ненулевая ошибка возвращается из Put
	putHook   func(ctx context.Context) error
	deleteErr error
}

func newMemHolds(clock *fakeClock) *memHolds {
	return &memHolds{
		clock:   clock,
		holds:   map[string]models.ReservationHold{},
		expiry:  map[string]time.Time{},
		journal: map[string]models.ReservationHold{},
	}
}

func (m *memHolds) live(key string) (models.ReservationHold, bool) {
	h, ok := m.holds[key]
	if !ok {
		return h, false
	}
	if !m.clock.Now().Before(m.expiry[key]) {
		delete(m.holds, key)
		delete(m.expiry, key)
		return h, false
	}
	return h, true
}

func (m *memHolds) Put(ctx context.Context, h *models.ReservationHold, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putHook != nil {
		if err := m.putHook(ctx); err != nil {
			return false, err
		}
	}
	if m.putErr != nil {
		return false, m.putErr
	}
	if m.putNo {
		return false, nil
	}
	if _, ok := m.live(h.BusinessKey); ok {
		return false, nil
	}
	m.holds[h.BusinessKey] = *h
	m.expiry[h.BusinessKey] = m.clock.Now().Add(ttl)
	m.journal[h.BusinessKey] = *h
	return true, nil
}

func (m *memHolds) Get(_ context.Context, key string) (*models.ReservationHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.live(key)
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *memHolds) Delete(_ context.Context, h *models.ReservationHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.holds, h.BusinessKey)
	delete(m.expiry, h.BusinessKey)
	delete(m.journal, h.BusinessKey)
	return nil
}

func (m *memHolds) ListBySku(_ context.Context, sku, wh string) ([]models.ReservationHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ReservationHold
	for k := range m.holds {
		h, ok := m.live(k)
		if ok && h.SkuID == sku && h.WarehouseID == wh {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memHolds) DueForSweep(_ context.Context, now time.Time, limit int) ([]models.ReservationHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ReservationHold
	for k, h := range m.journal {
		if len(out) >= limit {
			break
		}
		if h.ExpiresAt.After(now) {
			continue
		}
		if _, ok := m.live(k); ok {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (m *memHolds) Journaled(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.journal[key]
	return ok, nil
}

func (m *memHolds) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.journal, key)
	return nil
}

// recordingPublisher запоминает отправленные события.
type recordingPublisher struct {
	mu     sync.Mutex
	events []service.StockEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev service.StockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []service.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]service.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// MockLocker
type MockLocker struct {
	TryLockFunc func(ctx context.Context, key string, wait time.Duration) (lock.Handle, error)
}

func (m *MockLocker) TryLock(ctx context.Context, key string, wait time.Duration) (lock.Handle, error) {
	if m.TryLockFunc != nil {
		return m.TryLockFunc(ctx, key, wait)
	}
	return noopHandle{}, nil
}

type noopHandle struct{}

func (noopHandle) Release(context.Context) error { return nil }
