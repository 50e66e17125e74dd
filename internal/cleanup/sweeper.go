package cleanup

import (
	"context"
	"errors"
	"time"

	"stock-service/internal/metrics"
	"stock-service/internal/models"
	"stock-service/internal/service"

	"go.uber.org/zap"
)

type DueLister interface {
	DueForSweep(ctx context.Context, now time.Time, limit int) ([]models.ReservationHold, error)
}

type Reconciler interface {
	ReconcileExpired(ctx context.Context, hold models.ReservationHold) (bool, error)
}

// HoldSweeper возвращает в свободный остаток резервы, исчезнувшие из Redis по TTL.
type HoldSweeper struct {
	due        DueLister
	reconciler Reconciler
	batch      int
	now        func() time.Time
	log        *zap.Logger
}

func NewHoldSweeper(due DueLister, reconciler Reconciler, batch int, log *zap.Logger) *HoldSweeper {
	if batch <= 0 {
		batch = 100
	}
	return &HoldSweeper{
		due:        due,
		reconciler: reconciler,
		batch:      batch,
		now:        time.Now,
		log:        log,
	}
}

type SweepResult struct {
	Scanned  int
	Released int
	Skipped  int
	Failed   int
}

// SweepOnce обрабатывает одну пачку. Ошибка по отдельному резерву не прерывает проход,
// кроме занятой блокировки: такой резерв будет подобран в следующий раз.
func (s *HoldSweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	due, err := s.due.DueForSweep(ctx, s.now(), s.batch)
	if err != nil {
		s.log.Error("failed to list expired holds", zap.Error(err))
		return res, err
	}
	res.Scanned = len(due)

	for _, h := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		released, err := s.reconciler.ReconcileExpired(ctx, h)
		switch {
		case err != nil && errors.Is(err, service.ErrLockUnavailable):
			res.Skipped++
			s.log.Debug("expired hold busy, retry next pass", zap.String("business_key", h.BusinessKey))
		case err != nil:
			res.Failed++
			s.log.Error("failed to reconcile expired hold",
				zap.String("business_key", h.BusinessKey),
				zap.String("sku_id", h.SkuID),
				zap.Error(err),
			)
		case released:
			res.Released++
			metrics.IncSwept()
		default:
			res.Skipped++
		}
	}

	if res.Scanned > 0 {
		s.log.Info("expired holds swept",
			zap.Int("scanned", res.Scanned),
			zap.Int("released", res.Released),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// RunUntilDrained повторяет проходы, пока пачки заполнены целиком.
func (s *HoldSweeper) RunUntilDrained(ctx context.Context) (SweepResult, error) {
	var total SweepResult
	for {
		res, err := s.SweepOnce(ctx)
		total.Scanned += res.Scanned
		total.Released += res.Released
		total.Skipped += res.Skipped
		total.Failed += res.Failed
		if err != nil {
			return total, err
		}
		if res.Scanned < s.batch || res.Released == 0 {
			return total, nil
		}
	}
}
