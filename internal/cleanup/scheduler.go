package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Scheduler struct {
	sweeper  *HoldSweeper
	interval time.Duration
	log      *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

func NewScheduler(sweeper *HoldSweeper, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start запускает периодическую сверку истёкших резервов
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("starting hold sweep scheduler", zap.Duration("interval", s.interval))
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

// Stop останавливает планировщик и ждёт завершения текущего прохода
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("stopping hold sweep scheduler")
		close(s.stopCh)
	})
	if s.started.Load() {
		<-s.done
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Выполняем сразу при старте
	if _, err := s.sweeper.RunUntilDrained(ctx); err != nil {
		s.log.Error("initial hold sweep failed", zap.Error(err))
	}

	for {
		select {
		case <-ticker.C:
			if _, err := s.sweeper.RunUntilDrained(ctx); err != nil {
				s.log.Error("hold sweep failed", zap.Error(err))
			}
		case <-s.stopCh:
			s.log.Info("hold sweep stopped")
			return
		case <-ctx.Done():
			s.log.Info("hold sweep cancelled")
			return
		}
	}
}

// RunOnceNow выполняет проход немедленно (для cmd/cleanup и тестов)
func (s *Scheduler) RunOnceNow(ctx context.Context) (SweepResult, error) {
	return s.sweeper.RunUntilDrained(ctx)
}
