package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stock-service/internal/lock"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy: ограниченный повтор для временных ошибок (блокировка занята, потерянное обновление).
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}
}

func isTransient(err error) bool {
	return errors.Is(err, lock.ErrLockUnavailable) || errors.Is(err, ErrAdjustmentPersistFailed)
}

// do выполняет fn, повторяя временные ошибки. После исчерпания попыток возвращает ErrSystemBusy.
func (p RetryPolicy) do(ctx context.Context, log *zap.Logger, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Backoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	try := 0
	err := backoff.Retry(func() error {
		try++
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		log.Warn("transient failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", try),
			zap.Error(err),
		)
		return err
	}, b)

	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: %w", ErrSystemBusy, err)
	}
	return err
}
