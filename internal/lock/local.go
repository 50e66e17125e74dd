package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker: блокировки в памяти процесса, для одного инстанса и тестов.
// Слот ключа живёт, пока есть владелец или ожидающие, затем удаляется из карты.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*localSlot
}

type localSlot struct {
	ch   chan struct{}
	refs int // владелец + ожидающие
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*localSlot)}
}

func (l *LocalLocker) acquire(key string) *localSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(key string, s *localSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, wait time.Duration) (Handle, error) {
	s := l.acquire(key)

	select {
	case s.ch <- struct{}{}:
		return &localHandle{locker: l, key: key, slot: s}, nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return &localHandle{locker: l, key: key, slot: s}, nil
	case <-timer.C:
		l.unref(key, s)
		return nil, ErrLockUnavailable
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}
}

type localHandle struct {
	once   sync.Once
	locker *LocalLocker
	key    string
	slot   *localSlot
}

func (h *localHandle) Release(context.Context) error {
	released := false
	h.once.Do(func() {
		<-h.slot.ch
		h.locker.unref(h.key, h.slot)
		released = true
	})
	if !released {
		return ErrLockNotHeld
	}
	return nil
}

