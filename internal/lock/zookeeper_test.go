package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stock-service/internal/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newZkLocker(t *testing.T) *ZookeeperLocker {
	t.Helper()
	if testing.Short() {
		t.Skip("zookeeper container in -short mode")
	}
	addr := testutil.SetupTestZookeeper(t)
	l, err := NewZookeeperLocker([]string{addr}, 10*time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func lockChildren(t *testing.T, l *ZookeeperLocker, key string) []string {
	t.Helper()
	children, _, err := l.conn.Children(zkLockRoot + "/" + key)
	require.NoError(t, err)
	return children
}

func TestZookeeperLocker(t *testing.T) {
	l := newZkLocker(t)
	ctx := context.Background()
	key := StockKey("SKU-1", "WH1")

	h, err := l.TryLock(ctx, key, time.Second)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, key, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	// узел ожидавшего удаляется вместе с таймаутом
	assert.Len(t, lockChildren(t, l, key), 1)

	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	_, err = l.TryLock(cctx, key, 5*time.Second)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, lockChildren(t, l, key), 1)

	require.NoError(t, h.Release(ctx))
	assert.ErrorIs(t, h.Release(ctx), ErrLockNotHeld)
	assert.Empty(t, lockChildren(t, l, key))

	h2, err := l.TryLock(ctx, key, time.Second)
	require.NoError(t, err)
	require.NoError(t, h2.Release(ctx))
}

func TestZookeeperLocker_WaiterAcquiresAfterRelease(t *testing.T) {
	l := newZkLocker(t)
	ctx := context.Background()

	h, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		h2, err := l.TryLock(ctx, "k", 5*time.Second)
		if err == nil {
			err = h2.Release(ctx)
		}
		got <- err
	}()

	assert.Eventually(t, func() bool { return len(lockChildren(t, l, "k")) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Release(ctx))

	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not get the lock")
	}
}

func TestZookeeperLocker_MutualExclusion(t *testing.T) {
	l := newZkLocker(t)
	ctx := context.Background()

	const workers = 8
	var (
		inside  atomic.Int32
		overlap atomic.Bool
		counter atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := l.TryLock(ctx, "counter", 20*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			counter.Add(1)
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, h.Release(ctx))
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Equal(t, int32(workers), counter.Load())
}
