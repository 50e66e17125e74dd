package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

const zkLockRoot = "/stock_locks" // корневой узел всех блокировок

// ZookeeperLocker строит блокировку на эфемерных последовательных узлах.
// Потеря сессии удаляет узел, поэтому упавший владелец не держит ресурс вечно.
type ZookeeperLocker struct {
	conn *zk.Conn
	log  *zap.Logger
}

func NewZookeeperLocker(servers []string, sessionTimeout time.Duration, log *zap.Logger) (*ZookeeperLocker, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	if err := ensureNode(conn, zkLockRoot); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info("ZooKeeper connected successfully", zap.Strings("servers", servers))
	return &ZookeeperLocker{conn: conn, log: log}, nil
}

func (l *ZookeeperLocker) Close() {
	l.conn.Close()
}

func ensureNode(conn *zk.Conn, path string) error {
	exists, _, err := conn.Exists(path)
	if err != nil {
		return fmt.Errorf("check node %s: %w", path, err)
	}
	if exists {
		return nil
	}
	_, err = conn.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create node %s: %w", path, err)
	}
	return nil
}

func (l *ZookeeperLocker) TryLock(ctx context.Context, key string, wait time.Duration) (Handle, error) {
	lockPath := zkLockRoot + "/" + strings.ReplaceAll(key, "/", "_")
	if err := ensureNode(l.conn, lockPath); err != nil {
		return nil, err
	}

	// 1. создаём эфемерный последовательный узел: /stock_locks/<key>/lock-
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(lockPath+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return nil, fmt.Errorf("failed to create sequential node: %w", err)
	}
	h := &zkHandle{conn: l.conn, node: nodePath}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	myName := strings.TrimPrefix(nodePath, lockPath+"/")
	for {
		children, _, err := l.conn.Children(lockPath)
		if err != nil {
			_ = h.Release(ctx)
			return nil, fmt.Errorf("failed to get children nodes: %w", err)
		}
		sort.Slice(children, func(i, j int) bool { return sequenceOf(children[i]) < sequenceOf(children[j]) })

		// 2. наш узел минимальный: блокировка наша
		idx := -1
		for i, child := range children {
			if child == myName {
				idx = i
				break
			}
		}
		if idx == 0 {
			return h, nil
		}
		if idx < 0 {
			return nil, errors.New("own lock node disappeared, session probably expired")
		}

		// 3. следим только за предыдущим узлом
		exists, _, events, err := l.conn.ExistsW(lockPath + "/" + children[idx-1])
		if err != nil {
			_ = h.Release(ctx)
			return nil, fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-events:
		case <-timer.C:
			_ = h.Release(ctx)
			return nil, ErrLockUnavailable
		case <-ctx.Done():
			_ = h.Release(ctx)
			return nil, ctx.Err()
		}
	}
}

// sequenceOf возвращает 10-значный суффикс, который ZooKeeper добавляет к последовательным узлам.
// Защищённые узлы имеют префикс _c_<guid>-, поэтому сортировать по имени целиком нельзя.
func sequenceOf(name string) string {
	if len(name) < 10 {
		return name
	}
	return name[len(name)-10:]
}

type zkHandle struct {
	conn *zk.Conn
	node string
}

func (h *zkHandle) Release(context.Context) error {
	if h.node == "" {
		return ErrLockNotHeld
	}
	err := h.conn.Delete(h.node, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	h.node = ""
	return nil
}
