package zklock

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
)

const lockNodePrefix = "lock-"

// Mutex is a non-reentrant lock on one ZooKeeper path.
type Mutex struct {
	session *Session
	key     string

	mu   sync.Mutex
	node string
}

// TryAcquire creates this contender's node and waits until it has the lowest sequence number.
// On timeout the node is deleted again.
func (m *Mutex) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.session.client()
	if err != nil {
		return false, err
	}

	waitCtx, cancel := lock.WithTimeout(ctx, timeout)
	defer cancel()

	node, err := m.createNode(conn)
	if err != nil {
		return false, err
	}
	seq, err := parseSeq(node)
	if err != nil {
		m.abandon(conn, node)
		return false, err
	}

	for {
		prev, err := m.predecessor(conn, seq)
		if err != nil {
			m.abandon(conn, node)
			return false, err
		}
		if prev == "" {
			m.node = node
			return true, nil
		}

		exists, _, watch, err := conn.ExistsW(prev)
		if err != nil {
			m.abandon(conn, node)
			return false, err
		}
		if !exists {
			continue
		}

		select {
		case ev := <-watch:
			if ev.Err != nil {
				m.abandon(conn, node)
				return false, ev.Err
			}
		case <-waitCtx.Done():
			m.abandon(conn, node)
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return false, nil
		}
	}
}

// Release deletes the lock node.
// On a connection error the mutex stays held so the release can be retried.
func (m *Mutex) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.node == "" {
		return lock.ErrLockNotHeld
	}

	conn, err := m.session.client()
	if err != nil {
		return err
	}

	err = conn.Delete(m.node, -1)
	switch {
	case errors.Is(err, zk.ErrNoNode):
		m.node = ""
		return lock.ErrLockNotHeld
	case err != nil:
		return err
	}
	m.node = ""
	return nil
}

// Abandon deletes the node of a lost handle in the background.
func (m *Mutex) Abandon() {
	lock.ReleaseInBackground(m.Release, logging.LockLogger(m.session.logger, m.key, BackendName))
}

func (m *Mutex) createNode(conn Conn) (string, error) {
	prefix := path.Join(m.key, lockNodePrefix)

	node, err := conn.CreateProtectedEphemeralSequential(prefix, nil, m.session.acl)
	if errors.Is(err, zk.ErrNoNode) {
		if err := m.createParents(conn); err != nil {
			return "", err
		}
		node, err = conn.CreateProtectedEphemeralSequential(prefix, nil, m.session.acl)
	}
	if err != nil {
		return "", fmt.Errorf("create lock node: %w", err)
	}
	return node, nil
}

func (m *Mutex) createParents(conn Conn) error {
	current := ""
	for _, part := range strings.Split(strings.Trim(m.key, "/"), "/") {
		current += "/" + part
		_, err := conn.Create(current, nil, 0, m.session.acl)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create parent %s: %w", current, err)
		}
	}
	return nil
}

// predecessor returns the path of the contender queued right before seq,
// or "" if seq is the lowest.
func (m *Mutex) predecessor(conn Conn, seq int) (string, error) {
	children, _, err := conn.Children(m.key)
	if err != nil {
		return "", err
	}

	prevSeq := -1
	prev := ""
	for _, child := range children {
		s, err := parseSeq(child)
		if err != nil {
			continue
		}
		if s < seq && s > prevSeq {
			prevSeq = s
			prev = child
		}
	}
	if prev == "" {
		return "", nil
	}
	return path.Join(m.key, prev), nil
}

// abandon deletes a node that did not become the lock.
func (m *Mutex) abandon(conn Conn, node string) {
	if err := conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		m.session.logger.Debug().Err(err).Str("node", node).Msg("failed to delete abandoned lock node")
	}
}

func parseSeq(node string) (int, error) {
	parts := strings.Split(node, "-")
	if len(parts) < 2 {
		return -1, fmt.Errorf("not a sequential lock node: %s", node)
	}
	return strconv.Atoi(parts[len(parts)-1])
}
