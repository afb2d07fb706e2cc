package zklock

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
)

// fakeConn is an in-memory ZooKeeper tree for a single session.
type fakeConn struct {
	mu        sync.Mutex
	nodes     map[string]bool // path -> ephemeral
	seq       map[string]int
	watches   map[string][]chan zk.Event
	closed    bool
	closeCall int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		nodes:   map[string]bool{"/": false},
		seq:     make(map[string]int),
		watches: make(map[string][]chan zk.Event),
	}
}

func (c *fakeConn) Create(p string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", zk.ErrClosing
	}
	if _, ok := c.nodes[path.Dir(p)]; !ok {
		return "", zk.ErrNoNode
	}
	if _, ok := c.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	c.nodes[p] = flags&zk.FlagEphemeral != 0
	return p, nil
}

func (c *fakeConn) CreateProtectedEphemeralSequential(prefix string, data []byte, acl []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", zk.ErrClosing
	}
	parent, base := path.Split(prefix)
	parent = path.Clean(parent)
	if _, ok := c.nodes[parent]; !ok {
		return "", zk.ErrNoNode
	}

	n := c.seq[parent]
	c.seq[parent]++
	node := fmt.Sprintf("%s/_c_0123456789abcdef-%s%010d", parent, base, n)
	c.nodes[node] = true
	return node, nil
}

func (c *fakeConn) Children(p string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, zk.ErrClosing
	}
	if _, ok := c.nodes[p]; !ok {
		return nil, nil, zk.ErrNoNode
	}
	return c.childrenLocked(p), &zk.Stat{}, nil
}

func (c *fakeConn) ExistsW(p string) (bool, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, nil, nil, zk.ErrClosing
	}
	ch := make(chan zk.Event, 1)
	_, exists := c.nodes[p]
	if exists {
		c.watches[p] = append(c.watches[p], ch)
	}
	return exists, &zk.Stat{}, ch, nil
}

func (c *fakeConn) Delete(p string, version int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return zk.ErrClosing
	}
	if _, ok := c.nodes[p]; !ok {
		return zk.ErrNoNode
	}
	c.deleteLocked(p)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeCall++
	if c.closed {
		return
	}
	c.closed = true
	for p, chans := range c.watches {
		for _, ch := range chans {
			ch <- zk.Event{Type: zk.EventNotWatching, State: zk.StateDisconnected, Path: p, Err: zk.ErrClosing}
		}
	}
	c.watches = make(map[string][]chan zk.Event)
}

// expireSession drops every ephemeral node, as the server does on session expiry.
func (c *fakeConn) expireSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for p, ephemeral := range c.nodes {
		if ephemeral {
			c.deleteLocked(p)
		}
	}
}

func (c *fakeConn) children(p string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childrenLocked(p)
}

func (c *fakeConn) exists(p string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[p]
	return ok
}

func (c *fakeConn) childrenLocked(p string) []string {
	var out []string
	for node := range c.nodes {
		if node != "/" && path.Dir(node) == p {
			out = append(out, strings.TrimPrefix(node, p+"/"))
		}
	}
	sort.Strings(out)
	return out
}

func (c *fakeConn) deleteLocked(p string) {
	delete(c.nodes, p)
	for _, ch := range c.watches[p] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: p}
	}
	delete(c.watches, p)
}
