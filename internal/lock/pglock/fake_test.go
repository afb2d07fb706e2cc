package pglock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
)

// fakeServer keeps advisory locks for the fake connections dialed from it.
type fakeServer struct {
	mu      sync.Mutex
	locks   map[string]*fakeConn
	dialErr error
	dials   atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{locks: make(map[string]*fakeConn)}
}

func (srv *fakeServer) dial(ctx context.Context) (Conn, error) {
	srv.dials.Add(1)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.dialErr != nil {
		return nil, srv.dialErr
	}
	return &fakeConn{server: srv}, nil
}

func (srv *fakeServer) setDialErr(err error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.dialErr = err
}

func (srv *fakeServer) holder(key string) *fakeConn {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.locks[key]
}

// terminate kills conn the way pg_terminate_backend does, dropping its locks.
func (srv *fakeServer) terminate(c *fakeConn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	c.closed.Store(true)
	for key, owner := range srv.locks {
		if owner == c {
			delete(srv.locks, key)
		}
	}
}

type fakeConn struct {
	server  *fakeServer
	closed  atomic.Bool
	pingErr atomic.Value
}

type fakeRow struct {
	value bool
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.value
	return nil
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if c.closed.Load() {
		return fakeRow{err: errors.New("conn closed")}
	}
	key := args[0].(string)

	srv := c.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	switch {
	case strings.Contains(sql, "pg_try_advisory_lock"):
		if owner, ok := srv.locks[key]; ok && owner != c {
			return fakeRow{value: false}
		}
		srv.locks[key] = c
		return fakeRow{value: true}
	case strings.Contains(sql, "pg_advisory_unlock"):
		if srv.locks[key] != c {
			return fakeRow{value: false}
		}
		delete(srv.locks, key)
		return fakeRow{value: true}
	}
	return fakeRow{err: errors.New("unexpected query: " + sql)}
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("conn closed")
	}
	if err, ok := c.pingErr.Load().(error); ok {
		return err
	}
	return nil
}

func (c *fakeConn) setPingErr(err error) {
	c.pingErr.Store(err)
}

func (c *fakeConn) IsClosed() bool {
	return c.closed.Load()
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.server.terminate(c)
	return nil
}
