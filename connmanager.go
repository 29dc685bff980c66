package vbucket

import (
	"fmt"
	"sync"
	"time"

	"github.com/cb-driver/vbucket/conn"
)

// ConnManager owns one conn.Pool per pool_name (host:port:bucket) for a
// single Client. It is not shared across clients: each Client gets its
// own sockets, matching the owns-its-sockets relationship a Client has
// to its connections.
type ConnManager struct {
	mu    sync.Mutex
	pools map[string]*conn.Pool

	bucket, username, password string

	dialTimeout time.Duration
	ioTimeout   time.Duration
	maxIdle     int
	idleTimeout time.Duration
}

// NewConnManager builds a manager that authenticates new sockets
// against bucket with username/password on first use.
func NewConnManager(bucket, username, password string, dialTimeout, ioTimeout, idleTimeout time.Duration, maxIdle int) *ConnManager {
	return &ConnManager{
		pools:       make(map[string]*conn.Pool),
		bucket:      bucket,
		username:    username,
		password:    password,
		dialTimeout: dialTimeout,
		ioTimeout:   ioTimeout,
		idleTimeout: idleTimeout,
		maxIdle:     maxIdle,
	}
}

func poolName(srv Server, bucket string) string {
	return fmt.Sprintf("%s:%s", srv.Name(), bucket)
}

// Acquire returns a socket ready to use against srv/bucket: either a
// reused, already-handshaken socket, or a freshly dialed one that has
// just completed its SASL handshake and bucket selection.
func (m *ConnManager) Acquire(srv Server) (*conn.Socket, error) {
	name := poolName(srv, m.bucket)

	m.mu.Lock()
	p, ok := m.pools[name]
	if !ok {
		addr := srv.Name()
		p = conn.NewPool(name, m.maxIdle, m.idleTimeout, func() (*conn.Socket, error) {
			return conn.Dial(addr, m.dialTimeout)
		})
		m.pools[name] = p
	}
	m.mu.Unlock()

	sock, err := p.Get()
	if err != nil {
		return nil, err
	}

	if sock.ReuseCount == 0 && !sock.Authenticated {
		if err := handshake(sock, m.username, m.password, m.bucket); err != nil {
			_ = sock.Close()
			return nil, err
		}
		sock.Authenticated = true
	}

	if m.ioTimeout > 0 {
		_ = sock.SetTimeout(m.ioTimeout)
	}

	return sock, nil
}

// Release returns a healthy socket to its pool for reuse.
func (m *ConnManager) Release(srv Server, sock *conn.Socket) {
	name := poolName(srv, m.bucket)

	m.mu.Lock()
	p, ok := m.pools[name]
	m.mu.Unlock()
	if !ok {
		_ = sock.Close()
		return
	}
	_ = p.Put(sock)
}

// Discard closes a socket instead of returning it, for use after a
// wire-level error where the socket's framing state can't be trusted.
func (m *ConnManager) Discard(sock *conn.Socket) {
	_ = sock.Close()
}

// CloseAll tears down every pool this manager owns.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pools {
		p.CloseAll()
	}
	m.pools = make(map[string]*conn.Pool)
}
