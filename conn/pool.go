package conn

import (
	"errors"
	"sync"
	"time"
)

// Pool holds idle sockets for one pool_name (host:port:bucket). It
// creates a new socket on demand when idle is empty, and evicts
// sockets that have sat idle past idleTimeout or that would push the
// pool past maxIdle.
type Pool struct {
	mu          sync.Mutex
	name        string
	idle        []*Socket
	maxIdle     int
	idleTimeout time.Duration
	dial        func() (*Socket, error)
}

// NewPool builds a pool for name, dialing new sockets with dial.
func NewPool(name string, maxIdle int, idleTimeout time.Duration, dial func() (*Socket, error)) *Pool {
	return &Pool{
		name:        name,
		maxIdle:     maxIdle,
		idleTimeout: idleTimeout,
		dial:        dial,
	}
}

// Get returns an idle socket if one is fresh enough, otherwise dials a
// new one. A returned socket with ReuseCount > 0 has already completed
// its handshake.
func (p *Pool) Get() (*Socket, error) {
	p.mu.Lock()
	p.evictExpiredLocked()
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		s.ReuseCount++
		return s, nil
	}
	p.mu.Unlock()

	return p.dial()
}

// Put returns a socket to the pool, or closes it if the pool is
// already at its idle limit.
func (p *Pool) Put(s *Socket) error {
	if s == nil {
		return errors.New("conn: put nil socket")
	}

	p.mu.Lock()
	full := len(p.idle) >= p.maxIdle
	if !full {
		s.ReturnedAt = time.Now()
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()

	if full {
		return s.Close()
	}
	return nil
}

// CloseAll closes every idle socket and empties the pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.idle {
		_ = s.Close()
	}
	p.idle = nil
}

// evictExpiredLocked drops sockets that have idled past idleTimeout.
// Callers must hold p.mu.
func (p *Pool) evictExpiredLocked() {
	if p.idleTimeout <= 0 || len(p.idle) == 0 {
		return
	}

	fresh := p.idle[:0]
	for _, s := range p.idle {
		if s.Idle() > p.idleTimeout {
			_ = s.Close()
			continue
		}
		fresh = append(fresh, s)
	}
	p.idle = fresh
}
