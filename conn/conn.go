package conn

import (
	"bufio"
	"io"
	"net"
	"time"
)

// Socket wraps a dialed net.Conn with buffered I/O and the bookkeeping
// a pool needs to decide when to evict it: creation time, last-return
// time, and how many times it has been handed back out (a non-zero
// reuse count tells the caller the per-(node,bucket) handshake has
// already run on this socket).
type Socket struct {
	Raw        net.Conn
	R          *bufio.Reader
	W          *bufio.Writer
	CreatedAt  time.Time
	ReturnedAt time.Time
	ReuseCount int

	// Authenticated is set once the SASL handshake and bucket
	// selection have completed successfully on this socket.
	Authenticated bool

	closed bool
}

// Dial opens a new TCP connection with the given dial timeout.
func Dial(addr string, timeout time.Duration) (*Socket, error) {
	raw, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Socket{
		Raw:        raw,
		R:          bufio.NewReader(raw),
		W:          bufio.NewWriter(raw),
		CreatedAt:  now,
		ReturnedAt: now,
	}, nil
}

// SetTimeout applies a single deadline to both the next read and
// write on this socket.
func (s *Socket) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return s.Raw.SetDeadline(time.Time{})
	}
	return s.Raw.SetDeadline(time.Now().Add(d))
}

// Write sends a fully-framed request.
func (s *Socket) Write(data []byte) error {
	if _, err := s.W.Write(data); err != nil {
		return err
	}
	return s.W.Flush()
}

// Reader exposes the buffered reader so the codec can Decode directly
// off it.
func (s *Socket) Reader() io.Reader {
	return s.R
}

// Close closes the underlying connection. A closed socket is never
// returned to a pool.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.Raw.Close()
}

// Idle reports how long this socket has sat unused in a pool.
func (s *Socket) Idle() time.Duration {
	return time.Since(s.ReturnedAt)
}
