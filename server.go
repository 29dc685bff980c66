package vbucket

import "fmt"

// Server identifies one node of a bucket's topology. It is immutable
// after construction; the client never mutates it, only replaces the
// slice it lives in on a topology reload.
type Server struct {
	Host string
	Port int

	// Weight is a tie-break hint carried from the topology config. The
	// router never uses it to balance load; it only ever returns the
	// node the vbucket map names.
	Weight int
}

// NewServer builds a Server from its parts.
func NewServer(host string, port, weight int) Server {
	return Server{Host: host, Port: port, Weight: weight}
}

// Name is the pool/dial key for this server: "host:port".
func (s Server) Name() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
