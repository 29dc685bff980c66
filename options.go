package vbucket

import "time"

// ClientOption configures a Client at construction time.
type ClientOption func(*clientOptions)

type clientOptions struct {
	clusterName string
	registry    *Registry

	dialTimeout time.Duration
	ioTimeout   time.Duration
	idleTimeout time.Duration
	maxIdle     int
	maxTries    int
}

func newClientOptions() *clientOptions {
	return &clientOptions{
		clusterName: "default",

		dialTimeout: 5 * time.Second,
		ioTimeout:   5 * time.Second,
		idleTimeout: 10 * time.Second,
		maxIdle:     100,
	}
}

// WithClusterName scopes the client's vbucket registry entry under a
// named cluster instead of the "default" one. Multiple clusters reach
// the registry's map disjointly even if they happen to share a bucket
// name.
func WithClusterName(name string) ClientOption {
	return func(o *clientOptions) {
		if name == "" {
			return
		}
		o.clusterName = name
	}
}

// WithRegistry injects a pre-built Registry instead of the
// process-wide default, so tests can run against a fake topology.
func WithRegistry(r *Registry) ClientOption {
	return func(o *clientOptions) {
		o.registry = r
	}
}

// WithMaxTries caps how many seed servers a topology fetch will
// attempt before giving up. Default 3. The cap lives on the topology
// fetcher behind the client's registry, so it is shared by every
// client using that registry.
func WithMaxTries(n int) ClientOption {
	return func(o *clientOptions) {
		if n <= 0 {
			return
		}
		o.maxTries = n
	}
}

// WithDialTimeout sets the per-socket connect timeout. Default 5s.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d <= 0 {
			return
		}
		o.dialTimeout = d
	}
}

// WithIOTimeout sets the per-operation send/receive deadline applied
// to every acquired socket. Default 5s; also adjustable later via
// Client.SetTimeout.
func WithIOTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d <= 0 {
			return
		}
		o.ioTimeout = d
	}
}

// WithIdleTimeout sets how long a pooled socket may sit idle before
// the pool evicts it. Default 10s.
func WithIdleTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d <= 0 {
			return
		}
		o.idleTimeout = d
	}
}

// WithMaxIdleConns caps the number of idle sockets kept per
// (node, bucket) pool. Default 100.
func WithMaxIdleConns(n int) ClientOption {
	return func(o *clientOptions) {
		if n <= 0 {
			return
		}
		o.maxIdle = n
	}
}
