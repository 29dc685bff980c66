// Package vbucket implements the core of a client driver for a
// distributed key-value store that speaks a binary memcached-style
// wire protocol extended with vBucket routing, SASL/SCRAM-SHA1
// authentication and cluster-topology-aware dispatch.
//
// A Client is bound to one (cluster, bucket) pair. It resolves the
// bucket's topology from the cluster's REST config endpoint into a
// vBucket map (crc32-hash-based routing table), then dispatches
// commands by routing each key to its owning node, pooling and
// authenticating connections per node, and pipelining multi-key
// batches with quiet-opcode suppression. A "not my vbucket" response
// triggers a bounded, in-place topology refresh.
package vbucket
