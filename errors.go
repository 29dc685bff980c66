package vbucket

import (
	"github.com/pkg/errors"
)

// Sentinel errors, one per kind in the error taxonomy. Callers should
// use errors.Is/errors.Cause against these rather than matching on
// message text.
var (
	// ErrConfigFetch means all seed servers were exhausted, or none
	// returned a JSON body, while fetching cluster topology.
	ErrConfigFetch = errors.New("vbucket: config fetch failed")
	// ErrUnsupportedBucketType means the bucket's topology reports a
	// memcached-type bucket, which this client refuses to drive.
	ErrUnsupportedBucketType = errors.New("vbucket: memcached-type buckets are not supported")
	// ErrNoRoute means the vbucket map has not been initialized
	// (mask == -1) so no server can be picked for a key.
	ErrNoRoute = errors.New("vbucket: no route for key")
	// ErrConnect means the underlying TCP dial failed.
	ErrConnect = errors.New("vbucket: connect failed")
	// ErrAuth means a SASL step failed, including a server signature
	// mismatch during SCRAM-SHA1.
	ErrAuth = errors.New("vbucket: authentication failed")
	// ErrBadServerSignature means the server's SCRAM-SHA1 v= field did
	// not match the client's computed signature.
	ErrBadServerSignature = errors.New("vbucket: bad server signature")
	// ErrWire means a short read or short write occurred while framing
	// a request or response.
	ErrWire = errors.New("vbucket: wire error")
	// ErrServer wraps a non-zero status returned by the server; the
	// response's value bytes become the wrapped message.
	ErrServer = errors.New("vbucket: server error")
	// ErrInvalidKey means a key exceeds 65535 bytes.
	ErrInvalidKey = errors.New("vbucket: invalid key")
	// ErrInvalidExtras means extras exceed 255 bytes.
	ErrInvalidExtras = errors.New("vbucket: invalid extras")
	// ErrInvalidValue means a structured value could not be encoded.
	ErrInvalidValue = errors.New("vbucket: invalid value")
	// ErrShortRead means decode could not read the bytes a header
	// field promised.
	ErrShortRead = errors.New("vbucket: short read")
)
