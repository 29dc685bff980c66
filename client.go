package vbucket

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Client is a driver bound to one (cluster, bucket) pair: the thin
// command surface described in the component design, a shell over the
// dispatcher's route/acquire/send/receive path.
type Client struct {
	vb       *VBucket
	conns    *ConnManager
	dispatch *Dispatcher

	registry    *Registry
	clusterName string
	username    string
	password    string

	n1ql *n1qlRouter
}

// NewClient builds a Client bound to bucketName on clusterName,
// fetching (or reusing) its vbucket topology from the registry.
// hostPorts are the config-endpoint seeds; username/password
// authenticate both the REST config fetch and every pooled socket.
func NewClient(ctx context.Context, hostPorts []string, bucketName, username, password string, opts ...ClientOption) (*Client, error) {
	options := newClientOptions()
	for _, opt := range opts {
		opt(options)
	}

	registry := options.registry
	if registry == nil {
		registry = defaultRegistry()
	}
	if options.maxTries > 0 {
		if tf, ok := registry.fetcher.(*TopologyFetcher); ok {
			tf.MaxTries = options.maxTries
		}
	}

	vb, err := registry.EnsureBucket(ctx, options.clusterName, bucketName, hostPorts, username, password)
	if err != nil {
		return nil, errors.Wrap(err, "NewClient")
	}

	conns := NewConnManager(bucketName, username, password,
		options.dialTimeout, options.ioTimeout, options.idleTimeout, options.maxIdle)

	return &Client{
		vb:          vb,
		conns:       conns,
		dispatch:    NewDispatcher(vb, conns),
		registry:    registry,
		clusterName: options.clusterName,
		username:    username,
		password:    password,
		n1ql:        newN1QLRouter(options.dialTimeout),
	}, nil
}

// Get fetches key's value with the non-quiet Get opcode.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return c.dispatch.SendOne(ctx, newPacket(OpGet, key, nil, nil))
}

// GetQ fetches key's value with the quiet GetQ opcode; used on its own
// this still waits for a reply, the quiet suppression only matters
// when pipelined through GetBulk.
func (c *Client) GetQ(ctx context.Context, key string) ([]byte, error) {
	return c.dispatch.SendOne(ctx, newPacket(OpGetQ, key, nil, nil))
}

// GetK fetches key's value via GetK, which echoes the key back in the
// response (the codec still only surfaces the value bytes).
func (c *Client) GetK(ctx context.Context, key string) ([]byte, error) {
	return c.dispatch.SendOne(ctx, newPacket(OpGetK, key, nil, nil))
}

// GetKQ is GetK's quiet counterpart.
func (c *Client) GetKQ(ctx context.Context, key string) ([]byte, error) {
	return c.dispatch.SendOne(ctx, newPacket(OpGetKQ, key, nil, nil))
}

// GetFromReplica routes to the vbucket's replica node instead of its
// primary.
func (c *Client) GetFromReplica(ctx context.Context, key string) ([]byte, error) {
	pkt := newPacket(OpGetReplica, key, nil, nil)
	pkt.IsReplica = true
	return c.dispatch.SendOne(ctx, pkt)
}

// storeExtras packs flags=0 and expiry into the 8-byte extras section
// every storage opcode carries.
func storeExtras(expiry uint32) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], 0)
	binary.BigEndian.PutUint32(extras[4:8], expiry)
	return extras
}

// encodeStoreValue returns value's wire bytes: raw for []byte/string,
// JSON-encoded for anything else (the caller's dataType is copied
// as-is into the frame's data type field by store and never
// interpreted by this client).
func encodeStoreValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidValue, err.Error())
		}
		return b, nil
	}
}

func (c *Client) store(ctx context.Context, opcode Opcode, key string, value interface{}, expiry uint32, dataType byte) ([]byte, error) {
	payload, err := encodeStoreValue(value)
	if err != nil {
		return nil, err
	}
	pkt := newPacket(opcode, key, storeExtras(expiry), payload)
	pkt.Frame.DataType = dataType
	return c.dispatch.SendOne(ctx, pkt)
}

// Set stores key unconditionally.
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiry uint32, dataType byte) ([]byte, error) {
	return c.store(ctx, OpSet, key, value, expiry, dataType)
}

// SetQ is Set's quiet counterpart.
func (c *Client) SetQ(ctx context.Context, key string, value interface{}, expiry uint32, dataType byte) ([]byte, error) {
	return c.store(ctx, OpSetQ, key, value, expiry, dataType)
}

// Add stores key only if it does not already exist.
func (c *Client) Add(ctx context.Context, key string, value interface{}, expiry uint32, dataType byte) ([]byte, error) {
	return c.store(ctx, OpAdd, key, value, expiry, dataType)
}

// AddQ is Add's quiet counterpart.
func (c *Client) AddQ(ctx context.Context, key string, value interface{}, expiry uint32, dataType byte) ([]byte, error) {
	return c.store(ctx, OpAddQ, key, value, expiry, dataType)
}

// Replace stores key only if it already exists.
func (c *Client) Replace(ctx context.Context, key string, value interface{}, expiry uint32, dataType byte) ([]byte, error) {
	return c.store(ctx, OpReplace, key, value, expiry, dataType)
}

// ReplaceQ is Replace's quiet counterpart.
func (c *Client) ReplaceQ(ctx context.Context, key string, value interface{}, expiry uint32, dataType byte) ([]byte, error) {
	return c.store(ctx, OpReplaceQ, key, value, expiry, dataType)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) ([]byte, error) {
	return c.dispatch.SendOne(ctx, newPacket(OpDelete, key, nil, nil))
}

// DeleteQ is Delete's quiet counterpart.
func (c *Client) DeleteQ(ctx context.Context, key string) ([]byte, error) {
	return c.dispatch.SendOne(ctx, newPacket(OpDeleteQ, key, nil, nil))
}

// GetBulk fetches many keys in one pipelined batch, rewriting all but
// each destination's last packet to GetQ. The result contains only
// keys whose response reported StatusOK.
func (c *Client) GetBulk(ctx context.Context, keys ...string) (map[string][]byte, error) {
	packets := make([]*Packet, len(keys))
	keyByPacket := make(map[*Packet]string, len(keys))
	for i, key := range keys {
		pkt := newPacket(OpGet, key, nil, nil)
		packets[i] = pkt
		keyByPacket[pkt] = key
	}

	result, err := c.dispatch.SendMany(ctx, packets)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(result.Values))
	for pkt, value := range result.Values {
		out[keyByPacket[pkt]] = value
	}
	return out, nil
}

// helloValue is the feature-negotiation value this client actually
// sends with the key "mchello v1.0": the bytes 0x0B 0x00 select the XATTR
// feature bit from the public HELO feature registry, even though the
// key names a client/version string rather than an enumerated feature
// list - matching the source's own documented behavior.
var helloValue = []byte{0x0B, 0x00}

// Hello negotiates protocol features via opcode 0x1F.
func (c *Client) Hello(ctx context.Context) ([]byte, error) {
	return c.dispatch.SendOne(ctx, newPacket(OpHello, "mchello v1.0", nil, helloValue))
}

// SelectBucket rebinds this client to a different bucket on the same
// cluster, fetching that bucket's topology if it isn't already
// registered.
func (c *Client) SelectBucket(ctx context.Context, bucketName string) error {
	vb, err := c.registry.EnsureBucket(ctx, c.clusterName, bucketName, c.vb.HostPorts, c.username, c.password)
	if err != nil {
		return errors.Wrap(err, "SelectBucket")
	}

	c.conns.CloseAll()
	c.conns = NewConnManager(bucketName, c.username, c.password,
		c.conns.dialTimeout, c.conns.ioTimeout, c.conns.idleTimeout, c.conns.maxIdle)
	c.vb = vb
	c.dispatch = NewDispatcher(vb, c.conns)
	return nil
}

// SetTimeout applies d to every socket this client acquires from now
// on, pooled or freshly dialed.
func (c *Client) SetTimeout(d time.Duration) {
	c.conns.ioTimeout = d
}

// Close tears down every pooled socket this client owns.
func (c *Client) Close() error {
	c.conns.CloseAll()
	return nil
}

func newPacket(opcode Opcode, key string, extras, value []byte) *Packet {
	return &Packet{
		Frame: &Frame{
			Opcode: opcode,
			Key:    []byte(key),
			Extras: extras,
			Value:  value,
		},
	}
}
