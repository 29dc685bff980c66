package vbucket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient wires a Client directly from its parts, skipping
// NewClient's registry/network path entirely.
func newTestClient(t *testing.T, vb *VBucket, cm *ConnManager) *Client {
	t.Helper()
	return &Client{
		vb:       vb,
		conns:    cm,
		dispatch: NewDispatcher(vb, cm),
		n1ql:     newN1QLRouter(time.Second),
	}
}

func TestClientGetReturnsValue(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	go func() {
		f, err := Decode(server)
		if err != nil {
			return
		}
		resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusOK), Opaque: f.Opaque, Value: []byte("hello")}
		buf, _ := Encode(resp)
		_, _ = server.Write(buf)
	}()

	c := newTestClient(t, vb, cm)
	value, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), value)
}

func TestClientSetEncodesNonByteValueAsJSON(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	type payload struct {
		N int `json:"n"`
	}

	seen := make(chan *Frame, 1)
	go func() {
		f, err := Decode(server)
		if err != nil {
			return
		}
		seen <- f
		resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusOK), Opaque: f.Opaque}
		buf, _ := Encode(resp)
		_, _ = server.Write(buf)
	}()

	c := newTestClient(t, vb, cm)
	_, err := c.Set(context.Background(), "k", payload{N: 7}, 0, 0)
	require.NoError(t, err)

	f := <-seen
	assert.JSONEq(t, `{"n":7}`, string(f.Value))
	assert.Equal(t, OpSet, f.Opcode)
	assert.Len(t, f.Extras, 8, "storage opcodes carry an 8-byte flags+expiry extras section")
}

func TestClientGetBulkOnlyReturnsSuccessfulKeys(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Replies are held until the Noop sentinel arrives: a net.Pipe
		// write blocks until it is read, and the dispatcher reads nothing
		// before it has written its whole batch.
		var pending []byte
		for {
			f, err := Decode(server)
			if err != nil {
				return
			}
			if f.Opcode == OpNoop {
				resp := &Frame{Magic: MagicResponse, Opcode: OpNoop, Opaque: f.Opaque}
				buf, _ := Encode(resp)
				_, _ = server.Write(append(pending, buf...))
				return
			}
			switch string(f.Key) {
			case "missing":
				resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusKeyNotFound), Opaque: f.Opaque}
				buf, _ := Encode(resp)
				pending = append(pending, buf...)
			case "last":
				resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusOK), Opaque: f.Opaque, Value: []byte("v-last")}
				buf, _ := Encode(resp)
				pending = append(pending, buf...)
			default:
				// quiet miss: silence.
			}
		}
	}()

	c := newTestClient(t, vb, cm)
	out, err := c.GetBulk(context.Background(), "silent", "missing", "last")
	require.NoError(t, err)
	<-done

	assert.NotContains(t, out, "silent", "a suppressed GetQ reply is a miss, not a success")
	assert.NotContains(t, out, "missing")
	assert.Equal(t, []byte("v-last"), out["last"])
	assert.Len(t, out, 1)
}

func TestClientHelloSendsFeatureNegotiationValue(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	seen := make(chan *Frame, 1)
	go func() {
		f, err := Decode(server)
		if err != nil {
			return
		}
		seen <- f
		resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusOK), Opaque: f.Opaque}
		buf, _ := Encode(resp)
		_, _ = server.Write(buf)
	}()

	c := newTestClient(t, vb, cm)
	_, err := c.Hello(context.Background())
	require.NoError(t, err)

	f := <-seen
	assert.Equal(t, OpHello, f.Opcode)
	assert.Equal(t, helloValue, f.Value)
}

func TestClientSelectBucketRebindsToNewTopology(t *testing.T) {
	cfg := bucketConfig{Name: "second"}
	cfg.VBucketServerMap.ServerList = []string{"a:11210"}
	cfg.VBucketServerMap.VBucketMap = [][2]int{{0, -1}}

	fetcher := &fakeFetcher{cfgs: []bucketConfig{cfg}}
	registry := NewRegistry(fetcher)

	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "first")
	defer server.Close()

	c := newTestClient(t, vb, cm)
	c.registry = registry
	c.clusterName = "c1"
	c.username, c.password = "u", "p"
	c.vb.HostPorts = []string{"a:11210"}

	err := c.SelectBucket(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, "second", c.vb.Name)
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestClientSetTimeoutUpdatesConnManager(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	c := newTestClient(t, vb, cm)
	c.SetTimeout(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.conns.ioTimeout)
}

func TestNewClientWithMaxTriesConfiguresTopologyFetcher(t *testing.T) {
	fetcher := NewTopologyFetcher(1)
	registry := NewRegistry(fetcher)

	_, err := NewClient(context.Background(), []string{unusedTCPAddr(t)}, "bucket", "u", "p",
		WithRegistry(registry), WithMaxTries(1))
	require.Error(t, err, "no live seed to fetch topology from")
	assert.Equal(t, 1, fetcher.MaxTries, "the knob reaches the registry's fetcher before the first fetch")
}

func TestClientCloseTearsDownPools(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	c := newTestClient(t, vb, cm)
	require.NoError(t, c.Close())
	assert.Empty(t, cm.pools)
}
