package vbucket

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cb-driver/vbucket/conn"
)

func TestRewriteQuietOpcodesLeavesLastPacketAlone(t *testing.T) {
	packets := []*Packet{
		{Frame: &Frame{Opcode: OpGet}},
		{Frame: &Frame{Opcode: OpSet}},
		{Frame: &Frame{Opcode: OpGet}},
	}

	rewriteQuietOpcodes(packets)

	assert.Equal(t, OpGetQ, packets[0].Frame.Opcode)
	assert.Equal(t, OpSetQ, packets[1].Frame.Opcode)
	assert.Equal(t, OpGet, packets[2].Frame.Opcode, "last packet keeps its non-quiet opcode")
}

func TestRewriteQuietOpcodesSkipsSinglePacketGroup(t *testing.T) {
	packets := []*Packet{{Frame: &Frame{Opcode: OpGet}}}
	rewriteQuietOpcodes(packets)
	assert.Equal(t, OpGet, packets[0].Frame.Opcode)
}

func TestGroupByRoute(t *testing.T) {
	vb := &VBucket{
		Nodes: []Server{NewServer("a", 11210, 0), NewServer("b", 11210, 1)},
		VMap:  []VBucketPair{{Primary: 0, Replica: -1}},
	}
	vb.mask = 0
	d := NewDispatcher(vb, nil)

	packets := []*Packet{
		{Frame: &Frame{Key: []byte("x")}},
		{Frame: &Frame{Key: []byte("y")}},
	}
	groups, order, err := d.groupByRoute(packets)
	require.NoError(t, err)
	require.Len(t, order, 1)
	assert.Len(t, groups[order[0]].packets, 2)
}

// singleSocketDial builds a ConnManager whose single pool always hands
// back the client end of a net.Pipe wired to a caller-provided fake
// server, pre-marked authenticated so Acquire skips the handshake.
func singleSocketDial(t *testing.T, srv Server, bucket string) (*ConnManager, net.Conn) {
	t.Helper()

	client, server := net.Pipe()
	sock := &conn.Socket{Raw: client, R: bufio.NewReader(client), W: bufio.NewWriter(client), Authenticated: true}

	cm := NewConnManager(bucket, "user", "pass", 0, 0, 0, 10)
	cm.pools[poolName(srv, bucket)] = conn.NewPool(poolName(srv, bucket), 10, 0, func() (*conn.Socket, error) {
		return sock, nil
	})

	return cm, server
}

func singleVBucket(srv Server) *VBucket {
	vb := &VBucket{Nodes: []Server{srv}, VMap: []VBucketPair{{Primary: 0, Replica: -1}}}
	vb.mask = 0
	return vb
}

func TestSendOneSuccess(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	go func() {
		f, err := Decode(server)
		if err != nil {
			return
		}
		resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusOK), Opaque: f.Opaque, Value: []byte(`{"n":1}`)}
		buf, _ := Encode(resp)
		_, _ = server.Write(buf)
	}()

	d := NewDispatcher(vb, cm)
	value, err := d.SendOne(context.Background(), newPacket(OpGet, "user:42", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(value))
}

func TestSendOneNotMyVBucketTriggersReload(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)

	fake := &fakeFetcher{cfgs: []bucketConfig{{Name: "bucket"}}}
	fake.cfgs[0].VBucketServerMap.ServerList = []string{"node1:11210"}
	fake.cfgs[0].VBucketServerMap.VBucketMap = [][2]int{{0, -1}}
	vb.Name = "bucket"
	vb.fetcher = fake
	vb.lastReload.Store(0)
	nowFunc = func() time.Time { return time.Unix(1_000_000, 0) }
	defer func() { nowFunc = time.Now }()

	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	go func() {
		f, err := Decode(server)
		if err != nil {
			return
		}
		resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusNotMyVBucket), Opaque: f.Opaque}
		buf, _ := Encode(resp)
		_, _ = server.Write(buf)
	}()

	d := NewDispatcher(vb, cm)
	_, err := d.SendOne(context.Background(), newPacket(OpGet, "k", nil, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServer)
	assert.EqualValues(t, 1, fake.calls.Load())
}

// TestSendManyQuietRewriteAndBulk is scenario S3: three keys routed to
// the same server; the wire should carry GetQ, GetQ, Get and only the
// last key gets a value back.
func TestSendManyQuietRewriteAndBulk(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
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
			if string(f.Key) == "c" {
				resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusOK), Opaque: f.Opaque, Value: []byte("value-c")}
				buf, _ := Encode(resp)
				pending = append(pending, buf...)
				continue
			}
			// quiet miss: the server sends nothing back for a/b.
		}
	}()

	d := NewDispatcher(vb, cm)
	pktA := newPacket(OpGet, "a", nil, nil)
	pktB := newPacket(OpGet, "b", nil, nil)
	pktC := newPacket(OpGet, "c", nil, nil)

	result, err := d.SendMany(context.Background(), []*Packet{pktA, pktB, pktC})
	require.NoError(t, err)
	<-serverDone

	assert.Equal(t, OpGetQ, pktA.Frame.Opcode)
	assert.Equal(t, OpGetQ, pktB.Frame.Opcode)
	assert.Equal(t, OpGet, pktC.Frame.Opcode)

	assert.NotContains(t, result.Values, pktA, "silent GetQ means the key was never confirmed")
	assert.NotContains(t, result.Values, pktB)
	assert.Equal(t, []byte("value-c"), result.Values[pktC])
	assert.Len(t, result.Values, 1)
	assert.Empty(t, result.Errors)
}

// TestSendManySinglePacketGroupDrainsNoopSentinel is a regression test:
// a group of exactly one packet still gets a trailing Noop sentinel
// frame from sendGroup, and recvGroup must keep reading until that
// sentinel itself is observed rather than stopping as soon as the
// one dispatched packet is matched. Otherwise the Noop response is
// left unread on the wire, and the next caller to acquire this pooled
// socket misreads it as the first bytes of its own response.
func TestSendManySinglePacketGroupDrainsNoopSentinel(t *testing.T) {
	srv := NewServer("node1", 11210, 0)
	vb := singleVBucket(srv)
	cm, server := singleSocketDial(t, srv, "bucket")
	defer server.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		// Replies are held until the Noop sentinel arrives, as in
		// TestSendManyQuietRewriteAndBulk.
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
			resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusOK), Opaque: f.Opaque, Value: []byte("value-only")}
			buf, _ := Encode(resp)
			pending = append(pending, buf...)
		}
	}()

	d := NewDispatcher(vb, cm)
	pktOnly := newPacket(OpGet, "onlyKey", nil, nil)

	result, err := d.SendMany(context.Background(), []*Packet{pktOnly})
	require.NoError(t, err)
	<-serverDone

	assert.Equal(t, []byte("value-only"), result.Values[pktOnly])
	assert.Empty(t, result.Errors)

	// The socket was released back to its pool with the Noop response
	// already drained. A second, unrelated request on the same pooled
	// socket must see its own response, not the leftover Noop frame.
	pktNext := newPacket(OpGet, "anotherKey", nil, nil)
	go func() {
		f, err := Decode(server)
		if err != nil {
			return
		}
		resp := &Frame{Magic: MagicResponse, Opcode: f.Opcode, StatusOrVBucket: uint16(StatusOK), Opaque: f.Opaque, Value: []byte("value-next")}
		buf, _ := Encode(resp)
		_, _ = server.Write(buf)
	}()

	value, err := d.SendOne(context.Background(), pktNext)
	require.NoError(t, err)
	assert.Equal(t, []byte("value-next"), value)
}
