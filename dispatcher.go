package vbucket

import (
	"context"
	"fmt"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/cb-driver/vbucket/conn"
)

// Dispatcher is the single choke point that routes, sends and receives
// frames against a vbucket's connections: single-packet dispatch
// (SendOne) and pipelined multi-packet dispatch with quiet-opcode
// rewriting (SendMany).
type Dispatcher struct {
	vb    *VBucket
	conns *ConnManager
}

// NewDispatcher builds a dispatcher bound to one vbucket's routing
// table and connection manager.
func NewDispatcher(vb *VBucket, conns *ConnManager) *Dispatcher {
	return &Dispatcher{vb: vb, conns: conns}
}

// SendOne routes, sends and decodes a single packet. A NotMyVBucket
// response schedules a bounded topology reload before the error is
// surfaced to the caller.
func (d *Dispatcher) SendOne(ctx context.Context, pkt *Packet) ([]byte, error) {
	srv, err := d.vb.Route(pkt)
	if err != nil {
		return nil, err
	}

	sock, err := d.conns.Acquire(srv)
	if err != nil {
		if isConnRefused(err) {
			_ = d.vb.MaybeReload(ctx)
		}
		return nil, errors.Wrapf(annotateConnectError(err), "acquire connection to %s", srv.Name())
	}

	resp, err := sendRecv(sock, pkt.Frame)
	if err != nil {
		d.conns.Discard(sock)
		return nil, errors.Wrap(ErrWire, err.Error())
	}
	d.conns.Release(srv, sock)

	return valueOrStatusError(resp, func() { _ = d.vb.MaybeReload(ctx) })
}

// valueOrStatusError turns a decoded response into the Client Facade's
// value-or-error contract: status OK returns the value bytes (or the
// status code itself when the value is empty); any other status
// becomes an error carrying the response's value as its message.
// onNotMyVBucket is invoked, once, when status is NotMyVBucket.
func valueOrStatusError(resp *Frame, onNotMyVBucket func()) ([]byte, error) {
	status := resp.Status()
	if status == StatusNotMyVBucket {
		onNotMyVBucket()
		return nil, errors.Wrapf(ErrServer, "not my vbucket: %s", resp.Value)
	}
	if status != StatusOK {
		return nil, errors.Wrapf(ErrServer, "status %#x: %s", uint16(status), resp.Value)
	}
	if len(resp.Value) == 0 {
		return []byte(fmt.Sprintf("%d", uint16(status))), nil
	}
	return resp.Value, nil
}

// isConnRefused matches the "connection refused" substring that
// triggers an opportunistic topology reload.
func isConnRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}

// annotateConnectError appends a configuration hint when the dial
// failure points at a missing resolver on the embedding host, so the
// caller sees where to look without this package needing a log sink.
func annotateConnectError(err error) error {
	if strings.Contains(err.Error(), "no resolver defined") {
		return errors.Wrap(err, "hint: configure a DNS resolver on the hosting server")
	}
	return err
}

// packetGroup is one connection's worth of pipelined work: every
// packet routed to the same destination server, in caller order.
type packetGroup struct {
	srv     Server
	packets []*Packet
}

// noopSentinelOpaque terminates a pipelined read: it is sent as the
// last frame of every group so the quiet successes ahead of it (which
// the server never replies to) can be inferred once it comes back.
const noopSentinelOpaque uint32 = 0xFFFFFFFF

// SendMany groups packets by destination server, pipelines each
// group's sends, rewrites every packet but a group's last into its
// quiet counterpart when the group has more than one packet, and
// reads back responses in send order. Every packet's outcome -
// decoded value or error - is reported in the returned DispatchResult;
// a batch-wide error is returned only when a packet cannot be routed or
// acquiring a destination connection failed for one or more groups.
func (d *Dispatcher) SendMany(ctx context.Context, packets []*Packet) (*DispatchResult, error) {
	groups, order, err := d.groupByRoute(packets)
	if err != nil {
		return nil, err
	}

	acquired, acquireErr := d.acquireAll(ctx, groups, order)
	if acquireErr != nil {
		for _, ac := range acquired {
			d.conns.Release(ac.group.srv, ac.sock)
		}
		return nil, errors.Wrap(acquireErr, "send_many: acquire connections")
	}

	result := &DispatchResult{
		Values: make(map[*Packet][]byte, len(packets)),
		Errors: make(map[*Packet]error),
	}

	sawNotMyVBucket := false
	for _, ac := range acquired {
		rewriteQuietOpcodes(ac.group.packets)

		sendOK, discarded := d.sendGroup(ac.sock, ac.group, result)
		if sendOK {
			var recvDiscarded bool
			var gotNotMyVBucket bool
			gotNotMyVBucket, recvDiscarded = d.recvGroup(ac.sock, ac.group, result)
			sawNotMyVBucket = sawNotMyVBucket || gotNotMyVBucket
			discarded = discarded || recvDiscarded
		}

		if !discarded {
			d.conns.Release(ac.group.srv, ac.sock)
		}
	}

	if sawNotMyVBucket {
		_ = d.vb.MaybeReload(ctx)
	}

	return result, nil
}

// DispatchResult is the outcome of a SendMany batch: per-packet
// decoded values and per-packet errors, keyed by packet identity so a
// caller can zip results back to the keys it requested.
type DispatchResult struct {
	Values map[*Packet][]byte
	Errors map[*Packet]error
}

func (d *Dispatcher) groupByRoute(packets []*Packet) (map[string]*packetGroup, []string, error) {
	groups := make(map[string]*packetGroup)
	var order []string
	for _, pkt := range packets {
		srv, err := d.vb.Route(pkt)
		if err != nil {
			return nil, nil, err
		}
		key := srv.Name()
		g, ok := groups[key]
		if !ok {
			g = &packetGroup{srv: srv}
			groups[key] = g
			order = append(order, key)
		}
		g.packets = append(g.packets, pkt)
	}
	return groups, order, nil
}

type acquiredGroup struct {
	group *packetGroup
	sock  *conn.Socket
}

func (d *Dispatcher) acquireAll(ctx context.Context, groups map[string]*packetGroup, order []string) ([]acquiredGroup, error) {
	var acquired []acquiredGroup
	var errs error
	for _, key := range order {
		g := groups[key]
		sock, err := d.conns.Acquire(g.srv)
		if err != nil {
			if isConnRefused(err) {
				_ = d.vb.MaybeReload(ctx)
			}
			errs = multierror.Append(errs, errors.Wrapf(annotateConnectError(err), "server %s", g.srv.Name()))
			continue
		}
		acquired = append(acquired, acquiredGroup{group: g, sock: sock})
	}
	return acquired, errs
}

// rewriteQuietOpcodes substitutes the quiet counterpart into every
// packet but the last in a group of more than one, per the mapping in
// opcodes.go. A packet whose opcode has no quiet counterpart is left
// untouched; the server will still reply to it.
func rewriteQuietOpcodes(packets []*Packet) {
	if len(packets) < 2 {
		return
	}
	for _, pkt := range packets[:len(packets)-1] {
		if q, ok := quietOpcode[pkt.Frame.Opcode]; ok {
			pkt.Frame.Opcode = q
		}
	}
}

// sendGroup writes every packet in order, stamping Opaque with the
// packet's 1-based position (distinct from noopSentinelOpaque, which
// is written last) so responses can be matched back to their
// packet despite quiet suppression reordering which ones reply. It
// returns ok=false (and discards the socket) if the connection is
// unusable for the read phase.
func (d *Dispatcher) sendGroup(sock *conn.Socket, g *packetGroup, result *DispatchResult) (ok, discarded bool) {
	for i, pkt := range g.packets {
		pkt.Frame.Opaque = uint32(i + 1)
		if err := writeFrame(sock, pkt.Frame); err != nil {
			result.Errors[pkt] = errors.Wrap(ErrWire, err.Error())
			d.conns.Discard(sock)
			return false, true
		}
	}

	if err := writeFrame(sock, &Frame{Opcode: OpNoop, Opaque: noopSentinelOpaque}); err != nil {
		d.conns.Discard(sock)
		return false, true
	}
	return true, false
}

// recvGroup reads responses until the noop sentinel itself comes
// back, matching each response's opaque to its packet along the way.
// It must not stop as soon as every packet is matched: the sentinel
// frame is always in flight behind the real packets (sendGroup always
// writes it, even for a one-packet group) and leaving it unread would
// desync the next reader to use this socket once it's pooled. Packets
// never matched by the time the sentinel arrives were quiet-rewritten:
// an unmatched quiet mutation counts as a success with a nil value, an
// unmatched quiet retrieval gets no entry at all. It reports whether
// any matched response was
// NotMyVBucket, and whether the socket had to be discarded.
func (d *Dispatcher) recvGroup(sock *conn.Socket, g *packetGroup, result *DispatchResult) (sawNotMyVBucket, discarded bool) {
	byOpaque := make(map[uint32]*Packet, len(g.packets))
	for i, pkt := range g.packets {
		byOpaque[uint32(i+1)] = pkt
	}

	for {
		resp, err := readFrame(sock)
		if err != nil {
			d.conns.Discard(sock)
			for _, pkt := range byOpaque {
				result.Errors[pkt] = errors.Wrap(ErrWire, err.Error())
			}
			return sawNotMyVBucket, true
		}
		if resp.Opaque == noopSentinelOpaque {
			break
		}

		pkt, ok := byOpaque[resp.Opaque]
		if !ok {
			continue
		}
		delete(byOpaque, resp.Opaque)

		value, valErr := valueOrStatusError(resp, func() { sawNotMyVBucket = true })
		if valErr != nil {
			result.Errors[pkt] = valErr
			continue
		}
		result.Values[pkt] = value
	}

	// Any packet still unmatched was quiet-rewritten and the server
	// chose not to reply. For a quiet retrieval that silence is a
	// suppressed miss: the key was never confirmed, so it gets no
	// Values entry. For quiet mutations the silence is the success the
	// rewrite asked for.
	for _, pkt := range byOpaque {
		if isQuietRetrieval(pkt.Frame.Opcode) {
			continue
		}
		result.Values[pkt] = nil
	}

	return sawNotMyVBucket, false
}
