package r2p2

import (
	"context"
	"net"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/yongming/r2p2/pkg/buffer"
)

// ackBody authorizes the client to burst the rest of a multi-packet
// request.
var ackBody = []byte("ACK")

const ackBodyLen = 3

// handleRequest processes one packet of an incoming request. The first
// packet of a multi-packet request is answered with an ACK; the request is
// dispatched to the application once its last packet has arrived.
func (e *Engine) handleRequest(ctx context.Context, gb *buffer.Buf, n int, hdr Header, source HostTuple) {
	var sp *serverPair
	if hdr.IsFirst() {
		// A pending pair with the same identity means the peer
		// restarted the request; the stale pair is dropped in favor of
		// the new one.
		if old := e.pendingServers.find(hdr.RID, source); old != nil {
			dlog.Debugf(ctx, "   REQ rid %#04x from %s restarts a pending request", hdr.RID, source)
			e.pendingServers.remove(old)
			e.freeServerPair(old)
		}
		sp = e.servers.alloc()
		sp.request.sender = source
		sp.request.rid = hdr.RID
		sp.requestExpected = hdr.POrder
		sp.requestReceived = 1
		if !hdr.IsLast() {
			e.pendingServers.insert(sp)
			e.sendAck(ctx, hdr.RID, source)
		}
	} else {
		sp = e.pendingServers.find(hdr.RID, source)
		if sp == nil {
			dlog.Tracef(ctx, "   REQ rid %#04x from %s matches no pending request", hdr.RID, source)
			e.metrics.DroppedDatagram()
			gb.Release()
			return
		}
		if hdr.POrder != sp.requestReceived {
			dlog.Debugf(ctx, "   REQ rid %#04x out of order: p_order %d, received %d", hdr.RID, hdr.POrder, sp.requestReceived)
			e.metrics.OrderingFailure()
			gb.Release()
			e.pendingServers.remove(sp)
			e.freeServerPair(sp)
			return
		}
		sp.requestReceived++
	}

	gb.SetLen(n)
	sp.request.add(gb)

	if !hdr.IsLast() {
		return
	}

	if sp.requestReceived != sp.requestExpected {
		dlog.Debugf(ctx, "   REQ rid %#04x wrong total: received %d, expected %d", hdr.RID, sp.requestReceived, sp.requestExpected)
		e.metrics.OrderingFailure()
		e.pendingServers.remove(sp)
		e.freeServerPair(sp)
		return
	}

	if e.rfn == nil {
		panic("r2p2: no receive callback registered")
	}
	iov, err := e.appView(&sp.request)
	if err != nil {
		dlog.Debugf(ctx, "   REQ rid %#04x: %v", hdr.RID, err)
		e.pendingServers.remove(sp)
		e.freeServerPair(sp)
		return
	}
	dlog.Debugf(ctx, "<- REQ rid %#04x from %s complete, %d packet(s)", hdr.RID, source, sp.requestReceived)
	e.metrics.RequestServed()
	e.rfn(sp.handle(), iov)
}

// sendAck transmits the short control message that releases the client's
// burst. The packet buffers are released right after the send.
func (e *Engine) sendAck(ctx context.Context, rid uint16, dst HostTuple) {
	var ack Msg
	if err := e.prepareMsg(&ack, net.Buffers{ackBody}, TypeAck, FixedRoute, rid); err != nil {
		// Three bytes always fit in one packet.
		panic(err)
	}
	if err := e.backend.Send(ack.head, dst, nil); err != nil {
		dlog.Errorf(ctx, "!! ACK rid %#04x to %s: %v", rid, dst, err)
	} else {
		dlog.Debugf(ctx, "-> ACK rid %#04x to %s", rid, dst)
		e.metrics.AckSent()
	}
	ack.release()
}

// SendResponse frames and transmits the application's reply for the
// request identified by h, notifies the router, and releases the pair.
func (e *Engine) SendResponse(ctx context.Context, h ServerHandle, iov net.Buffers) error {
	sp := e.servers.get(h)
	if sp == nil {
		return errors.New("r2p2: stale server handle")
	}
	if err := e.prepareMsg(&sp.reply, iov, TypeResponse, FixedRoute, sp.request.rid); err != nil {
		// The pair stays live; the application may retry with a
		// smaller payload.
		return err
	}
	err := e.backend.Send(sp.reply.head, sp.request.sender, nil)
	if err != nil {
		dlog.Errorf(ctx, "!! RSP rid %#04x to %s: %v", sp.request.rid, sp.request.sender, err)
		err = errors.Wrap(err, "send response")
	} else {
		dlog.Debugf(ctx, "-> RSP rid %#04x to %s, %d packet(s)", sp.request.rid, sp.request.sender, e.chainLen(sp.reply.head))
	}

	if e.routerNotify != nil {
		e.routerNotify()
		e.metrics.RouterNotify()
	}

	// A single-packet request was never inserted; remove is a no-op then.
	e.pendingServers.remove(sp)
	e.freeServerPair(sp)
	return err
}
