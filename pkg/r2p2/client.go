package r2p2

import (
	"context"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/yongming/r2p2/pkg/buffer"
)

// ErrCodeOrdering is the code passed to Ctx.OnError when a reply packet
// arrives out of order or the packet count does not match the total
// announced in the first packet.
const ErrCodeOrdering = -1

// LocalAddrer is optionally implemented by a backend Conn to report the
// local endpoint of the per-request socket. The local port keys the
// pending-client lookup on ingress.
type LocalAddrer interface {
	LocalAddr() HostTuple
}

// SendRequest issues a request. It allocates a client pair, frames the
// payload, and transmits the first packet. For a multi-packet request the
// remaining packets are withheld until the server's ACK arrives.
func (e *Engine) SendRequest(ctx context.Context, iov net.Buffers, cx *Ctx) error {
	cp := e.clients.alloc()
	cp.ctx = cx

	conn, err := e.backend.PrepareToSend(cx)
	if err != nil {
		e.metrics.PrepareFailure()
		e.freeClientPair(cp)
		return errors.Wrap(err, "prepare to send")
	}
	cp.conn = conn
	if la, ok := conn.(LocalAddrer); ok {
		cp.localPort = la.LocalAddr().Port()
	}

	rid := uint16(e.rnd.Intn(1 << 16))
	if err := e.prepareMsg(&cp.request, iov, TypeRequest, cx.Policy, rid); err != nil {
		e.freeClientPair(cp)
		return err
	}
	if cp.request.head == cp.request.tail {
		cp.state = stateWResponse
	} else {
		cp.state = stateWAck
	}

	e.pendingClients.insert(cp)

	if e.timers != nil && cx.Timeout > 0 {
		h := cp.handle()
		cp.timer = e.timers.Schedule(cx.Timeout, func() {
			e.TimerTriggered(ctx, h)
		})
	}

	// Send only the first packet; the rest of the chain stays attached
	// to the pair for the post-ACK burst.
	rest := cp.request.head.Next()
	cp.request.head.SetNext(nil)
	err = e.backend.Send(cp.request.head, cx.Destination, cp.conn)
	cp.request.head.SetNext(rest)
	if err != nil {
		dlog.Errorf(ctx, "!! REQ rid %#04x to %s: %v", rid, cx.Destination, err)
		e.pendingClients.remove(cp)
		e.freeClientPair(cp)
		return errors.Wrap(err, "send first packet")
	}
	dlog.Debugf(ctx, "-> REQ rid %#04x to %s, %d packet(s), state %s", rid, cx.Destination, e.chainLen(cp.request.head), cp.state)
	e.metrics.RequestSent()
	return nil
}

func (e *Engine) chainLen(gb *buffer.Buf) int {
	n := 0
	for ; gb != nil; gb = gb.Next() {
		n++
	}
	return n
}

// handleResponse processes a client-bound datagram: the ACK that releases
// a request burst, or one packet of a reply under reassembly.
func (e *Engine) handleResponse(ctx context.Context, gb *buffer.Buf, n int, hdr Header, source, local HostTuple, rxTS time.Time) {
	cp := e.pendingClients.find(local.Port(), hdr.RID)
	if cp == nil {
		// Request already completed or timed out.
		dlog.Tracef(ctx, "   RSP rid %#04x from %s matches no pending request", hdr.RID, source)
		e.metrics.StaleResponse()
		gb.Release()
		return
	}

	if e.timestamping && !rxTS.IsZero() && rxTS.After(cp.ctx.RxTimestamp) {
		cp.ctx.RxTimestamp = rxTS
	}

	cp.reply.sender = source
	if cp.state == stateWAck {
		if hdr.MsgType() != TypeAck || n != HeaderLen+ackBodyLen {
			dlog.Debugf(ctx, "   RSP rid %#04x: %s of %d bytes while %s", hdr.RID, hdr.MsgType(), n, cp.state)
			gb.Release()
			e.failClientPair(ctx, cp)
			return
		}
		gb.Release()

		// The server accepted the first packet; burst the rest.
		rest := cp.request.head.Next()
		if err := e.backend.Send(rest, cp.ctx.Destination, cp.conn); err != nil {
			dlog.Errorf(ctx, "!! REQ rid %#04x burst to %s: %v", hdr.RID, cp.ctx.Destination, err)
			e.failClientPair(ctx, cp)
			return
		}
		cp.state = stateWResponse
		dlog.Debugf(ctx, "-> REQ rid %#04x burst of %d packet(s)", hdr.RID, e.chainLen(rest))
		return
	}

	gb.SetLen(n)
	cp.reply.add(gb)

	if hdr.IsFirst() {
		cp.replyExpected = hdr.POrder
		cp.replyReceived = 1
	} else {
		if hdr.POrder != cp.replyReceived {
			dlog.Debugf(ctx, "   RSP rid %#04x out of order: p_order %d, received %d", hdr.RID, hdr.POrder, cp.replyReceived)
			e.failClientPair(ctx, cp)
			return
		}
		cp.replyReceived++
	}

	if !hdr.IsLast() {
		return
	}

	if cp.timer != nil {
		cp.timer.Stop()
		cp.timer = nil
	}
	if cp.replyReceived != cp.replyExpected {
		dlog.Debugf(ctx, "   RSP rid %#04x wrong total: received %d, expected %d", hdr.RID, cp.replyReceived, cp.replyExpected)
		e.failClientPair(ctx, cp)
		return
	}
	iov, err := e.appView(&cp.reply)
	if err != nil {
		dlog.Debugf(ctx, "   RSP rid %#04x: %v", hdr.RID, err)
		e.failClientPair(ctx, cp)
		return
	}

	// Pull the tx timestamp now in case it wasn't available at send time.
	if e.timestamping && !cp.ctx.RxTimestamp.IsZero() && cp.ctx.TxTimestamp.IsZero() {
		if ts, ok := e.backend.(TxTimestamper); ok {
			if t, err := ts.TxTimestamp(cp.conn); err == nil {
				cp.ctx.TxTimestamp = t
			}
		}
	}

	dlog.Debugf(ctx, "<- RSP rid %#04x complete, %d packet(s)", hdr.RID, cp.replyReceived)
	e.metrics.ReplyDelivered()
	cp.ctx.OnSuccess(cp.handle(), cp.ctx.Arg, iov)
}

// failClientPair tears a pair down on a reassembly or ordering violation.
func (e *Engine) failClientPair(ctx context.Context, cp *clientPair) {
	e.metrics.OrderingFailure()
	if cb := cp.ctx.OnError; cb != nil {
		cb(cp.ctx.Arg, ErrCodeOrdering)
	}
	e.pendingClients.remove(cp)
	e.freeClientPair(cp)
}

// TimerTriggered is the external timer edge. The handle's generation is
// validated, so a timer that fires after the pair completed (or after the
// slot was recycled) is a no-op.
func (e *Engine) TimerTriggered(ctx context.Context, h ClientHandle) {
	cp := e.clients.get(h)
	if cp == nil {
		return
	}
	dlog.Debugf(ctx, "   REQ rid %#04x timed out in state %s", cp.request.rid, cp.state)
	e.metrics.Timeout()
	if cb := cp.ctx.OnTimeout; cb != nil {
		cb(cp.ctx.Arg)
	}
	e.pendingClients.remove(cp)
	e.freeClientPair(cp)
}

// ReplyDone releases the pair whose reply was delivered to OnSuccess. The
// scatter view handed to the callback is invalid afterwards.
func (e *Engine) ReplyDone(ctx context.Context, h ClientHandle) {
	cp := e.clients.get(h)
	if cp == nil {
		return
	}
	e.pendingClients.remove(cp)
	e.freeClientPair(cp)
}
