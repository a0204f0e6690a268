package r2p2

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/yongming/r2p2/pkg/buffer"
)

// HandlePacket is the ingress entrypoint. The runtime calls it with every
// received datagram: gb holds the raw bytes, n is the datagram length,
// source and local identify the two ends of the receiving socket, and
// rxTS is the receive timestamp when timestamping is enabled (zero
// otherwise).
//
// Ownership of gb passes to the engine: it is either chained into a
// message or released before HandlePacket returns.
func (e *Engine) HandlePacket(ctx context.Context, gb *buffer.Buf, n int, source, local HostTuple, rxTS time.Time) {
	if n < HeaderLen {
		dlog.Debugf(ctx, "   PKT from %s undersized: %d bytes", source, n)
		e.metrics.DroppedDatagram()
		gb.Release()
		return
	}
	hdr := DecodeHeader(gb.Payload())
	if hdr.Magic != Magic {
		dlog.Debugf(ctx, "   PKT from %s bad magic %#02x", source, hdr.Magic)
		e.metrics.DroppedDatagram()
		gb.Release()
		return
	}

	if hdr.IsResponse() {
		e.handleResponse(ctx, gb, n, hdr, source, local, rxTS)
	} else {
		e.handleRequest(ctx, gb, n, hdr, source)
	}
}
