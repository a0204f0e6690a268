package r2p2

import (
	"net"

	"github.com/pkg/errors"

	"github.com/yongming/r2p2/pkg/buffer"
)

// maxPacketsPerMsg bounds a message to what the application scatter view
// can hold.
const maxPacketsPerMsg = 0xFF

// ErrTooManyPackets is returned when a payload would segment into more
// packets than the scatter view allows.
var ErrTooManyPackets = errors.New("r2p2: message exceeds 255 packets")

// Msg is an ordered chain of packet buffers plus the identity of the
// remote peer. Both the request and reply sides of a pair are a Msg.
type Msg struct {
	head   *buffer.Buf
	tail   *buffer.Buf
	sender HostTuple
	rid    uint16
}

// add appends gb to the message chain.
func (m *Msg) add(gb *buffer.Buf) {
	if m.tail != nil {
		m.tail.SetNext(gb)
		m.tail = gb
	} else {
		m.head = gb
		m.tail = gb
	}
}

// release frees every buffer in the chain and resets the message.
func (m *Msg) release() {
	buffer.ReleaseChain(m.head)
	m.head = nil
	m.tail = nil
}

// prepareMsg segments the gathered payload iov into a chain of framed
// packets appended to msg.
//
// The first packet of a multi-packet message carries at most
// MinPayloadSize bytes so that it fits inside any routing fast path that
// must inspect it; all other packets carry up to PayloadSize bytes. After
// framing, the first packet's p_order is rewritten to the total packet
// count and its F flag set; the last packet gets the L flag. An empty
// payload yields one packet with zero body bytes and both flags.
func (e *Engine) prepareMsg(msg *Msg, iov net.Buffers, t MsgType, pol Policy, rid uint16) error {
	total := 0
	for _, v := range iov {
		total += len(v)
	}
	singlePacket := total <= e.payloadSize

	if n := e.packetCount(total); n > maxPacketsPerMsg {
		return ErrTooManyPackets
	}

	var (
		gb         *buffer.Buf
		bufferLeft int
		bufferCnt  uint16
	)
	newPacket := func() {
		gb = e.buffers.Get()
		msg.add(gb)
		if bufferCnt == 0 && !singlePacket {
			bufferLeft = e.minPayloadSize
		} else {
			bufferLeft = e.payloadSize
		}
		h := Header{
			Magic:      Magic,
			HeaderSize: HeaderLen,
			TypePolicy: typePolicy(t, pol),
			RID:        rid,
			POrder:     bufferCnt,
		}
		h.Encode(gb.Payload())
		gb.SetLen(HeaderLen)
		bufferCnt++
	}

	newPacket()
	for _, v := range iov {
		for len(v) > 0 {
			if bufferLeft == 0 {
				newPacket()
			}
			n := min(bufferLeft, len(v))
			copy(gb.Payload()[gb.Len():], v[:n])
			gb.SetLen(gb.Len() + n)
			bufferLeft -= n
			v = v[n:]
		}
	}

	// Rewrite the head header with the total count and the F flag, and
	// mark the tail as last.
	hb := msg.head.Payload()
	h := DecodeHeader(hb)
	h.POrder = bufferCnt
	h.Flags |= FlagFirst
	h.Encode(hb)
	tb := msg.tail.Payload()
	h = DecodeHeader(tb)
	h.Flags |= FlagLast
	h.Encode(tb)

	msg.rid = rid
	return nil
}

// packetCount returns how many packets a payload of the given size
// segments into.
func (e *Engine) packetCount(total int) int {
	if total <= e.payloadSize {
		return 1
	}
	rest := total - e.minPayloadSize
	return 1 + (rest+e.payloadSize-1)/e.payloadSize
}

// appView exposes the body of each packet in msg as one element of a
// scatter list, without copying. The returned slice aliases the engine's
// scratch array and is only valid until the next appView call.
func (e *Engine) appView(msg *Msg) (net.Buffers, error) {
	iov := e.scratch[:0]
	for gb := msg.head; gb != nil; gb = gb.Next() {
		if len(iov) == maxPacketsPerMsg {
			return nil, ErrTooManyPackets
		}
		iov = append(iov, gb.Payload()[HeaderLen:gb.Len()])
	}
	return iov, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
