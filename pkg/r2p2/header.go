package r2p2

import "encoding/binary"

// Magic identifies the protocol version in the first header byte.
const Magic = 0x52

// HeaderLen is the wire size of the packet header.
const HeaderLen = 8

// MsgType is the high nibble of the header's type_policy byte.
type MsgType uint8

const (
	TypeRequest = MsgType(iota)
	TypeResponse
	TypeAck
	TypeDrop
)

func (t MsgType) String() (txt string) {
	switch t {
	case TypeRequest:
		txt = "REQUEST"
	case TypeResponse:
		txt = "RESPONSE"
	case TypeAck:
		txt = "ACK"
	case TypeDrop:
		txt = "DROP"
	default:
		txt = "UNKNOWN"
	}
	return txt
}

// Policy is the low nibble of the header's type_policy byte. It is carried
// on the wire for the benefit of an in-network router; the engine itself
// only ever originates FixedRoute control traffic.
type Policy uint8

const (
	FixedRoute = Policy(iota)
	LBRoute
	RRRoute
)

// Header flag bits. A single-packet message carries both.
const (
	FlagFirst = 1 << 7
	FlagLast  = 1 << 6
)

// Header is the decoded 8-byte packet header. POrder is dual-purpose on
// the wire: the first packet of a message carries the total packet count,
// every other packet carries its 0-based ordinal.
type Header struct {
	Magic      uint8
	HeaderSize uint8
	TypePolicy uint8
	Flags      uint8
	RID        uint16
	POrder     uint16
}

func (h *Header) MsgType() MsgType {
	return MsgType(h.TypePolicy >> 4)
}

func (h *Header) Policy() Policy {
	return Policy(h.TypePolicy & 0x0F)
}

func (h *Header) IsFirst() bool {
	return h.Flags&FlagFirst != 0
}

func (h *Header) IsLast() bool {
	return h.Flags&FlagLast != 0
}

// IsResponse reports whether the packet is client-bound, i.e. a response
// or the ACK that authorizes a request burst.
func (h *Header) IsResponse() bool {
	t := h.MsgType()
	return t == TypeResponse || t == TypeAck
}

// Encode writes h into the first HeaderLen bytes of b.
func (h *Header) Encode(b []byte) {
	b[0] = h.Magic
	b[1] = h.HeaderSize
	b[2] = h.TypePolicy
	b[3] = h.Flags
	binary.BigEndian.PutUint16(b[4:], h.RID)
	binary.BigEndian.PutUint16(b[6:], h.POrder)
}

// DecodeHeader reads a header from the first HeaderLen bytes of b. The
// caller has already checked the length.
func DecodeHeader(b []byte) Header {
	return Header{
		Magic:      b[0],
		HeaderSize: b[1],
		TypePolicy: b[2],
		Flags:      b[3],
		RID:        binary.BigEndian.Uint16(b[4:]),
		POrder:     binary.BigEndian.Uint16(b[6:]),
	}
}

func typePolicy(t MsgType, p Policy) uint8 {
	return uint8(t)<<4 | uint8(p)&0x0F
}
