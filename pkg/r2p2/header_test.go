package r2p2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		hdr  Header
	}{
		{
			name: "request first",
			hdr: Header{
				Magic:      Magic,
				HeaderSize: HeaderLen,
				TypePolicy: typePolicy(TypeRequest, FixedRoute),
				Flags:      FlagFirst,
				RID:        0x1234,
				POrder:     3,
			},
		},
		{
			name: "response single packet",
			hdr: Header{
				Magic:      Magic,
				HeaderSize: HeaderLen,
				TypePolicy: typePolicy(TypeResponse, LBRoute),
				Flags:      FlagFirst | FlagLast,
				RID:        0xFFFF,
				POrder:     1,
			},
		},
		{
			name: "ack",
			hdr: Header{
				Magic:      Magic,
				HeaderSize: HeaderLen,
				TypePolicy: typePolicy(TypeAck, FixedRoute),
				Flags:      FlagFirst | FlagLast,
				RID:        0,
				POrder:     1,
			},
		},
		{
			name: "middle packet",
			hdr: Header{
				Magic:      Magic,
				HeaderSize: HeaderLen,
				TypePolicy: typePolicy(TypeRequest, RRRoute),
				RID:        0xBEEF,
				POrder:     17,
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var b [HeaderLen]byte
			tc.hdr.Encode(b[:])
			assert.Equal(t, tc.hdr, DecodeHeader(b[:]))
		})
	}
}

func TestHeaderAccessors(t *testing.T) {
	h := Header{
		TypePolicy: typePolicy(TypeResponse, RRRoute),
		Flags:      FlagFirst,
	}
	assert.Equal(t, TypeResponse, h.MsgType())
	assert.Equal(t, RRRoute, h.Policy())
	assert.True(t, h.IsFirst())
	assert.False(t, h.IsLast())
	assert.True(t, h.IsResponse())

	h.TypePolicy = typePolicy(TypeAck, FixedRoute)
	assert.True(t, h.IsResponse())

	h.TypePolicy = typePolicy(TypeRequest, FixedRoute)
	assert.False(t, h.IsResponse())
}

func TestHeaderWireLayout(t *testing.T) {
	h := Header{
		Magic:      Magic,
		HeaderSize: HeaderLen,
		TypePolicy: typePolicy(TypeResponse, FixedRoute),
		Flags:      FlagFirst | FlagLast,
		RID:        0x0102,
		POrder:     0x0304,
	}
	var b [HeaderLen]byte
	h.Encode(b[:])
	// The 16-bit fields are big-endian on the wire.
	assert.Equal(t, []byte{Magic, 8, 0x10, FlagFirst | FlagLast, 0x01, 0x02, 0x03, 0x04}, b[:])
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "REQUEST", TypeRequest.String())
	assert.Equal(t, "RESPONSE", TypeResponse.String())
	assert.Equal(t, "ACK", TypeAck.String())
	assert.Equal(t, "UNKNOWN", MsgType(9).String())
}
