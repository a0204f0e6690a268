package r2p2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPoolGenerationGuard(t *testing.T) {
	p := newClientPool(2)
	cp := p.alloc()
	h := cp.handle()
	require.Same(t, cp, p.get(h))

	p.release(cp)
	assert.Nil(t, p.get(h), "freed slot must not resolve")

	// Recycling the slot bumps the generation, so the old handle stays
	// dead even though the index is live again.
	cp2 := p.alloc()
	if cp2.meta.index == h.index {
		assert.Nil(t, p.get(h))
		assert.Same(t, cp2, p.get(cp2.handle()))
	}
}

func TestClientPoolAllocated(t *testing.T) {
	p := newClientPool(3)
	a := p.alloc()
	b := p.alloc()
	assert.Equal(t, 2, p.allocated())
	p.release(a)
	p.release(b)
	assert.Equal(t, 0, p.allocated())
}

func TestClientPoolExhaustionPanics(t *testing.T) {
	p := newClientPool(1)
	_ = p.alloc()
	assert.Panics(t, func() { p.alloc() })
}

func TestServerPoolGenerationGuard(t *testing.T) {
	p := newServerPool(1)
	sp := p.alloc()
	h := sp.handle()
	require.Same(t, sp, p.get(h))

	p.release(sp)
	assert.Nil(t, p.get(h))

	sp2 := p.alloc()
	assert.Equal(t, h.index, sp2.meta.index)
	assert.Nil(t, p.get(h))
	assert.Same(t, sp2, p.get(sp2.handle()))
}

func TestAllocResetsPair(t *testing.T) {
	p := newClientPool(1)
	cp := p.alloc()
	cp.replyReceived = 7
	cp.state = stateWResponse
	p.release(cp)

	cp = p.alloc()
	assert.Equal(t, uint16(0), cp.replyReceived)
	assert.Equal(t, stateWAck, cp.state)
}

func TestPendingClientsList(t *testing.T) {
	p := newClientPool(4)
	var l pendingClients

	a := p.alloc()
	a.localPort = 100
	a.request.rid = 1
	b := p.alloc()
	b.localPort = 101
	b.request.rid = 2
	c := p.alloc()
	c.localPort = 102
	c.request.rid = 3

	l.insert(a)
	l.insert(b)
	l.insert(c)

	assert.Same(t, b, l.find(101, 2))
	assert.Nil(t, l.find(101, 3), "rid must match")
	assert.Nil(t, l.find(100, 2), "local port must match")

	// Remove the middle element, then the head, then the tail.
	l.remove(b)
	assert.Nil(t, l.find(101, 2))
	assert.Same(t, c, l.find(102, 3))
	l.remove(c)
	l.remove(a)
	assert.Nil(t, l.head)
}

func TestPendingServersList(t *testing.T) {
	p := newServerPool(4)
	var l pendingServers

	peerA := addrPort(t, "10.0.0.1:5000")
	peerB := addrPort(t, "10.0.0.2:5000")

	a := p.alloc()
	a.request.sender = peerA
	a.request.rid = 9
	b := p.alloc()
	b.request.sender = peerB
	b.request.rid = 9

	l.insert(a)
	l.insert(b)

	assert.Same(t, a, l.find(9, peerA))
	assert.Same(t, b, l.find(9, peerB))
	assert.Nil(t, l.find(8, peerA))

	l.remove(a)
	assert.Nil(t, l.find(9, peerA))
	l.remove(b)
	assert.Nil(t, l.head)
}
