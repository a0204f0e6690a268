package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAccounting(t *testing.T) {
	p := NewPool(4, 128)
	assert.Equal(t, 0, p.Allocated())

	a := p.Get()
	b := p.Get()
	assert.Equal(t, 2, p.Allocated())

	a.Release()
	b.Release()
	assert.Equal(t, 0, p.Allocated())
}

func TestPoolExhaustionPanics(t *testing.T) {
	p := NewPool(1, 128)
	_ = p.Get()
	assert.Panics(t, func() { p.Get() })
}

func TestChainRelease(t *testing.T) {
	p := NewPool(8, 64)
	head := p.Get()
	cur := head
	for i := 0; i < 4; i++ {
		nb := p.Get()
		cur.SetNext(nb)
		cur = nb
	}
	require.Equal(t, 5, p.Allocated())

	ReleaseChain(head)
	assert.Equal(t, 0, p.Allocated())
}

func TestReleaseResetsBuffer(t *testing.T) {
	p := NewPool(2, 64)
	a := p.Get()
	b := p.Get()
	a.SetNext(b)
	a.SetLen(10)
	a.Release()

	c := p.Get()
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Next())
}

func TestSetLenBeyondCapacityPanics(t *testing.T) {
	p := NewPool(1, 16)
	b := p.Get()
	assert.Panics(t, func() { b.SetLen(17) })
}
