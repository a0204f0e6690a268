// Package buffer provides datagram-sized buffers allocated from a fixed,
// per-core pool. Buffers can be chained into messages; a chain is owned by
// exactly one message at a time.
package buffer

import "fmt"

// Buf is a single datagram buffer. The payload window [0:len) is what goes
// on (or came off) the wire, header included.
type Buf struct {
	data []byte
	len  int
	next *Buf
	pool *Pool
}

// Payload returns the full backing slice. The first Len() bytes are valid.
func (b *Buf) Payload() []byte {
	return b.data
}

// Len returns the current payload length.
func (b *Buf) Len() int {
	return b.len
}

// SetLen sets the payload length. n must not exceed the buffer capacity.
func (b *Buf) SetLen(n int) {
	if n > len(b.data) {
		panic(fmt.Sprintf("buffer: SetLen(%d) exceeds capacity %d", n, len(b.data)))
	}
	b.len = n
}

// Cap returns the buffer capacity.
func (b *Buf) Cap() int {
	return len(b.data)
}

// Next returns the next buffer in the chain, or nil.
func (b *Buf) Next() *Buf {
	return b.next
}

// SetNext links nb after b. Passing nil cuts the chain.
func (b *Buf) SetNext(nb *Buf) {
	b.next = nb
}

// Release returns b to its pool. The buffer must not be used afterwards.
// Releasing does not follow the chain; see ReleaseChain.
func (b *Buf) Release() {
	b.next = nil
	b.len = 0
	b.pool.put(b)
}

// ReleaseChain releases b and every buffer reachable from it.
func ReleaseChain(b *Buf) {
	for b != nil {
		next := b.next
		b.Release()
		b = next
	}
}

// Pool is a fixed-count free-list allocator. It is per-core state and is
// not safe for concurrent use.
type Pool struct {
	free  []*Buf
	size  int
	total int
}

// NewPool creates a pool of n buffers of the given capacity.
func NewPool(n, size int) *Pool {
	p := &Pool{
		free:  make([]*Buf, 0, n),
		size:  size,
		total: n,
	}
	for i := 0; i < n; i++ {
		p.free = append(p.free, &Buf{data: make([]byte, size), pool: p})
	}
	return p
}

// Get returns a zero-length buffer. It panics when the pool is exhausted;
// the caller sizes the pool for its load.
func (p *Pool) Get() *Buf {
	if len(p.free) == 0 {
		panic("buffer: pool exhausted")
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return b
}

func (p *Pool) put(b *Buf) {
	p.free = append(p.free, b)
}

// Allocated returns the number of buffers currently checked out.
func (p *Pool) Allocated() int {
	return p.total - len(p.free)
}
