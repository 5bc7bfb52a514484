package device

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Buffer is a reference-counted chunk of transfer memory. Buffers handed out
// by a BufferPool must be released; releasing the last reference returns the
// memory to the pool. A Buffer obtained as a fallback heap allocation has no
// pool and Release simply drops it.
type Buffer struct {
	data []byte
	pool *BufferPool
	refs atomic.Int32
}

// Bytes returns the buffer's backing slice.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the buffer length in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Ref takes an additional reference and returns the same buffer.
func (b *Buffer) Ref() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops one reference. When the count reaches zero the memory goes
// back to the owning pool. Releasing more times than referenced panics.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("device: buffer released more times than referenced")
	}
	if n == 0 && b.pool != nil {
		b.pool.put(b)
	}
}

// BufferPool is a fixed-capacity transfer heap. Chunks are recycled on a
// per-size free list; allocations past capacity fall back to the heap so
// callers never block on pool exhaustion.
type BufferPool struct {
	mu       sync.Mutex
	capacity int64
	inUse    int64
	free     map[int][][]byte
}

// BufferPoolConfig configures pool behavior.
type BufferPoolConfig struct {
	// Capacity is the transfer-heap budget in bytes.
	Capacity int64
}

// DefaultBufferPoolConfig returns sensible defaults.
func DefaultBufferPoolConfig() BufferPoolConfig {
	return BufferPoolConfig{
		Capacity: 8 * 1024 * 1024, // 8MB
	}
}

// NewBufferPool creates a pool with the given budget.
func NewBufferPool(config BufferPoolConfig) *BufferPool {
	if config.Capacity <= 0 {
		config = DefaultBufferPoolConfig()
	}
	return &BufferPool{
		capacity: config.Capacity,
		free:     make(map[int][][]byte),
	}
}

// Allocate returns a zeroed buffer of exactly n bytes with one reference
// held. Buffers within the pool budget are recycled; oversize or
// over-budget requests are plain heap allocations.
func (p *BufferPool) Allocate(n int) *Buffer {
	if n <= 0 {
		panic(fmt.Sprintf("device: invalid buffer size %d", n))
	}

	p.mu.Lock()
	if list := p.free[n]; len(list) > 0 {
		data := list[len(list)-1]
		p.free[n] = list[:len(list)-1]
		p.inUse += int64(n)
		p.mu.Unlock()

		clear(data)
		b := &Buffer{data: data, pool: p}
		b.refs.Store(1)
		return b
	}
	if p.inUse+int64(n) <= p.capacity {
		p.inUse += int64(n)
		p.mu.Unlock()

		b := &Buffer{data: make([]byte, n), pool: p}
		b.refs.Store(1)
		return b
	}
	p.mu.Unlock()

	// Budget exceeded: hand out an unpooled buffer rather than fail.
	b := &Buffer{data: make([]byte, n)}
	b.refs.Store(1)
	return b
}

// InUse returns the number of pooled bytes currently handed out.
func (p *BufferPool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

func (p *BufferPool) put(b *Buffer) {
	n := len(b.data)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse -= int64(n)
	p.free[n] = append(p.free[n], b.data)
}
