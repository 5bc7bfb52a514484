// Package device defines the block-device boundary the storage engine sits
// on, plus the pooled buffer allocator used for all transfers across it.
//
// A Device exposes a fixed-size, block-aligned byte address space. Every
// read and write must be block-aligned in both offset and length; violating
// alignment is a programming error and panics rather than returning an
// error. Writes carry no durability guarantee until Flush returns, but a
// crash between a write and its flush never corrupts unrelated, already
// flushed blocks (the device below is assumed to write whole blocks
// atomically).
//
// Buffers for device I/O come from a BufferPool, a fixed-capacity transfer
// heap carved into aligned chunks. Buffers are reference counted: Release
// returns the memory to the pool when the last reference drops. Requests
// that exceed the pool's remaining capacity fall back to plain heap
// allocations, trading residency for correctness.
package device
