package fs

import (
	"fmt"
	"sync"
)

// blockAlloc hands out device space by bumping a watermark. Nothing is ever
// reclaimed below the mark; space freed by compaction is recovered only
// when the device is reformatted. The mark is persisted in the superblock
// and stamped into every journal frame, so replay can restore it before
// any record referencing allocated blocks is applied.
type blockAlloc struct {
	mu        sync.Mutex
	next      uint64 // device bytes
	blockSize uint64
	capacity  uint64 // device bytes
}

func newBlockAlloc(blockSize uint32, blockCount, watermark uint64) *blockAlloc {
	return &blockAlloc{
		next:      watermark,
		blockSize: uint64(blockSize),
		capacity:  uint64(blockSize) * blockCount,
	}
}

// AllocBlocks reserves n contiguous blocks, returning their device byte
// offset.
func (a *blockAlloc) AllocBlocks(n uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	need := n * a.blockSize
	if a.next+need > a.capacity {
		return 0, fmt.Errorf("%d blocks at watermark %d, capacity %d: %w",
			n, a.next, a.capacity, ErrNoSpace)
	}
	off := a.next
	a.next += need
	return off, nil
}

// Watermark returns the current high-water mark in device bytes.
func (a *blockAlloc) Watermark() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Ensure raises the watermark to at least w.
func (a *blockAlloc) Ensure(w uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w > a.next {
		a.next = w
	}
}
