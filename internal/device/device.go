package device

import (
	"fmt"

	"github.com/keelfs/keelfs/internal/metrics"
)

// Device is the block-device boundary consumed by the engine. Offsets and
// lengths passed to ReadAt/WriteAt must be multiples of BlockSize; alignment
// violations panic. A write is durable only after a subsequent Flush.
type Device interface {
	// BlockSize returns the device block size in bytes (a power of two).
	BlockSize() uint32
	// BlockCount returns the number of addressable blocks.
	BlockCount() uint64
	// AllocateBuffer returns a pooled transfer buffer of n bytes.
	AllocateBuffer(n int) *Buffer
	// ReadAt fills buf with device contents starting at offset.
	ReadAt(offset uint64, buf *Buffer) error
	// WriteAt writes buf to the device starting at offset.
	WriteAt(offset uint64, buf *Buffer) error
	// Flush forces durability of all prior writes.
	Flush() error
	// Close flushes and releases the device.
	Close() error
	// ReadOnly reports whether the device rejects writes.
	ReadOnly() bool
}

// checkAligned asserts block alignment of an I/O request. Misalignment is a
// programming error, not a recoverable condition.
func checkAligned(blockSize uint32, offset uint64, length int) {
	bs := uint64(blockSize)
	if offset%bs != 0 || uint64(length)%bs != 0 {
		panic(fmt.Sprintf("device: unaligned I/O request offset=%d len=%d blockSize=%d",
			offset, length, blockSize))
	}
}

// checkBounds validates that a request fits on the device.
func checkBounds(blockSize uint32, blockCount, offset uint64, length int) error {
	capacity := uint64(blockSize) * blockCount
	if offset > capacity || offset+uint64(length) > capacity {
		return fmt.Errorf("offset=%d len=%d capacity=%d: %w", offset, length, capacity, ErrRange)
	}
	return nil
}

// noteRead records a device read with the optional metrics collector.
func noteRead(m *metrics.Metrics, n int) {
	if m != nil {
		m.RecordDeviceRead(n)
	}
}

func noteWrite(m *metrics.Metrics, n int) {
	if m != nil {
		m.RecordDeviceWrite(n)
	}
}
