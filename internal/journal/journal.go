// Package journal implements the per-store durable log: committed
// transaction batches appended to a fixed device extent, replayed on open to
// rebuild the mutable tree layer since the last checkpoint.
//
// Frame format:
//   - CRC32 checksum (4 bytes, over epoch + payload)
//   - Payload length (4 bytes)
//   - Epoch (8 bytes)
//   - Payload (variable)
//
// Frames pack back to back; a frame may span blocks and the tail block is
// rewritten in place on each append (the device writes whole blocks
// atomically, so a crash leaves either the old or the new tail block).
//
// A checkpoint does not rewrite the journal at all: it bumps the epoch
// recorded with the store and rewinds the write offset. Stale frames still
// sitting in the extent carry the old epoch and are ignored by the next
// replay, so there is no crash window between checkpoint and journal reset.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"go.uber.org/zap"

	"github.com/keelfs/keelfs/internal/device"
	"github.com/keelfs/keelfs/internal/metrics"
)

const frameHeaderLen = 16

var (
	// ErrFull is returned when an append does not fit the journal extent.
	// The caller's remedy is a checkpoint, which rewinds the journal.
	ErrFull = errors.New("journal extent full")
)

// Journal is one store's log over a fixed device extent.
type Journal struct {
	dev      device.Device
	offset   uint64 // extent start, device bytes
	length   uint64 // extent length, bytes
	epoch    uint64
	writeOff uint64 // next frame position, relative to offset
	tail     []byte // in-memory image of the block containing writeOff
	log      *zap.Logger
	met      *metrics.Metrics
}

// New opens a journal over the extent at offset spanning blocks device
// blocks. epoch is the store's current journal epoch from its checkpoint.
func New(dev device.Device, offset uint64, blocks uint32, epoch uint64, log *zap.Logger, met *metrics.Metrics) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		dev:    dev,
		offset: offset,
		length: uint64(blocks) * uint64(dev.BlockSize()),
		epoch:  epoch,
		tail:   make([]byte, dev.BlockSize()),
		log:    log,
		met:    met,
	}
}

// Epoch returns the journal's current epoch.
func (j *Journal) Epoch() uint64 { return j.epoch }

// Offset returns the extent's device byte offset.
func (j *Journal) Offset() uint64 { return j.offset }

// Blocks returns the extent's length in device blocks.
func (j *Journal) Blocks() uint32 { return uint32(j.length / uint64(j.dev.BlockSize())) }

// SpaceLeft returns the bytes still appendable before ErrFull.
func (j *Journal) SpaceLeft() uint64 {
	used := j.writeOff + frameHeaderLen
	if used >= j.length {
		return 0
	}
	return j.length - used
}

// Append frames payload and writes it at the tail. Durability requires a
// subsequent device flush; a crash before that loses the frame but never
// corrupts earlier flushed frames.
func (j *Journal) Append(payload []byte) error {
	need := uint64(frameHeaderLen + len(payload))
	if j.writeOff+need > j.length {
		return fmt.Errorf("append of %d bytes at %d/%d: %w", need, j.writeOff, j.length, ErrFull)
	}

	frame := make([]byte, 0, need)
	var epochBuf [8]byte
	binary.LittleEndian.PutUint64(epochBuf[:], j.epoch)
	crc := crc32.ChecksumIEEE(epochBuf[:])
	crc = crc32.Update(crc, crc32.IEEETable, payload)

	frame = binary.LittleEndian.AppendUint32(frame, crc)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, epochBuf[:]...)
	frame = append(frame, payload...)

	bs := uint64(j.dev.BlockSize())
	for len(frame) > 0 {
		blockStart := j.writeOff / bs * bs
		within := j.writeOff - blockStart
		n := min(int(bs-within), len(frame))
		copy(j.tail[within:], frame[:n])

		buf := j.dev.AllocateBuffer(int(bs))
		copy(buf.Bytes(), j.tail)
		err := j.dev.WriteAt(j.offset+blockStart, buf)
		buf.Release()
		if err != nil {
			return fmt.Errorf("journal write: %w", err)
		}

		j.writeOff += uint64(n)
		if j.writeOff%bs == 0 {
			clear(j.tail)
		}
		frame = frame[n:]
	}
	j.met.RecordJournalWrite(int(need))
	return nil
}

// Replay scans frames from the start of the extent, invoking fn for each
// payload carrying the current epoch. Scanning stops at the first frame
// that fails its checksum, carries a stale epoch, or does not fit: that is
// the crash-truncation point. The journal is left positioned to append
// after the last valid frame.
func (j *Journal) Replay(fn func(payload []byte) error) error {
	bs := uint64(j.dev.BlockSize())
	raw := make([]byte, j.length)
	buf := j.dev.AllocateBuffer(int(bs))
	for b := uint64(0); b < j.length/bs; b++ {
		if err := j.dev.ReadAt(j.offset+b*bs, buf); err != nil {
			buf.Release()
			return fmt.Errorf("journal read: %w", err)
		}
		copy(raw[b*bs:], buf.Bytes())
	}
	buf.Release()

	off := uint64(0)
	frames := 0
	for {
		if off+frameHeaderLen > j.length {
			break
		}
		crc := binary.LittleEndian.Uint32(raw[off:])
		length := uint64(binary.LittleEndian.Uint32(raw[off+4:]))
		epoch := binary.LittleEndian.Uint64(raw[off+8:])
		if epoch != j.epoch {
			break
		}
		if length == 0 || off+frameHeaderLen+length > j.length {
			break
		}
		payload := raw[off+frameHeaderLen : off+frameHeaderLen+length]
		want := crc32.ChecksumIEEE(raw[off+8 : off+16])
		want = crc32.Update(want, crc32.IEEETable, payload)
		if want != crc {
			j.log.Warn("journal truncated at corrupt frame",
				zap.Uint64("offset", off),
				zap.Int("replayed", frames))
			break
		}
		if err := fn(payload); err != nil {
			return err
		}
		frames++
		off += frameHeaderLen + length
	}

	j.writeOff = off
	blockStart := off / bs * bs
	clear(j.tail)
	copy(j.tail, raw[blockStart:blockStart+uint64(off-blockStart)])
	if frames > 0 {
		j.log.Info("journal replayed",
			zap.Int("frames", frames),
			zap.Uint64("bytes", off))
	}
	return nil
}

// Advance rewinds the journal after a checkpoint. The new epoch must be
// greater than every epoch ever used on this extent; frames left behind
// become unreadable to the next replay without any device write.
func (j *Journal) Advance(epoch uint64) {
	if epoch <= j.epoch {
		panic(fmt.Sprintf("journal: epoch must advance (%d -> %d)", j.epoch, epoch))
	}
	j.epoch = epoch
	j.writeOff = 0
	clear(j.tail)
}
