package fs

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/keelfs/keelfs/internal/device"
	"github.com/keelfs/keelfs/internal/tree"
)

const (
	superMagic   = 0x4b45454c46535342 // "KEELFSSB"
	superVersion = 1
)

// StoreInfo is the persisted descriptor of one object store: everything
// needed to rebuild it on open. The root store's descriptor lives inline in
// the superblock; volume descriptors are records in the root store's tree.
type StoreInfo struct {
	StoreID       uint64
	RootDirID     uint64
	LastObjectID  uint64
	JournalOffset uint64
	JournalBlocks uint32
	JournalEpoch  uint64
	Layers        []tree.LayerInfo
}

// AppendStoreInfo encodes info onto dst.
func AppendStoreInfo(dst []byte, info StoreInfo) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, info.StoreID)
	dst = binary.LittleEndian.AppendUint64(dst, info.RootDirID)
	dst = binary.LittleEndian.AppendUint64(dst, info.LastObjectID)
	dst = binary.LittleEndian.AppendUint64(dst, info.JournalOffset)
	dst = binary.LittleEndian.AppendUint32(dst, info.JournalBlocks)
	dst = binary.LittleEndian.AppendUint64(dst, info.JournalEpoch)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(info.Layers)))
	for _, l := range info.Layers {
		dst = binary.LittleEndian.AppendUint64(dst, l.Offset)
		dst = binary.LittleEndian.AppendUint32(dst, l.Blocks)
		dst = binary.LittleEndian.AppendUint64(dst, l.Items)
	}
	return dst
}

// DecodeStoreInfo decodes one descriptor, returning the remaining bytes.
func DecodeStoreInfo(b []byte) (StoreInfo, []byte, error) {
	const fixed = 8 + 8 + 8 + 8 + 4 + 8 + 4
	if len(b) < fixed {
		return StoreInfo{}, nil, fmt.Errorf("store descriptor truncated: %w", ErrBadSuperBlock)
	}
	var info StoreInfo
	info.StoreID = binary.LittleEndian.Uint64(b)
	info.RootDirID = binary.LittleEndian.Uint64(b[8:])
	info.LastObjectID = binary.LittleEndian.Uint64(b[16:])
	info.JournalOffset = binary.LittleEndian.Uint64(b[24:])
	info.JournalBlocks = binary.LittleEndian.Uint32(b[32:])
	info.JournalEpoch = binary.LittleEndian.Uint64(b[36:])
	n := binary.LittleEndian.Uint32(b[44:])
	b = b[fixed:]
	if uint64(len(b)) < uint64(n)*20 {
		return StoreInfo{}, nil, fmt.Errorf("store descriptor layer list truncated: %w", ErrBadSuperBlock)
	}
	if n == 0 {
		return info, b, nil
	}
	info.Layers = make([]tree.LayerInfo, n)
	for i := range info.Layers {
		info.Layers[i] = tree.LayerInfo{
			Offset: binary.LittleEndian.Uint64(b),
			Blocks: binary.LittleEndian.Uint32(b[8:]),
			Items:  binary.LittleEndian.Uint64(b[12:]),
		}
		b = b[20:]
	}
	return info, b, nil
}

// superBlock is the on-disk anchor at block 0.
//
// Layout: crc32 u32 (over everything after it) | magic u64 | version u32 |
// generation u64 | guid 16 | watermark u64 | root StoreInfo. The block's
// unused tail is zero.
type superBlock struct {
	Generation uint64
	GUID       uuid.UUID
	Watermark  uint64
	Root       StoreInfo
}

const superHeaderLen = 4 + 8 + 4 + 8 + 16 + 8

func (sb *superBlock) encode(blockSize uint32) ([]byte, error) {
	body := make([]byte, 0, blockSize)
	body = binary.LittleEndian.AppendUint64(body, superMagic)
	body = binary.LittleEndian.AppendUint32(body, superVersion)
	body = binary.LittleEndian.AppendUint64(body, sb.Generation)
	body = append(body, sb.GUID[:]...)
	body = binary.LittleEndian.AppendUint64(body, sb.Watermark)
	body = AppendStoreInfo(body, sb.Root)
	if len(body)+4 > int(blockSize) {
		return nil, fmt.Errorf("%d bytes into %d-byte block: %w",
			len(body)+4, blockSize, ErrSuperBlockOverflow)
	}
	// The checksum covers everything after itself, zero tail included, so
	// encode and verify hash the same bytes.
	block := make([]byte, blockSize)
	copy(block[4:], body)
	binary.LittleEndian.PutUint32(block, crc32.ChecksumIEEE(block[4:]))
	return block, nil
}

func decodeSuperBlock(block []byte) (*superBlock, error) {
	if len(block) < superHeaderLen {
		return nil, fmt.Errorf("block smaller than superblock header: %w", ErrBadSuperBlock)
	}
	if binary.LittleEndian.Uint64(block[4:]) != superMagic {
		return nil, ErrNotFormatted
	}
	if crc := crc32.ChecksumIEEE(block[4:]); crc != binary.LittleEndian.Uint32(block) {
		return nil, fmt.Errorf("checksum mismatch: %w", ErrBadSuperBlock)
	}
	if v := binary.LittleEndian.Uint32(block[12:]); v != superVersion {
		return nil, fmt.Errorf("version %d: %w", v, ErrVersion)
	}
	sb := &superBlock{
		Generation: binary.LittleEndian.Uint64(block[16:]),
	}
	copy(sb.GUID[:], block[24:40])
	sb.Watermark = binary.LittleEndian.Uint64(block[40:])
	root, _, err := DecodeStoreInfo(block[48:])
	if err != nil {
		return nil, err
	}
	sb.Root = root
	return sb, nil
}

// writeSuperBlock encodes and writes sb to block 0. Whole-block writes are
// atomic at the device boundary, so a crash leaves either the previous or
// the new superblock, never a torn one.
func writeSuperBlock(dev device.Device, sb *superBlock) error {
	block, err := sb.encode(dev.BlockSize())
	if err != nil {
		return err
	}
	buf := dev.AllocateBuffer(len(block))
	copy(buf.Bytes(), block)
	err = dev.WriteAt(0, buf)
	buf.Release()
	if err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return nil
}

func readSuperBlock(dev device.Device) (*superBlock, error) {
	buf := dev.AllocateBuffer(int(dev.BlockSize()))
	defer buf.Release()
	if err := dev.ReadAt(0, buf); err != nil {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	return decodeSuperBlock(buf.Bytes())
}
