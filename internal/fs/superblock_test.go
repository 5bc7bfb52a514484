package fs

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/keelfs/keelfs/internal/tree"
)

func TestSuperBlock_EncodeDecode(t *testing.T) {
	sb := &superBlock{
		Generation: 42,
		GUID:       uuid.New(),
		Watermark:  1 << 20,
		Root: StoreInfo{
			StoreID:       1,
			RootDirID:     1,
			LastObjectID:  17,
			JournalOffset: 512,
			JournalBlocks: 64,
			JournalEpoch:  42,
			Layers: []tree.LayerInfo{
				{Offset: 40960, Blocks: 8, Items: 120},
				{Offset: 32768, Blocks: 16, Items: 400},
			},
		},
	}
	block, err := sb.encode(512)
	require.NoError(t, err)
	require.Len(t, block, 512)

	got, err := decodeSuperBlock(block)
	require.NoError(t, err)
	require.Equal(t, sb, got)
}

// The stored checksum must hash exactly the bytes the verifier hashes:
// everything after the checksum field, zero padding included.
func TestSuperBlock_ChecksumCoversPaddedTail(t *testing.T) {
	sb := &superBlock{Generation: 3, GUID: uuid.New(), Watermark: 4096,
		Root: StoreInfo{StoreID: 1, RootDirID: 1, JournalOffset: 512, JournalBlocks: 8, JournalEpoch: 3}}
	block, err := sb.encode(512)
	require.NoError(t, err)
	require.Equal(t, crc32.ChecksumIEEE(block[4:]), binary.LittleEndian.Uint32(block))

	_, err = decodeSuperBlock(block)
	require.NoError(t, err)

	// A flipped bit in the unused tail is corruption too.
	block[500] ^= 0x01
	_, err = decodeSuperBlock(block)
	require.ErrorIs(t, err, ErrBadSuperBlock)
}

func TestSuperBlock_RejectsCorruption(t *testing.T) {
	sb := &superBlock{Generation: 1, GUID: uuid.New(), Watermark: 512,
		Root: StoreInfo{StoreID: 1, RootDirID: 1, JournalOffset: 512, JournalBlocks: 8, JournalEpoch: 1}}
	block, err := sb.encode(512)
	require.NoError(t, err)

	flipped := append([]byte(nil), block...)
	flipped[20] ^= 0xff
	_, err = decodeSuperBlock(flipped)
	require.ErrorIs(t, err, ErrBadSuperBlock)

	_, err = decodeSuperBlock(make([]byte, 512))
	require.ErrorIs(t, err, ErrNotFormatted)
}

func TestSuperBlock_OverflowDetected(t *testing.T) {
	sb := &superBlock{GUID: uuid.New(),
		Root: StoreInfo{Layers: make([]tree.LayerInfo, 64)}}
	_, err := sb.encode(512)
	require.ErrorIs(t, err, ErrSuperBlockOverflow)
}

func TestStoreInfo_RoundTrip(t *testing.T) {
	info := StoreInfo{
		StoreID:       7,
		RootDirID:     1,
		LastObjectID:  9000,
		JournalOffset: 1 << 16,
		JournalBlocks: 256,
		JournalEpoch:  3,
		Layers:        []tree.LayerInfo{{Offset: 1 << 18, Blocks: 32, Items: 5000}},
	}
	got, rest, err := DecodeStoreInfo(AppendStoreInfo(nil, info))
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, info, got)
}
