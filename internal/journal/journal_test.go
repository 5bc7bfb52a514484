package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelfs/keelfs/internal/device"
)

const testBlocks = 16

func testJournal(t *testing.T, epoch uint64) (*Journal, device.Device) {
	t.Helper()
	dev, err := device.CreateFileDevice(
		filepath.Join(t.TempDir(), "journal.img"), 64,
		device.FileDeviceConfig{BlockSize: 512})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return New(dev, 0, testBlocks, epoch, nil, nil), dev
}

func replayAll(t *testing.T, j *Journal) [][]byte {
	t.Helper()
	var got [][]byte
	require.NoError(t, j.Replay(func(p []byte) error {
		got = append(got, append([]byte(nil), p...))
		return nil
	}))
	return got
}

func TestJournal_AppendReplay(t *testing.T) {
	j, dev := testJournal(t, 1)

	payloads := [][]byte{
		[]byte("first"),
		[]byte("second"),
		make([]byte, 1500), // spans multiple blocks
	}
	for i := range payloads[2] {
		payloads[2][i] = byte(i)
	}
	for _, p := range payloads {
		require.NoError(t, j.Append(p))
	}
	require.NoError(t, dev.Flush())

	// A fresh journal over the same extent replays everything.
	j2 := New(dev, 0, testBlocks, 1, nil, nil)
	require.Equal(t, payloads, replayAll(t, j2))

	// And is positioned to append more.
	require.NoError(t, j2.Append([]byte("third")))
	j3 := New(dev, 0, testBlocks, 1, nil, nil)
	got := replayAll(t, j3)
	require.Len(t, got, 4)
	require.Equal(t, []byte("third"), got[3])
}

func TestJournal_ReplayStopsAtCorruption(t *testing.T) {
	j, dev := testJournal(t, 1)
	require.NoError(t, j.Append([]byte("good")))
	require.NoError(t, j.Append([]byte("also good")))

	// Corrupt the second frame's payload on the device.
	bs := int(dev.BlockSize())
	buf := dev.AllocateBuffer(bs)
	require.NoError(t, dev.ReadAt(0, buf))
	raw := buf.Bytes()
	raw[16+len("good")+16] ^= 0xff
	require.NoError(t, dev.WriteAt(0, buf))
	buf.Release()

	j2 := New(dev, 0, testBlocks, 1, nil, nil)
	require.Equal(t, [][]byte{[]byte("good")}, replayAll(t, j2))
}

func TestJournal_StaleEpochIgnored(t *testing.T) {
	j, dev := testJournal(t, 1)
	require.NoError(t, j.Append([]byte("old era")))

	// After a checkpoint the epoch advances and the extent rewinds; the old
	// frame is still physically present but must not replay.
	j.Advance(2)
	require.Empty(t, replayAll(t, New(dev, 0, testBlocks, 2, nil, nil)))

	require.NoError(t, j.Append([]byte("new era")))
	require.Equal(t, [][]byte{[]byte("new era")},
		replayAll(t, New(dev, 0, testBlocks, 2, nil, nil)))
}

func TestJournal_Full(t *testing.T) {
	j, _ := testJournal(t, 1)

	big := make([]byte, testBlocks*512)
	require.ErrorIs(t, j.Append(big), ErrFull)

	// Small appends succeed until the extent runs out.
	small := make([]byte, 512)
	var err error
	for i := 0; i < testBlocks+1; i++ {
		if err = j.Append(small); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrFull)

	// Advance rewinds and appends fit again.
	j.Advance(2)
	require.NoError(t, j.Append(small))
}
