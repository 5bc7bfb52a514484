package device

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFileDevice(t *testing.T) *FileDevice {
	t.Helper()
	dev, err := CreateFileDevice(
		filepath.Join(t.TempDir(), "dev.img"), 64,
		FileDeviceConfig{BlockSize: 512})
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestFileDevice_WriteReadBack(t *testing.T) {
	dev := newTestFileDevice(t)

	w := dev.AllocateBuffer(1024)
	copy(w.Bytes(), "two blocks of payload")
	require.NoError(t, dev.WriteAt(512, w))
	w.Release()

	r := dev.AllocateBuffer(1024)
	require.NoError(t, dev.ReadAt(512, r))
	require.Equal(t, []byte("two blocks of payload"), r.Bytes()[:21])
	r.Release()
}

func TestFileDevice_UnalignedPanics(t *testing.T) {
	dev := newTestFileDevice(t)
	buf := dev.AllocateBuffer(512)
	defer buf.Release()

	require.Panics(t, func() { _ = dev.ReadAt(100, buf) })

	odd := dev.AllocateBuffer(100)
	defer odd.Release()
	require.Panics(t, func() { _ = dev.WriteAt(0, odd) })
}

func TestFileDevice_OutOfBounds(t *testing.T) {
	dev := newTestFileDevice(t)
	buf := dev.AllocateBuffer(512)
	defer buf.Release()

	err := dev.WriteAt(64*512, buf)
	require.ErrorIs(t, err, ErrRange)
}

func TestFileDevice_ReadOnly(t *testing.T) {
	dev := newTestFileDevice(t)
	path := dev.path

	w := dev.AllocateBuffer(512)
	copy(w.Bytes(), "persisted")
	require.NoError(t, dev.WriteAt(0, w))
	w.Release()
	require.NoError(t, dev.Close())

	ro, err := OpenFileDevice(path, FileDeviceConfig{BlockSize: 512, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()
	require.True(t, ro.ReadOnly())
	require.Equal(t, uint64(64), ro.BlockCount())

	r := ro.AllocateBuffer(512)
	defer r.Release()
	require.NoError(t, ro.ReadAt(0, r))
	require.Equal(t, []byte("persisted"), r.Bytes()[:9])
	require.ErrorIs(t, ro.WriteAt(0, r), ErrReadOnly)
}

func TestFileDevice_ClosedRejectsIO(t *testing.T) {
	dev := newTestFileDevice(t)
	buf := dev.AllocateBuffer(512)
	defer buf.Release()

	require.NoError(t, dev.Close())
	require.ErrorIs(t, dev.ReadAt(0, buf), ErrClosed)
	require.ErrorIs(t, dev.WriteAt(0, buf), ErrClosed)
	require.ErrorIs(t, dev.Flush(), ErrClosed)
}
