package device

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/keelfs/keelfs/internal/metrics"
)

// FileDevice is a Device backed by an ordinary host file, used both by the
// host-side image tooling and by tests. The block count is derived from the
// file length.
type FileDevice struct {
	file       *os.File
	path       string
	blockSize  uint32
	blockCount uint64
	readOnly   bool
	closed     bool
	pool       *BufferPool
	log        *zap.Logger
	met        *metrics.Metrics
}

// FileDeviceConfig configures a file-backed device.
type FileDeviceConfig struct {
	// BlockSize is the device block size in bytes. Must be a power of two.
	BlockSize uint32
	// ReadOnly opens the file without write access.
	ReadOnly bool
	// Pool is the transfer-buffer pool. A default pool is created if nil.
	Pool *BufferPool
	// Logger receives device lifecycle events. Defaults to a nop logger.
	Logger *zap.Logger
	// Metrics optionally collects device I/O counters.
	Metrics *metrics.Metrics
}

// DefaultFileDeviceConfig returns sensible defaults.
func DefaultFileDeviceConfig() FileDeviceConfig {
	return FileDeviceConfig{
		BlockSize: 4096,
	}
}

// CreateFileDevice creates (or truncates) an image file sized to
// blockCount*BlockSize and opens it as a device.
func CreateFileDevice(path string, blockCount uint64, config FileDeviceConfig) (*FileDevice, error) {
	config = fillFileConfig(config)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create image %s: %w", path, err)
	}
	size := int64(blockCount) * int64(config.BlockSize)
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("size image %s: %w", path, err)
	}
	return newFileDevice(file, path, blockCount, config), nil
}

// OpenFileDevice opens an existing image file as a device. The block count
// is the file length divided by the block size; a trailing partial block is
// not addressable.
func OpenFileDevice(path string, config FileDeviceConfig) (*FileDevice, error) {
	config = fillFileConfig(config)

	flags := os.O_RDWR
	if config.ReadOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}
	blockCount := uint64(info.Size()) / uint64(config.BlockSize)
	return newFileDevice(file, path, blockCount, config), nil
}

func fillFileConfig(config FileDeviceConfig) FileDeviceConfig {
	if config.BlockSize == 0 {
		config.BlockSize = DefaultFileDeviceConfig().BlockSize
	}
	if config.BlockSize&(config.BlockSize-1) != 0 {
		panic(fmt.Sprintf("device: block size %d is not a power of two", config.BlockSize))
	}
	if config.Pool == nil {
		config.Pool = NewBufferPool(DefaultBufferPoolConfig())
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return config
}

func newFileDevice(file *os.File, path string, blockCount uint64, config FileDeviceConfig) *FileDevice {
	config.Logger.Debug("device opened",
		zap.String("path", path),
		zap.Uint32("blockSize", config.BlockSize),
		zap.Uint64("blockCount", blockCount),
		zap.Bool("readOnly", config.ReadOnly))
	return &FileDevice{
		file:       file,
		path:       path,
		blockSize:  config.BlockSize,
		blockCount: blockCount,
		readOnly:   config.ReadOnly,
		pool:       config.Pool,
		log:        config.Logger,
		met:        config.Metrics,
	}
}

// BlockSize implements Device.
func (d *FileDevice) BlockSize() uint32 { return d.blockSize }

// BlockCount implements Device.
func (d *FileDevice) BlockCount() uint64 { return d.blockCount }

// ReadOnly implements Device.
func (d *FileDevice) ReadOnly() bool { return d.readOnly }

// AllocateBuffer implements Device.
func (d *FileDevice) AllocateBuffer(n int) *Buffer {
	return d.pool.Allocate(n)
}

// ReadAt implements Device.
func (d *FileDevice) ReadAt(offset uint64, buf *Buffer) error {
	checkAligned(d.blockSize, offset, buf.Len())
	if d.closed {
		return ErrClosed
	}
	if err := checkBounds(d.blockSize, d.blockCount, offset, buf.Len()); err != nil {
		return err
	}
	if _, err := d.file.ReadAt(buf.Bytes(), int64(offset)); err != nil {
		return fmt.Errorf("read %s at %d: %w", d.path, offset, err)
	}
	noteRead(d.met, buf.Len())
	return nil
}

// WriteAt implements Device.
func (d *FileDevice) WriteAt(offset uint64, buf *Buffer) error {
	checkAligned(d.blockSize, offset, buf.Len())
	if d.closed {
		return ErrClosed
	}
	if d.readOnly {
		return ErrReadOnly
	}
	if err := checkBounds(d.blockSize, d.blockCount, offset, buf.Len()); err != nil {
		return err
	}
	if _, err := d.file.WriteAt(buf.Bytes(), int64(offset)); err != nil {
		return fmt.Errorf("write %s at %d: %w", d.path, offset, err)
	}
	noteWrite(d.met, buf.Len())
	return nil
}

// Flush implements Device.
func (d *FileDevice) Flush() error {
	if d.closed {
		return ErrClosed
	}
	if d.readOnly {
		return nil
	}
	return d.file.Sync()
}

// Close implements Device.
func (d *FileDevice) Close() error {
	if d.closed {
		return nil
	}
	if !d.readOnly {
		if err := d.file.Sync(); err != nil {
			return err
		}
	}
	d.closed = true
	d.log.Debug("device closed", zap.String("path", d.path))
	return d.file.Close()
}
