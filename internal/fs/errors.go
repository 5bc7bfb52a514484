package fs

import "errors"

var (
	// ErrNotFormatted is returned by Open when block 0 carries no
	// recognizable superblock.
	ErrNotFormatted = errors.New("device is not formatted")

	// ErrBadSuperBlock is returned when the superblock fails its checksum
	// or cannot be decoded.
	ErrBadSuperBlock = errors.New("corrupt superblock")

	// ErrVersion is returned when the superblock's format version is not
	// supported by this build.
	ErrVersion = errors.New("unsupported format version")

	// ErrNoSpace is returned when an allocation does not fit the device.
	ErrNoSpace = errors.New("device full")

	// ErrSuperBlockOverflow is returned by Sync when the root store's
	// descriptor no longer fits the superblock's single block. Compacting
	// the root store shrinks its layer list below the limit.
	ErrSuperBlockOverflow = errors.New("superblock does not fit one block")
)
