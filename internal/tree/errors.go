package tree

import "errors"

var (
	// ErrLayerCorrupt is returned when an immutable layer fails to decode.
	ErrLayerCorrupt = errors.New("corrupt layer")

	// ErrItemTooLarge is returned when a record cannot fit a data block.
	ErrItemTooLarge = errors.New("record exceeds layer block size")
)
